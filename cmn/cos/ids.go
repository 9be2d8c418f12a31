// Package cos - identifier generation.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// GenUUID returns a stable peer identifier (§3 Peer: "stable identifier
// (UUID-like)"). Generated once per overlay bind and held for the
// process lifetime.
func GenUUID() string { return uuid.NewString() }

// GenTie returns a short, human-loggable token for an ephemeral local
// entity: a client connection, a module instance. Unlike GenUUID these
// are never put on the wire between brokers; they exist only to let a
// broker recognize "the same local entity" again, e.g. to match a
// disconnect notification against a cached groups.join request.
func GenTie() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid's default generator only fails on clock/worker
		// misconfiguration, which cannot happen with the package
		// defaults used here.
		return uuid.NewString()
	}
	return id
}
