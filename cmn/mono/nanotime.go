//go:build !mono

// Package mono provides a monotonic time source for latency and
// torpidity bookkeeping that must not be perturbed by wall-clock changes.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start. The `mono`
// build tag swaps in a runtime.nanotime link-name variant (see
// fast_nanotime.go) that skips the time.Now() allocation; this portable
// fallback is the default.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }
