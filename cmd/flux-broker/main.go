// Command flux-broker is a minimal runnable daemon wiring the broker
// core together end to end: it is the small CLI wrapper the core
// itself deliberately keeps out of scope (§1 Out of scope).
package main

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flux-framework/flux-core-go/broker"
	"github.com/flux-framework/flux-core-go/cmn/cos"
	"github.com/flux-framework/flux-core-go/cmn/nlog"
	"github.com/flux-framework/flux-core-go/modules/contentstore"
)

func main() {
	rank := flag.Int("rank", 0, "this broker's rank in the session")
	parentURL := flag.String("parent-url", "", "overlay URL of the tree parent (empty for rank 0)")
	listenURL := flag.String("listen-url", "", "overlay URL this broker listens on for children")
	clientURL := flag.String("client-url", "", "overlay URL this broker listens on for local clients")
	dbPath := flag.String("content-db", ":memory:", "path to the default content-backing store")
	hashAlgo := flag.String("content-hash", "sha256", "content digest algorithm: sha256 or xxh64")
	flag.Parse()

	cfg := broker.DefaultConfig()
	cfg.Content.Hash = *hashAlgo

	b := broker.New(*rank, cfg, runScript, prometheus.DefaultRegisterer)

	store, err := contentstore.Open(*dbPath, contentstore.HashAlgo(*hashAlgo))
	if err != nil {
		cos.ExitLogf("content store: %v", err)
	}
	defer store.Close()
	b.RegisterBackingImpl("contentstore", store)

	activate := broker.NewRequest("content.register-backing", 1, broker.Credential{})
	activate.Structured = map[string]any{"name": "contentstore"}
	b.Submit(activate)

	// Bring up the overlay's real edges (§4.2): listen for children and
	// local clients, and dial the tree parent if this isn't rank 0. The
	// broker's JOIN state (§4.5) only advances past waiting on a parent
	// once ConnectParent has actually bound one.
	if *listenURL != "" {
		ln, err := b.ListenChildren(stripScheme(*listenURL))
		if err != nil {
			cos.ExitLogf("listen for children on %s: %v", *listenURL, err)
		}
		defer ln.Close()
	}
	if *clientURL != "" {
		ln, err := b.ListenClients(stripScheme(*clientURL), broker.Credential{})
		if err != nil {
			cos.ExitLogf("listen for clients on %s: %v", *clientURL, err)
		}
		defer ln.Close()
	}
	if *parentURL != "" {
		if err := b.ConnectParent(stripScheme(*parentURL), broker.Credential{}); err != nil {
			cos.ExitLogf("connect to parent %s: %v", *parentURL, err)
		}
	}

	nlog.Infof("flux-broker: rank=%d parent=%q listen=%q starting", *rank, *parentURL, *listenURL)

	code := b.Run()
	os.Exit(code)
}

// stripScheme drops a "tcp://" prefix, if present, from a broker overlay
// URL flag; net.Dial/net.Listen want a bare "host:port".
func stripScheme(url string) string {
	return strings.TrimPrefix(url, "tcp://")
}

// runScript is the default §4.5 ScriptRunner: the external script
// layer (rc1/rc2/rc3/cleanup) is out of scope for the core (§1), so
// this wrapper treats every stage as a no-op success rather than
// guessing at a script contract: it posts rc1-none, rc2-none,
// cleanup-done and rc3-success.
func runScript(name string, post func(broker.Event)) {
	go func() {
		time.Sleep(time.Millisecond)
		switch name {
		case "rc1":
			post(broker.EvRc1None)
		case "rc2":
			post(broker.EvRc2None)
		case "cleanup":
			post(broker.EvCleanupDone)
		case "rc3":
			post(broker.EvRc3Success)
		}
	}()
}
