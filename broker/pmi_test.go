package broker_test

import (
	"testing"
	"time"

	"github.com/flux-framework/flux-core-go/broker"
)

// TestPMIExchangeUnionsThreeRanks exercises §4.7's tree-reduced
// exchange across a real three-level chain (root, rank 1, rank 2),
// connected over loopback TCP exactly as TestOverlayParentChildRoundTrip
// connects its pair: each rank contributes a distinct key via pmi.put,
// then the deepest rank's pmi.get drives the full gather-up/fold-down
// round trip (leaf gathers from no children and folds to its parent;
// the middle rank gathers from the leaf and folds to root; root
// gathers from the middle rank and, having no parent of its own,
// completes immediately) and must see every rank's contribution in the
// returned union.
func TestPMIExchangeUnionsThreeRanks(t *testing.T) {
	root := broker.New(0, broker.DefaultConfig(), nil, nil)
	go root.Run()
	rootLn, err := root.ListenChildren("127.0.0.1:0")
	if err != nil {
		t.Fatalf("root ListenChildren: %v", err)
	}
	defer rootLn.Close()

	mid := broker.New(1, broker.DefaultConfig(), nil, nil)
	go mid.Run()
	if err := mid.ConnectParent(rootLn.Addr().String(), broker.Credential{}); err != nil {
		t.Fatalf("mid ConnectParent: %v", err)
	}
	midLn, err := mid.ListenChildren("127.0.0.1:0")
	if err != nil {
		t.Fatalf("mid ListenChildren: %v", err)
	}
	defer midLn.Close()

	leaf := broker.New(2, broker.DefaultConfig(), nil, nil)
	go leaf.Run()
	if err := leaf.ConnectParent(midLn.Addr().String(), broker.Credential{}); err != nil {
		t.Fatalf("leaf ConnectParent: %v", err)
	}

	// Let both hellos land before anything is submitted.
	time.Sleep(100 * time.Millisecond)

	put := func(b *broker.Broker, key, val string) {
		req := broker.NewRequest("pmi.put", 1, broker.Credential{})
		req.Structured = map[string]any{"dict": map[string]any{key: val}}
		b.Submit(req)
	}
	put(root, "r0", "zero")
	put(mid, "r1", "one")
	put(leaf, "r2", "two")
	time.Sleep(50 * time.Millisecond) // each pmi.put is a fire-and-forget Response

	leafResponses := make(chan *broker.Message, 1)
	leaf.OnLocalResponse(func(_, resp *broker.Message) { leafResponses <- resp })

	get := broker.NewRequest("pmi.get", 2, broker.Credential{})
	leaf.Submit(get)

	select {
	case resp := <-leafResponses:
		if resp.Err != nil {
			t.Fatalf("pmi.get: %v", resp.Err)
		}
		body, _ := resp.Structured.(map[string]any)
		dict, _ := body["dict"].(map[string]any)
		want := map[string]any{"r0": "zero", "r1": "one", "r2": "two"}
		for k, v := range want {
			if dict[k] != v {
				t.Fatalf("dict[%q] = %v, want %v (full dict: %v)", k, dict[k], v, dict)
			}
		}
		if len(dict) != len(want) {
			t.Fatalf("dict = %v, want exactly %v", dict, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pmi.get to complete the three-rank exchange")
	}
}
