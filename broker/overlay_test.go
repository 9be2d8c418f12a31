package broker_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/flux-framework/flux-core-go/broker"
)

// writeTestFrame encodes msg exactly as a real peer connection's write
// pump would and writes it to conn: a 4-byte big-endian length prefix
// followed by the Encode()d bytes.
func writeTestFrame(t *testing.T, conn net.Conn, msg *broker.Message) {
	t.Helper()
	b, err := broker.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(b)))
	if _, err := conn.Write(lenb[:]); err != nil {
		t.Fatalf("write frame prefix: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write frame body: %v", err)
	}
}

// TestOverlayParentChildRoundTrip exercises the real §4.2 bring-up path
// end to end: a rank-1 broker dials a rank-0 broker's child listener
// over loopback TCP, the rank-0 broker accepts it (reading the hello
// that announces rank 1), and a groups.join issued on rank 1 is
// visible from rank 0's groups.get after a batch flush — the same
// membership behavior broker/groups_test.go exercises purely
// in-process, but here driven across a real wire connection.
func TestOverlayParentChildRoundTrip(t *testing.T) {
	cfg0 := broker.DefaultConfig()
	cfg0.Groups.BatchTimeout = 20 * time.Millisecond
	root := broker.New(0, cfg0, nil, nil)
	go root.Run()

	ln, err := root.ListenChildren("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenChildren: %v", err)
	}
	defer ln.Close()

	cfg1 := broker.DefaultConfig()
	child := broker.New(1, cfg1, nil, nil)
	go child.Run()

	if err := child.ConnectParent(ln.Addr().String(), broker.Credential{}); err != nil {
		t.Fatalf("ConnectParent: %v", err)
	}

	rootResponses := make(chan *broker.Message, 4)
	root.OnLocalResponse(func(_, resp *broker.Message) { rootResponses <- resp })

	// Give the accept goroutine + hello handshake a moment to land
	// before rank 1 submits its join, so the very first groups.update
	// this exchange produces isn't raced against AddChild.
	time.Sleep(50 * time.Millisecond)

	join := broker.NewRequest("groups.join", 1, broker.Credential{})
	join.ClientToken = "client-on-rank-1"
	join.Structured = map[string]any{"name": "wire-test"}
	child.Submit(join)

	deadline := time.After(2 * time.Second)
	for {
		get := broker.NewRequest("groups.get", 2, broker.Credential{})
		get.Structured = map[string]any{"name": "wire-test"}
		root.Submit(get)

		select {
		case resp := <-rootResponses:
			if resp.Err != nil {
				t.Fatalf("groups.get: %v", resp.Err)
			}
			members, _ := resp.Structured.(map[string]any)["members"].([]any)
			for _, m := range members {
				if n, ok := m.(float64); ok && int(n) == 1 {
					return // rank 1 observed as a member over the wire
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for rank 1's join to cross the wire")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestSubtreeLossRemovesGrandchildRanks exercises the §8 scenario 4
// "simultaneous leaves" requirement: losing a direct child that is
// itself carrying a grandchild's rank must remove every rank in that
// child's subtree from group membership, not just the child's own
// rank. A raw socket stands in for the intermediate rank (1) broker so
// the test can close the root-facing connection on demand, exactly as
// a crashed broker's connection would drop; the groups.update and
// overlay.subtree-join frames it sends are exactly what a real rank-1
// broker forwarding a real rank-3 grandchild's join would produce.
func TestSubtreeLossRemovesGrandchildRanks(t *testing.T) {
	cfg := broker.DefaultConfig()
	cfg.Groups.BatchTimeout = 20 * time.Millisecond
	root := broker.New(0, cfg, nil, nil)
	go root.Run()

	ln, err := root.ListenChildren("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenChildren: %v", err)
	}
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	writeTestFrame(t, conn, &broker.Message{
		Type:       broker.MsgControl,
		Topic:      "overlay.hello",
		Structured: map[string]any{"rank": 1},
	})
	time.Sleep(50 * time.Millisecond) // let root's accept loop register the child

	writeTestFrame(t, conn, &broker.Message{
		Type:  broker.MsgRequest,
		Topic: "groups.update",
		Structured: map[string]any{
			"name":   "subtree-test",
			"joined": []any{3},
			"left":   []any{},
		},
	})
	writeTestFrame(t, conn, &broker.Message{
		Type:       broker.MsgControl,
		Topic:      "overlay.subtree-join",
		Structured: map[string]any{"ranks": []any{3}},
	})

	responses := make(chan *broker.Message, 4)
	root.OnLocalResponse(func(_, resp *broker.Message) { responses <- resp })

	pollMembers := func(want func([]any) bool, failMsg string) {
		deadline := time.After(2 * time.Second)
		for {
			get := broker.NewRequest("groups.get", 1, broker.Credential{})
			get.Structured = map[string]any{"name": "subtree-test"}
			root.Submit(get)

			select {
			case resp := <-responses:
				if resp.Err != nil {
					t.Fatalf("groups.get: %v", resp.Err)
				}
				members, _ := resp.Structured.(map[string]any)["members"].([]any)
				if want(members) {
					return
				}
			case <-deadline:
				t.Fatal(failMsg)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	hasRank3 := func(members []any) bool {
		for _, m := range members {
			if n, ok := m.(float64); ok && int(n) == 3 {
				return true
			}
		}
		return false
	}

	pollMembers(hasRank3, "timed out waiting for rank 3's forwarded join")

	conn.Close() // simulate rank 1 (and its rank-3 grandchild) crashing

	pollMembers(func(members []any) bool { return !hasRank3(members) },
		"rank 3 was never removed after its subtree's parent edge was lost")
}
