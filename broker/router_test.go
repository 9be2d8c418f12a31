package broker_test

import (
	"testing"
	"time"

	"github.com/flux-framework/flux-core-go/broker"
)

func newTestBroker() *broker.Broker {
	cfg := broker.DefaultConfig()
	return broker.New(0, cfg, nil, nil)
}

func TestRouterDispatchesBuiltinLocally(t *testing.T) {
	b := newTestBroker()
	go b.Run()

	done := make(chan *broker.Message, 1)
	b.OnLocalResponse(func(_, resp *broker.Message) { done <- resp })

	req := broker.NewRequest("overlay.stats", 1, broker.Credential{})
	b.Submit(req)

	select {
	case resp := <-done:
		if resp.Err != nil {
			t.Fatalf("unexpected error response: %v", resp.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for overlay.stats response")
	}
}

func TestRouterMethodNotFoundWithoutParent(t *testing.T) {
	b := newTestBroker()
	go b.Run()

	done := make(chan *broker.Message, 1)
	b.OnLocalResponse(func(_, resp *broker.Message) { done <- resp })

	req := broker.NewRequest("nosuchservice.doit", 2, broker.Credential{})
	b.Submit(req)

	select {
	case resp := <-done:
		if resp.Err == nil || resp.Err.Kind != broker.ErrMethodNotFound {
			t.Fatalf("expected METHOD_NOT_FOUND, got %v", resp.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestGroupsJoinThenAlreadyMember(t *testing.T) {
	b := newTestBroker()
	go b.Run()

	responses := make(chan *broker.Message, 4)
	b.OnLocalResponse(func(_, resp *broker.Message) { responses <- resp })

	join := func(matchtag uint32) *broker.Message {
		req := broker.NewRequest("groups.join", matchtag, broker.Credential{})
		req.ClientToken = "client-a"
		req.Structured = map[string]any{"name": "x"}
		b.Submit(req)
		select {
		case resp := <-responses:
			return resp
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for groups.join response")
			return nil
		}
	}

	if resp := join(1); resp.Err != nil {
		t.Fatalf("first join should succeed, got %v", resp.Err)
	}
	if resp := join(2); resp.Err == nil || resp.Err.Kind != broker.ErrAlreadyMember {
		t.Fatalf("second join should fail ALREADY_MEMBER, got %v", resp.Err)
	}
}
