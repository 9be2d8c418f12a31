package broker_test

import (
	"testing"

	"github.com/flux-framework/flux-core-go/broker"
)

func TestMessageServiceMethod(t *testing.T) {
	cases := []struct {
		topic   string
		service string
		method  string
	}{
		{"groups.join", "groups", "join"},
		{"overlay.stats", "overlay", "stats"},
		{"kvs-checkpoint.get", "kvs-checkpoint", "get"},
		{"noservice", "noservice", ""},
	}
	for _, c := range cases {
		m := broker.NewRequest(c.topic, 1, broker.Credential{})
		if got := m.Service(); got != c.service {
			t.Errorf("Service(%q) = %q, want %q", c.topic, got, c.service)
		}
		if got := m.Method(); got != c.method {
			t.Errorf("Method(%q) = %q, want %q", c.topic, got, c.method)
		}
	}
}

func TestRoutePushPop(t *testing.T) {
	m := broker.NewRequest("groups.join", 42, broker.Credential{})
	if err := m.Push("rank0"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.Push("rank1"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := m.Top(); got != "rank1" {
		t.Fatalf("Top() = %q, want rank1", got)
	}
	if id, ok := m.Pop(); !ok || id != "rank1" {
		t.Fatalf("Pop() = (%q, %v), want (rank1, true)", id, ok)
	}
	if got := m.RouteLen(); got != 1 {
		t.Fatalf("RouteLen() = %d, want 1", got)
	}
}

func TestRoutePushRejectsCycle(t *testing.T) {
	m := broker.NewRequest("groups.join", 1, broker.Credential{})
	if err := m.Push("a"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.Push("a"); err == nil {
		t.Fatal("Push: expected cycle rejection, got nil error")
	}
}

func TestMatchesRequest(t *testing.T) {
	req := broker.NewRequest("groups.get", 7, broker.Credential{})
	req.Push("originator")
	resp := broker.NewResponse(req)
	if !resp.MatchesRequest(req, "originator") {
		t.Fatal("MatchesRequest: expected match")
	}
	if resp.MatchesRequest(req, "someone-else") {
		t.Fatal("MatchesRequest: expected no match for wrong local id")
	}
}
