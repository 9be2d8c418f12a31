package broker_test

import (
	"bytes"
	"testing"

	"github.com/flux-framework/flux-core-go/broker"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *broker.Message
	}{
		{"request-structured", func() *broker.Message {
			m := broker.NewRequest("groups.join", 99, broker.Credential{UserID: 1, RoleMask: 2})
			m.Structured = map[string]any{"name": "x"}
			return m
		}()},
		{"response-raw", func() *broker.Message {
			req := broker.NewRequest("content-backing.load", 5, broker.Credential{})
			req.Push("hop1")
			resp := broker.NewResponse(req)
			resp.Raw = []byte("hello")
			return resp
		}()},
		{"error-response", func() *broker.Message {
			req := broker.NewRequest("groups.get", 3, broker.Credential{})
			return broker.NewErrorResponse(req, broker.ErrNotFound, "no such group")
		}()},
		{"event", broker.NewEvent("heartbeat.epoch", broker.Credential{})},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := broker.Encode(c.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := broker.Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Type != c.msg.Type || got.Topic != c.msg.Topic || got.Matchtag != c.msg.Matchtag {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, c.msg)
			}
			if !bytes.Equal(got.Raw, c.msg.Raw) {
				t.Fatalf("raw payload mismatch: got %q, want %q", got.Raw, c.msg.Raw)
			}
			if (got.Err == nil) != (c.msg.Err == nil) {
				t.Fatalf("error presence mismatch: got %v, want %v", got.Err, c.msg.Err)
			}
			if got.Err != nil && got.Err.Kind != c.msg.Err.Kind {
				t.Fatalf("error kind mismatch: got %v, want %v", got.Err.Kind, c.msg.Err.Kind)
			}
		})
	}
}

func TestDecodeMalformedHeaderIsProtocolError(t *testing.T) {
	_, err := broker.Decode([]byte{0, 0, 0, 0}) // just the route delimiter, nothing else
	if err == nil {
		t.Fatal("expected decode error for truncated message")
	}
	if broker.AsKind(err) != broker.ErrProtocol {
		t.Fatalf("AsKind(err) = %v, want ErrProtocol", broker.AsKind(err))
	}
}
