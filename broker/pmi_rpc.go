package broker

import "context"

// pmiHandler is the single registration for the "pmi" service (§4.7).
// pmi.put stashes a local contribution without starting an exchange;
// pmi.get is the client-facing entry point that runs the full
// tree-reduced exchange; pmi.gather and pmi.fold are the two
// broker-to-broker legs the exchange drives over the overlay: a parent
// asking a child to contribute its subtree (gather), and a child
// handing its subtree up to its parent (fold).
func pmiHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "put":
		return pmiPutHandler(b, req)
	case "get":
		return pmiExchangeHandler(b, from, req, b.pmi.Exchange)
	case "gather":
		return pmiExchangeHandler(b, from, req, b.pmi.Gather)
	case "fold":
		return pmiExchangeHandler(b, from, req, b.pmi.Exchange)
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}

// pmiPutHandler merges the caller's key/value pairs into this broker's
// locally contributed dictionary, answered synchronously (§4.7 has no
// round-trip requirement for a plain contribution).
func pmiPutHandler(b *Broker, req *Message) *Message {
	body, _ := req.Structured.(map[string]any)
	dict, _ := body["dict"].(map[string]any)
	for k, v := range dictFromAny(dict) {
		b.pmiLocal[k] = v
	}
	return NewResponse(req)
}

// pmiExchangeHandler seeds the exchange with this broker's own locally
// contributed dictionary plus whatever the caller supplied, then runs
// it via run (either the full Exchange, for a pmi.get or pmi.fold
// request, or the children-only Gather, for a pmi.gather request from
// this broker's own parent) on a dedicated goroutine so the tree
// round-trip it performs can't stall the event loop, delivering the
// response once it completes (§4.7, the join.wait-ready deferred-reply
// pattern).
func pmiExchangeHandler(b *Broker, from *Peer, req *Message, run func(context.Context, map[string]string) (map[string]string, error)) *Message {
	body, _ := req.Structured.(map[string]any)
	contributed, _ := body["dict"].(map[string]any)
	base := cloneDict(b.pmiLocal)
	for k, v := range dictFromAny(contributed) {
		base[k] = v
	}
	go func() {
		agg, err := run(context.Background(), base)
		var resp *Message
		if err != nil {
			resp = NewErrorResponse(req, AsKind(err), err.Error())
		} else {
			resp = NewResponse(req)
			resp.Structured = map[string]any{"dict": dictToAny(agg)}
		}
		b.postDeliver(from, req, resp)
	}()
	return nil
}

// pmiChildExchanger fans a gather out to every currently connected
// child concurrently (overlay's own lock makes Children safe to read
// from this goroutine) and merges their answers in, first-writer-wins,
// exactly as pmiExchange.gatherChildren does for a single child.
func (b *Broker) pmiChildExchanger() ChildExchanger {
	return func(ctx context.Context, dict map[string]string) (map[string]string, error) {
		children := b.overlay.Children()
		if len(children) == 0 {
			return dict, nil
		}
		type answer struct {
			dict map[string]string
			err  error
		}
		results := make(chan answer, len(children))
		for _, c := range children {
			c := c
			go func() {
				d, err := b.pmiRoundTrip(ctx, c, "pmi.gather", dict)
				results <- answer{d, err}
			}()
		}
		merged := cloneDict(dict)
		for range children {
			a := <-results
			if a.err != nil {
				return nil, a.err
			}
			for k, v := range a.dict {
				if _, exists := merged[k]; !exists {
					merged[k] = v
				}
			}
		}
		return merged, nil
	}
}

// pmiParentExchanger folds dict up to this broker's own parent, or
// returns it unchanged if there is none (this broker is the tree
// root), mirroring pmiExchange.reduce's "root completes immediately".
func (b *Broker) pmiParentExchanger() ParentExchanger {
	return func(ctx context.Context, dict map[string]string) (map[string]string, error) {
		parent := b.overlay.Parent()
		if parent == nil {
			return dict, nil
		}
		return b.pmiRoundTrip(ctx, parent, "pmi.fold", dict)
	}
}

// pmiRoundTrip sends a pmi.<topic> request to peer and blocks (on this
// goroutine, not the event loop) for the matching Response. Assigning
// the matchtag and registering the pending continuation both touch
// router state the single-event-loop model reserves for the event
// loop goroutine (§5), so that part of the send is done via postFunc.
func (b *Broker) pmiRoundTrip(ctx context.Context, peer *Peer, topic string, dict map[string]string) (map[string]string, error) {
	req := NewRequest(topic, 0, Credential{})
	req.Structured = map[string]any{"dict": dictToAny(dict)}

	result := make(chan *Message, 1)
	posted := make(chan error, 1)
	b.postFunc(func() {
		req.Matchtag = b.nextMatchtag()
		posted <- b.router.sendToPeerAwait(peer, req, func(resp *Message) { result <- resp })
	})

	select {
	case err := <-posted:
		if err != nil {
			return nil, err
		}
	case <-b.done:
		return nil, NewError(ErrInternal, "broker shutting down")
	}

	select {
	case resp := <-result:
		if resp.Err != nil {
			return nil, NewError(resp.Err.Kind, "%s", resp.Err.Text)
		}
		body, _ := resp.Structured.(map[string]any)
		sub, _ := body["dict"].(map[string]any)
		return dictFromAny(sub), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, NewError(ErrInternal, "broker shutting down")
	}
}

func dictToAny(d map[string]string) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func dictFromAny(d map[string]any) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
