package broker

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// ChildExchanger sends the local node's merged dictionary down to one
// child and waits for that child's sub-exchange to complete, mirroring
// the request-reply gather step of §4.7's algorithm. ParentExchanger is
// the symmetric call one level up; nil at the tree root.
type ChildExchanger func(ctx context.Context, dict map[string]string) (map[string]string, error)
type ParentExchanger func(ctx context.Context, dict map[string]string) (map[string]string, error)

// pmiExchange implements §4.7: a tree-reduced dictionary union used to
// bootstrap jobs. Concurrent callers of Exchange are serialized via
// singleflight — a caller arriving while an exchange is already in
// flight waits for it rather than starting a second one, exactly as
// spec requires ("the new one waits").
type pmiExchange struct {
	sf       singleflight.Group
	children []ChildExchanger
	parent   ParentExchanger
}

func newPMIExchange(children []ChildExchanger, parent ParentExchanger) *pmiExchange {
	return &pmiExchange{children: children, parent: parent}
}

// Exchange contributes dict and returns the exchange-wide union. The
// dictionary returned is a private copy; per §4.7 "becomes invalid
// when the callback returns" the caller must not retain any aliasing
// of it beyond using the returned map.
func (e *pmiExchange) Exchange(ctx context.Context, dict map[string]string) (map[string]string, error) {
	v, err, _ := e.sf.Do("exchange", func() (any, error) {
		return e.reduce(ctx, dict)
	})
	if err != nil {
		return nil, err
	}
	return cloneDict(v.(map[string]string)), nil
}

// Gather runs only the children portion of the algorithm: used when
// this broker is itself answering a pmi.gather request from its own
// parent, which must not also trigger a second round trip back to the
// very peer that asked (that upward leg is the parent's job, not
// ours). Concurrent callers are serialized the same way Exchange's are.
func (e *pmiExchange) Gather(ctx context.Context, dict map[string]string) (map[string]string, error) {
	v, err, _ := e.sf.Do("gather", func() (any, error) {
		return e.gatherChildren(ctx, dict)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (e *pmiExchange) gatherChildren(ctx context.Context, dict map[string]string) (map[string]string, error) {
	merged := cloneDict(dict)

	// gather from children (request-reply)
	for _, child := range e.children {
		sub, err := child(ctx, merged)
		if err != nil {
			return nil, NewError(ErrInternal, "pmi exchange: child gather failed: %v", err)
		}
		// Ties are resolved stably: the existing value wins, so the
		// outcome does not depend on the order children respond in
		// relative to a fixed traversal order (§8 round-trip property).
		for k, val := range sub {
			if _, exists := merged[k]; !exists {
				merged[k] = val
			}
		}
	}
	return merged, nil
}

func (e *pmiExchange) reduce(ctx context.Context, dict map[string]string) (map[string]string, error) {
	merged, err := e.gatherChildren(ctx, dict)
	if err != nil {
		return nil, err
	}
	if e.parent == nil {
		return merged, nil // root: complete immediately
	}
	agg, err := e.parent(ctx, merged)
	if err != nil {
		return nil, NewError(ErrInternal, "pmi exchange: parent round-trip failed: %v", err)
	}
	return agg, nil
}

func cloneDict(d map[string]string) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
