package broker

import (
	"sync"
	"time"
)

// TorpidGroup is the well-known rank-granular group overlay monitoring
// feeds (§4.6 Subtree loss).
const TorpidGroup = "broker.torpid"

const defaultBatchTimeout = 100 * time.Millisecond

// update is one pending membership change for a named group (§3 Group
// batch): a set of ranks joining (set=true) or leaving (set=false).
type update struct {
	ranks *idset
	set   bool
}

// watcher is a cached streaming groups.get request together with the
// peer it arrived from (nil if self-originated; for a request forwarded
// from a descendant broker, the child peer that forwarded it).
type watcher struct {
	req  *Message
	peer *Peer
}

// group is §3's Group: the authoritative aggregate (on rank 0) or
// subtree aggregate (elsewhere), the cached join requests used for
// disconnect-driven auto-leave, and any streaming get watchers.
type group struct {
	name     string
	members  *idset
	joinedBy map[string]*Message // local-client token -> cached groups.join request
	watchers []*watcher          // cached streaming groups.get requests
}

func newGroup(name string) *group {
	return &group{name: name, members: newIDSet(), joinedBy: make(map[string]*Message)}
}

// groupsSubsys implements §4.6. It is only ever touched from the
// broker's single event-loop goroutine (batch/timer/apply), so it
// needs no internal locking beyond what's required to be safely armed
// from the housekeeper callback, which only ever posts into the event
// loop rather than mutating state directly.
type groupsSubsys struct {
	b            *Broker
	groups       map[string]*group
	batch        map[string][]update
	batchArmed   bool
	batchTimeout time.Duration

	mu sync.Mutex // guards batchArmed only, set from the hk goroutine
}

func newGroupsSubsys(b *Broker, batchTimeout time.Duration) *groupsSubsys {
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	return &groupsSubsys{
		b:            b,
		groups:       make(map[string]*group),
		batch:        make(map[string][]update),
		batchTimeout: batchTimeout,
	}
}

func (g *groupsSubsys) get(name string) *group {
	grp, ok := g.groups[name]
	if !ok {
		grp = newGroup(name)
		g.groups[name] = grp
	}
	return grp
}

// clientTokenOf derives the disconnect-matching key for a request: the
// local client connection's ephemeral token (§9: "evaluated against
// the cached join request exactly, not a prefix" of anything).
func clientTokenOf(req *Message) string { return req.ClientToken }

// Join handles groups.join (§4.6): responds synchronously before
// upstream propagation, guaranteeing invariant 3.
func (g *groupsSubsys) Join(req *Message, rank int) *Message {
	name, _ := req.Structured.(map[string]any)["name"].(string)
	token := clientTokenOf(req)
	grp := g.get(name)
	if _, already := grp.joinedBy[token]; already {
		return NewErrorResponse(req, ErrAlreadyMember, name)
	}
	grp.joinedBy[token] = req
	g.appendUpdate(name, idsetOf(rank), true)
	return NewResponse(req)
}

// Leave handles groups.leave, symmetric to Join.
func (g *groupsSubsys) Leave(req *Message, rank int) *Message {
	name, _ := req.Structured.(map[string]any)["name"].(string)
	token := clientTokenOf(req)
	grp := g.get(name)
	if _, joined := grp.joinedBy[token]; !joined {
		return NewErrorResponse(req, ErrNotMember, name)
	}
	delete(grp.joinedBy, token)
	g.appendUpdate(name, idsetOf(rank), false)
	return NewResponse(req)
}

// Get handles groups.get. Non-rank-0 brokers forward it to their
// parent (the §9 Open Question decision: rank-0-only, no legacy
// subtree-aggregate fallback), using the same hop discipline the
// router uses for module/parent forwarding so the eventual Response
// resolves back here correctly. Rank 0 answers immediately for a
// non-streaming request, or registers a watcher for a streaming one.
func (g *groupsSubsys) Get(from *Peer, req *Message) *Message {
	if g.b.Rank != 0 {
		if err := g.b.router.ForwardToParent(from, req); err != nil {
			return NewErrorResponse(req, AsKind(err), err.Error())
		}
		return nil
	}
	name, _ := req.Structured.(map[string]any)["name"].(string)
	grp := g.get(name)
	if req.Streaming {
		grp.watchers = append(grp.watchers, &watcher{req: req, peer: from})
	}
	return g.answerGet(grp, req)
}

func (g *groupsSubsys) answerGet(grp *group, req *Message) *Message {
	resp := NewResponse(req)
	resp.Streaming = req.Streaming
	resp.Structured = map[string]any{"members": grp.members.SliceAny()}
	return resp
}

// Update handles groups.update: broker-to-broker, no response
// expected (§4.6).
func (g *groupsSubsys) Update(req *Message) {
	body, _ := req.Structured.(map[string]any)
	name, _ := body["name"].(string)
	joined, _ := body["joined"].([]any)
	left, _ := body["left"].([]any)
	grp := g.get(name)
	for _, v := range joined {
		if r, ok := toInt(v); ok {
			grp.members.Add(r)
		}
	}
	for _, v := range left {
		if r, ok := toInt(v); ok {
			grp.members.Remove(r)
		}
	}
	g.notifyWatchers(grp)

	// Pass the update on toward the root so rank 0's aggregate covers
	// every rank below this broker, not just its direct children.
	if parent := g.b.overlay.Parent(); parent != nil {
		fwd := NewEvent("groups.update", Credential{})
		fwd.Type = MsgRequest
		fwd.Structured = body
		g.b.overlay.Send(parent, fwd)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// appendUpdate appends an update to the per-name batch array and arms
// the batch timer on the first append to an empty batch (§4.6).
func (g *groupsSubsys) appendUpdate(name string, ranks *idset, set bool) {
	g.batch[name] = append(g.batch[name], update{ranks: ranks, set: set})
	g.arm()
}

func (g *groupsSubsys) arm() {
	g.mu.Lock()
	armed := g.batchArmed
	if !armed {
		g.batchArmed = true
	}
	g.mu.Unlock()
	if armed {
		return
	}
	g.b.hkeeper.Reg("groups-batch", func(time.Time) time.Duration {
		g.b.postFlushBatch()
		return 0 // one-shot; re-armed by the next appendUpdate
	}, g.batchTimeout)
}

// FlushBatch reduces and applies every pending batch, called only
// from the event loop (§4.6 "On expiry").
func (g *groupsSubsys) FlushBatch() {
	g.mu.Lock()
	g.batchArmed = false
	g.mu.Unlock()

	if len(g.batch) == 0 {
		return
	}
	pending := g.batch
	g.batch = make(map[string][]update)

	for name, updates := range pending {
		joined, left := reduce(updates)
		grp := g.get(name)
		grp.members.Union(joined)
		grp.members.Subtract(left)
		g.notifyWatchers(grp)

		if parent := g.b.overlay.Parent(); parent != nil {
			msg := NewEvent("groups.update", Credential{})
			msg.Type = MsgRequest
			msg.Structured = map[string]any{
				"name":   name,
				"joined": joined.SliceAny(),
				"left":   left.SliceAny(),
			}
			g.b.overlay.Send(parent, msg)
		}
	}
}

// reduce collapses consecutive same-direction entries for a name by
// idset-union, as §4.6 describes, producing the net joined/left sets.
func reduce(updates []update) (joined, left *idset) {
	joined, left = newIDSet(), newIDSet()
	for _, u := range updates {
		if u.set {
			joined.Union(u.ranks)
			left.Subtract(u.ranks)
		} else {
			left.Union(u.ranks)
			joined.Subtract(u.ranks)
		}
	}
	return joined, left
}

// notifyWatchers answers every cached streaming groups.get with the
// group's current membership. A watcher that arrived already forwarded
// from a descendant broker (non-empty route stack) is answered with a
// single hop to whichever peer forwarded it, exactly like an ordinary
// Response; that peer's own router continues the hop-by-hop return
// trip the same way it would for any other reply. A watcher that
// arrived directly from a local peer (or self) is answered directly.
func (g *groupsSubsys) notifyWatchers(grp *group) {
	still := grp.watchers[:0]
	for _, w := range grp.watchers {
		resp := g.answerGet(grp, w.req)
		if next := w.req.Top(); next != "" {
			peer := w.peer
			if peer == nil {
				continue // next hop gone; watcher can no longer be served
			}
			if err := g.b.overlay.Send(peer, resp); err != nil {
				continue
			}
		} else {
			g.b.router.DeliverResponse(w.peer, w.req, resp)
		}
		still = append(still, w)
	}
	grp.watchers = still
}

// Disconnect implements §4.6 disconnect handling: flush the current
// batch, then generate a leave for every group the client had cached a
// join for, and drop its streaming watchers.
func (g *groupsSubsys) Disconnect(token string, rank int) {
	g.FlushBatch()
	for _, grp := range g.groups {
		if _, joined := grp.joinedBy[token]; joined {
			delete(grp.joinedBy, token)
			g.appendUpdate(grp.name, idsetOf(rank), false)
		}
		filtered := grp.watchers[:0]
		for _, w := range grp.watchers {
			if w.peer == nil || w.peer.ID != token {
				filtered = append(filtered, w)
			}
		}
		grp.watchers = filtered
	}
}

// SubtreeLost implements §4.6 subtree loss: emit leave updates for
// lost on every group whose membership intersects it.
func (g *groupsSubsys) SubtreeLost(lost *idset) {
	for name, grp := range g.groups {
		if grp.members.Intersects(lost) {
			g.appendUpdate(name, lost.Clone(), false)
		}
	}
}

// SetTorpid implements the rank-granular broker.torpid group update
// driven by the overlay monitor (§4.6: "rank-granular, not
// subtree-granular: torpid state can clear independently").
func (g *groupsSubsys) SetTorpid(rank int, torpid bool) {
	g.appendUpdate(TorpidGroup, idsetOf(rank), torpid)
}

//
// built-in RPC handlers
//

// groupsHandler is the single registration for the "groups" service
// (§4.3: "services register by unique name", i.e. per service rather
// than per method); it dispatches on the topic's method component.
func groupsHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "join":
		return b.groups.Join(req, b.Rank)
	case "leave":
		return b.groups.Leave(req, b.Rank)
	case "get":
		return b.groups.Get(from, req)
	case "update":
		b.groups.Update(req)
		return nil
	case "disconnect":
		// §6 lists groups.disconnect among the well-known topics; §4.6/§5
		// describe it as synthesized by the overlay for the disconnecting
		// client's own cached state rather than issued by a live caller,
		// which is exactly what Broker.handlePeerError does directly on
		// the event-loop goroutine. This case exists so the topic is a
		// real, dispatchable method rather than a documented-but-absent
		// one, for any caller that reaches it through the ordinary
		// request path instead.
		b.groups.Disconnect(req.ClientToken, b.Rank)
		return nil
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}
