package broker

// router classifies and dispatches every message per the five-step
// order in spec §4.3. It is only ever touched from the broker's
// single event-loop goroutine, so it needs no locks (§5).
type router struct {
	b          *Broker
	sw         *switchboard
	overlay    *overlay
	localID    string
	pending    map[uint32]*pendingEntry // requests this broker pushed onto a module, its parent, or a child
	seenEvents map[eventKey]struct{}
	stats      *overlayStats
}

// pendingEntry remembers, for a request this broker forwarded across a
// genuine hop (to a module, to its parent, or to a child), who to deliver the
// eventual Response to once the route stack it pushed onto empties
// back out at this broker: the peer that handed it to us, or nil for
// a self-originated request.
type pendingEntry struct {
	origin *Peer
	req    *Message
	done   func(resp *Message) // internal continuation; takes priority over origin/local delivery
}

type eventKey struct {
	publisher string
	sequence  uint64
}

func newRouter(b *Broker) *router {
	return &router{
		b:          b,
		sw:         b.switchboard,
		overlay:    b.overlay,
		localID:    b.LocalID,
		pending:    make(map[uint32]*pendingEntry),
		seenEvents: make(map[eventKey]struct{}),
		stats:      b.stats,
	}
}

// SubmitLocal classifies a locally originated message exactly as an
// inbound message from a peer would be classified.
func (r *router) SubmitLocal(req *Message) { r.Route(nil, req) }

// Route implements the §4.3 classification order. from is nil for
// locally originated messages.
func (r *router) Route(from *Peer, m *Message) {
	switch m.Type {
	case MsgResponse:
		r.routeResponse(from, m)
	case MsgRequest:
		r.routeRequest(from, m)
	case MsgEvent:
		r.routeEvent(from, m)
	case MsgControl, MsgKeepalive:
		r.routeControl(from, m)
	default:
		r.stats.inc(m.Type, "in", "drop")
	}
}

// step 1: Response. Pop the top route entry (this broker's own,
// pushed when it forwarded the matching Request onward). If an entry
// remains, forward to the peer it names. Otherwise this broker is the
// hop that originated the forward, and the matching pendingEntry says
// where to deliver: back to a real peer, or to a local callback.
func (r *router) routeResponse(from *Peer, m *Message) {
	if from != nil && from.Role == RoleModule {
		if mod, ok := r.b.modhost.Get(from.ID); ok {
			mod.resolveRequest(m.Matchtag)
		}
	}
	if _, ok := m.Pop(); !ok {
		r.stats.inc(MsgResponse, dir(from), "drop")
		return
	}
	if next := m.Top(); next != "" {
		peer := r.overlay.Lookup(next)
		if peer == nil {
			r.stats.inc(MsgResponse, dir(from), "drop")
			return
		}
		if err := r.overlay.Send(peer, m); err != nil {
			r.stats.inc(MsgResponse, dir(from), "fail")
			return
		}
		r.stats.inc(MsgResponse, dir(from), "forward")
		return
	}
	entry, ok := r.pending[m.Matchtag]
	if !ok {
		r.stats.inc(MsgResponse, dir(from), "drop")
		return
	}
	if !m.Streaming || m.Err != nil {
		delete(r.pending, m.Matchtag)
	}
	if entry.done != nil {
		entry.done(m)
		return
	}
	r.deliverResponse(entry.origin, entry.req, m)
}

// step 2 & 3: Request
func (r *router) routeRequest(from *Peer, m *Message) {
	if from != nil && from.Role == RoleClient {
		m.ClientToken = from.ID
	}
	if reg, ok := r.sw.Lookup(m.Service()); ok {
		r.stats.inc(MsgRequest, dir(from), "dispatch")
		if reg.owner != nil {
			if err := r.forwardHop(reg.owner, from, m); err != nil {
				r.reply(from, m, AsKind(err), err.Error())
				return
			}
			if mod, ok := r.b.modhost.Get(reg.owner.ID); ok {
				mod.trackRequest(m)
			}
			return
		}
		resp := reg.handler.Handle(r.b, from, m)
		if resp != nil {
			r.deliverResponse(from, m, resp)
		}
		return
	}
	if r.overlay.Parent() != nil {
		if err := r.ForwardToParent(from, m); err != nil {
			r.reply(from, m, AsKind(err), err.Error())
			r.stats.inc(MsgRequest, dir(from), "fail")
			return
		}
		r.stats.inc(MsgRequest, dir(from), "forward")
		return
	}
	r.reply(from, m, ErrMethodNotFound, m.Topic)
	r.stats.inc(MsgRequest, dir(from), "not-found")
}

// forwardHop pushes this broker's identifier onto req, tracks who to
// answer once the matching Response pops back to an empty stack here,
// and sends it to owner (a module's peer).
func (r *router) forwardHop(owner, from *Peer, req *Message) error {
	if err := req.Push(r.localID); err != nil {
		return err
	}
	if req.Matchtag != 0 {
		r.pending[req.Matchtag] = &pendingEntry{origin: from, req: req}
	}
	if err := r.overlay.Send(owner, req); err != nil {
		return NewError(ErrModuleGone, "module unreachable")
	}
	return nil
}

// ForwardToParent pushes this broker's identifier onto req and sends
// it to the parent, the same hop discipline as forwardHop but toward
// the tree root rather than a module. Exported for the groups
// subsystem's own internal groups.get forwarding (§4.6).
func (r *router) ForwardToParent(from *Peer, req *Message) error {
	parent := r.overlay.Parent()
	if parent == nil {
		return NewError(ErrNotFound, "no parent to forward to")
	}
	if err := req.Push(r.localID); err != nil {
		return err
	}
	if req.Matchtag != 0 {
		r.pending[req.Matchtag] = &pendingEntry{origin: from, req: req}
	}
	return r.overlay.Send(parent, req)
}

// sendToParentAwait forwards req to the parent exactly like
// ForwardToParent, but resolves the eventual Response through done
// rather than through an origin peer or local delivery. Used for
// broker-internal round trips to the parent that have no originating
// peer at all, such as join.wait-ready.
func (r *router) sendToParentAwait(req *Message, done func(resp *Message)) error {
	parent := r.overlay.Parent()
	if parent == nil {
		return NewError(ErrNotFound, "no parent to forward to")
	}
	if err := req.Push(r.localID); err != nil {
		return err
	}
	r.pending[req.Matchtag] = &pendingEntry{done: done, req: req}
	return r.overlay.Send(parent, req)
}

// sendToPeerAwait sends req directly to peer (a specific child, rather
// than always the parent) and resolves the eventual Response through
// done — sendToParentAwait generalized to an arbitrary directly
// connected peer. Used by the PMI exchange both to gather from each
// child (all children concurrently) and to fold up to the parent (§4.7).
func (r *router) sendToPeerAwait(peer *Peer, req *Message, done func(resp *Message)) error {
	if err := req.Push(r.localID); err != nil {
		return err
	}
	r.pending[req.Matchtag] = &pendingEntry{done: done, req: req}
	return r.overlay.Send(peer, req)
}

// deliverResponse terminates a response that never needs a
// route-stack round trip: a synchronous local-handler result, or a
// deferred answer (state-machine.monitor, groups.get watchers,
// join.wait-ready) delivered straight back to the peer that asked, or
// to the local callback for a self-originated request.
func (r *router) deliverResponse(origin *Peer, req, resp *Message) {
	if origin != nil {
		if err := r.overlay.Send(origin, resp); err != nil {
			r.stats.inc(MsgResponse, dir(origin), "fail")
			return
		}
		r.stats.inc(MsgResponse, dir(origin), "delivered")
		return
	}
	r.b.deliverLocal(req, resp)
	r.stats.inc(MsgResponse, "local", "delivered")
}

// DeliverResponse is deliverResponse's exported form, used by the
// groups and state-machine subsystems to answer a cached watcher
// request asynchronously, long after the event loop call that first
// accepted it returned.
func (r *router) DeliverResponse(origin *Peer, req, resp *Message) { r.deliverResponse(origin, req, resp) }

// step 4: Event
func (r *router) routeEvent(from *Peer, m *Message) {
	if m.Publisher == "" {
		// First time this broker has seen the Event: it originated
		// here (self-submitted, or handed up from a local module or
		// client), so stamp it with an identity that stays stable for
		// the rest of its trip up to the root and back down (§4.3
		// step 4 dedup key).
		m.Publisher = r.localID
		m.Matchtag = r.b.nextEventSeq()
	}
	if from == nil {
		if parent := r.overlay.Parent(); parent != nil {
			r.overlay.Send(parent, m)
			r.stats.inc(MsgEvent, "local", "forward")
			return
		}
		r.publish(m)
		return
	}
	if from.Role == RoleParent {
		r.publish(m)
		return
	}
	// from a child or local module/client: per the data-flow summary
	// in §2, events travel up toward the root for publication.
	if parent := r.overlay.Parent(); parent != nil {
		r.overlay.Send(parent, m)
		r.stats.inc(MsgEvent, dir(from), "forward")
		return
	}
	r.publish(m)
}

func (r *router) publish(m *Message) {
	key := eventKey{publisher: m.Publisher, sequence: uint64(m.Matchtag)}
	if _, dup := r.seenEvents[key]; dup {
		r.stats.inc(MsgEvent, "root", "dedup")
		return
	}
	r.seenEvents[key] = struct{}{}
	for _, c := range r.overlay.Children() {
		r.overlay.Send(c, m)
	}
	r.b.deliverEvent(m)
	r.stats.inc(MsgEvent, "root", "publish")
}

// step 5: Control / Keepalive
func (r *router) routeControl(from *Peer, m *Message) {
	if from != nil {
		from.touch()
	}
	if m.Topic == "overlay.subtree-join" && from != nil {
		r.b.handleSubtreeJoin(from, m)
	}
	r.stats.inc(m.Type, dir(from), "consumed")
}

func (r *router) reply(from *Peer, req *Message, kind ErrorKind, text string) {
	resp := NewErrorResponse(req, kind, text)
	r.deliverResponse(from, req, resp)
}

func dir(from *Peer) string {
	if from == nil {
		return "local"
	}
	switch from.Role {
	case RoleParent:
		return "down" // arriving from parent, travelling down
	default:
		return "up"
	}
}
