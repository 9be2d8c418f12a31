package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flux-framework/flux-core-go/cmn/cos"
	"github.com/flux-framework/flux-core-go/cmn/nlog"
	"github.com/flux-framework/flux-core-go/hk"
)

// Broker is the per-node daemon's central runtime (§1, §5): a single
// event-loop goroutine owns every piece of mutable state below it, so
// none of router, groups, or the state machine need their own locks.
type Broker struct {
	LocalID string
	Rank    int

	cfg configHolder

	overlay      *overlay
	switchboard  *switchboard
	modhost      *modhost
	router       *router
	groups       *groupsSubsys
	sm           *stateMachine
	backing      *backingRegistry
	stats        *overlayStats
	hbeat        *heartbeat
	hkeeper      *hk.Housekeeper

	pmi      *pmiExchange
	pmiLocal map[string]string // this broker's own contributed PMI keys (§4.7)

	inbound     chan peerFrame
	localSubmit chan *Message
	smEvents    chan Event
	flushBatch  chan struct{}
	deliverCh   chan delivery
	postFuncs   chan func()
	done        chan struct{}
	wg          sync.WaitGroup

	mu              sync.Mutex
	pendingBackings map[string]Backing
	joinWaiters     []chan error
	exitCode        int
	matchtagSeq     uint32 // internal control-message matchtags (join.wait-ready, ...)
	eventSeq        uint32 // per-broker Event sequence, paired with LocalID (§4.3 step 4 dedup)

	onLocalResponse func(req, resp *Message)
	onEvent         func(m *Message)
}

// OnLocalResponse registers the callback invoked when a Response
// matches a locally originated Request (the seam a client transport or
// test harness hooks into; the core itself has no client transport).
func (b *Broker) OnLocalResponse(f func(req, resp *Message)) { b.onLocalResponse = f }

// OnEvent registers the callback invoked for every Event the root
// publishes, local included.
func (b *Broker) OnEvent(f func(m *Message)) { b.onEvent = f }

// New constructs a Broker for the given rank, wired with cfg and a
// ScriptRunner for the state machine's scripted actions. reg may be
// nil (no metrics registration, e.g. in tests).
func New(rank int, cfg *Config, runScript ScriptRunner, reg prometheus.Registerer) *Broker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	b := &Broker{
		LocalID:         cos.GenUUID(),
		Rank:            rank,
		hkeeper:         hk.New(),
		inbound:         make(chan peerFrame, 256),
		localSubmit:     make(chan *Message, 256),
		smEvents:        make(chan Event, 32),
		flushBatch:      make(chan struct{}, 1),
		deliverCh:       make(chan delivery, 64),
		postFuncs:       make(chan func(), 64),
		done:            make(chan struct{}),
		pendingBackings: make(map[string]Backing),
		pmiLocal:        make(map[string]string),
	}
	b.cfg.Store(cfg)
	b.overlay = newOverlay(cfg.Overlay.TorpidGrace, b.inbound)
	b.overlay.SetMonitor(b.onSubtreeMonitor)
	b.switchboard = newSwitchboard()
	b.modhost = newModhost()
	b.groups = newGroupsSubsys(b, cfg.Groups.BatchTimeout)
	b.sm = newStateMachine(b, runScript)
	b.backing = newBackingRegistry()
	b.stats = newOverlayStats(reg)
	b.router = newRouter(b)
	b.hbeat = newHeartbeat(b, cfg.Heartbeat.Period)
	b.pmi = newPMIExchange([]ChildExchanger{b.pmiChildExchanger()}, b.pmiParentExchanger())
	b.registerBuiltins()
	return b
}

// registerBuiltins installs one handler per service name (§3 "services
// register by unique name"); each handler dispatches on the topic's
// method component.
func (b *Broker) registerBuiltins() {
	b.switchboard.RegisterBuiltin("overlay", HandlerFunc(overlayHandler))
	b.switchboard.RegisterBuiltin("groups", HandlerFunc(groupsHandler))
	b.switchboard.RegisterBuiltin("state-machine", HandlerFunc(stateMachineHandler))
	b.switchboard.RegisterBuiltin("shutdown", HandlerFunc(shutdownHandler))
	b.switchboard.RegisterBuiltin("join", HandlerFunc(joinHandler))
	b.switchboard.RegisterBuiltin("content-backing", HandlerFunc(contentBackingHandler))
	b.switchboard.RegisterBuiltin("kvs-checkpoint", HandlerFunc(kvsCheckpointHandler))
	b.switchboard.RegisterBuiltin("content", HandlerFunc(contentHandler))
	b.switchboard.RegisterBuiltin("pmi", HandlerFunc(pmiHandler))
}

// RegisterBackingImpl makes a content-backing implementation available
// for activation via content.register-backing; the two-step dance
// (load, then register) mirrors §4.8/§4.4's module-as-collaborator
// model even for the in-tree default module.
func (b *Broker) RegisterBackingImpl(name string, impl Backing) {
	b.mu.Lock()
	b.pendingBackings[name] = impl
	b.mu.Unlock()
}

func (b *Broker) pendingBacking(name string) (Backing, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	impl, ok := b.pendingBackings[name]
	return impl, ok
}

// Config returns the current read-mostly configuration snapshot.
func (b *Broker) Config() *Config { return b.cfg.Load() }

// nextMatchtag returns a matchtag for a broker-internal control
// request (never zero, so it is never mistaken for fire-and-forget).
func (b *Broker) nextMatchtag() uint32 { return atomic.AddUint32(&b.matchtagSeq, 1) }

// nextEventSeq returns the next sequence number in this broker's
// Event stream, never zero so it is never mistaken for an unstamped
// Event (see router.routeEvent).
func (b *Broker) nextEventSeq() uint32 { return atomic.AddUint32(&b.eventSeq, 1) }

// Run drives the single cooperative event loop (§5) until the state
// machine reaches EXIT.
func (b *Broker) Run() int {
	b.overlay.startSweep(b.hkeeper)
	b.hbeat.start()
	go b.hkeeper.Run()
	b.hkeeper.WaitStarted()

	b.sm.Post(EvStart)

	for {
		select {
		case <-b.done:
			b.hkeeper.Stop()
			b.wg.Wait()
			return b.exitCode
		case pf := <-b.inbound:
			if pf.err != nil {
				b.handlePeerError(pf.peer, pf.err)
				continue
			}
			b.router.Route(pf.peer, pf.msg)
		case msg := <-b.localSubmit:
			b.router.SubmitLocal(msg)
		case ev := <-b.smEvents:
			b.sm.Post(ev)
		case <-b.flushBatch:
			b.groups.FlushBatch()
		case d := <-b.deliverCh:
			b.router.DeliverResponse(d.origin, d.req, d.resp)
		case fn := <-b.postFuncs:
			fn()
		}
	}
}

// delivery carries a response produced outside the event-loop
// goroutine (e.g. an async streaming producer like
// state-machine.monitor) back onto it, so router state is only ever
// touched from the one goroutine that owns it (§5).
type delivery struct {
	origin *Peer
	req    *Message
	resp   *Message
}

// postDeliver is the cross-goroutine-safe way to answer a streaming
// RPC from a producer goroutine that isn't the event loop itself.
func (b *Broker) postDeliver(origin *Peer, req, resp *Message) {
	select {
	case b.deliverCh <- delivery{origin, req, resp}:
	case <-b.done:
	}
}

// Submit enqueues a locally originated message for classification on
// the event-loop goroutine; safe to call from any goroutine.
func (b *Broker) Submit(msg *Message) { b.localSubmit <- msg }

// postSubmit is Submit's done-guarded form, used by producers that run
// on a foreign goroutine after the broker may already be shutting down
// (e.g. the heartbeat housekeeper callback), so a tick generated during
// shutdown never blocks forever on a closed event loop.
func (b *Broker) postSubmit(msg *Message) {
	select {
	case b.localSubmit <- msg:
	case <-b.done:
	}
}

func (b *Broker) postEvent(ev Event) {
	select {
	case b.smEvents <- ev:
	case <-b.done:
	}
}

func (b *Broker) postFlushBatch() {
	select {
	case b.flushBatch <- struct{}{}:
	case <-b.done:
	default:
	}
}

// postFunc runs fn on the event-loop goroutine, the general-purpose
// escape hatch a foreign goroutine uses to touch router/pending state
// that §5 reserves for that one goroutine — used by the PMI exchange's
// child/parent round trips, which run on their own goroutines so a
// slow descendant can't stall the whole event loop while its gather
// is in flight.
func (b *Broker) postFunc(fn func()) {
	select {
	case b.postFuncs <- fn:
	case <-b.done:
	}
}

func (b *Broker) deliverLocal(req, resp *Message) {
	// A real client transport would route resp to whatever delivered
	// req; the core only guarantees the matchtag/route-stack contract
	// (§4.1), so this is the seam external callers hook into.
	if b.onLocalResponse != nil {
		b.onLocalResponse(req, resp)
	}
}

func (b *Broker) deliverEvent(m *Message) {
	if b.onEvent != nil {
		b.onEvent(m)
	}
}

// handlePeerError reacts to the loss of any peer kind. §4.6 ties
// client-disconnect auto-leave and subtree-loss auto-leave to
// distinct peer roles: a lost client only ever owned cached
// groups.join/groups.get state for itself, while a lost parent or
// child took an entire rank subtree's membership down with it. A lost
// module is the only kind that can own switchboard registrations, so
// modhost.Crash is scoped to that role too.
func (b *Broker) handlePeerError(p *Peer, err error) {
	if p == nil {
		return
	}
	var subtree *idset
	if p.Role == RoleChild {
		// Capture the full set of ranks reachable through this child
		// (grandchildren included) before Disconnect drops the
		// bookkeeping that tracks it.
		subtree = b.overlay.SubtreeRanks(p.ID)
	}
	lost := b.overlay.Disconnect(p.ID)
	if lost == nil {
		return
	}
	b.stats.incPeerLost()
	switch p.Role {
	case RoleClient:
		b.groups.Disconnect(p.ID, b.Rank)
	case RoleChild:
		if subtree.IsEmpty() {
			subtree = idsetOf(p.Rank)
		}
		b.groups.SubtreeLost(subtree)
	case RoleParent:
		b.groups.SubtreeLost(idsetOf(p.Rank))
	case RoleModule:
		if freed := b.switchboard.UnregisterOwner(p); len(freed) > 0 {
			if synth, ok := b.modhost.Crash(p.ID); ok {
				for _, r := range synth {
					b.router.Route(nil, r)
				}
			}
		}
	}
	nlog.Warningf("broker: peer %s lost (rank %d, role %d): %v", p.ID, p.Rank, p.Role, err)
}

// announceSubtree tells this broker's own parent, if it has one, that
// ranks are now reachable through it, so the ancestor chain up to the
// root keeps an accurate per-child subtree for auto-leave on
// disconnect. Safe to call from any goroutine: it only touches
// overlay's own locked state and a peer's send channel.
func (b *Broker) announceSubtree(ranks *idset) {
	if ranks.IsEmpty() {
		return
	}
	parent := b.overlay.Parent()
	if parent == nil {
		return
	}
	msg := NewEvent("overlay.subtree-join", Credential{})
	msg.Type = MsgControl
	msg.Structured = map[string]any{"ranks": ranks.SliceAny()}
	b.overlay.Send(parent, msg)
}

// handleSubtreeJoin merges an overlay.subtree-join announcement from a
// direct child into that child's tracked subtree, then re-announces
// only the newly learned ranks further up this broker's own parent
// edge (§4.2 "bind/connect per-edge channels").
func (b *Broker) handleSubtreeJoin(from *Peer, m *Message) {
	body, _ := m.Structured.(map[string]any)
	raw, _ := body["ranks"].([]any)
	ranks := newIDSet()
	for _, v := range raw {
		if r, ok := toInt(v); ok {
			ranks.Add(r)
		}
	}
	added := b.overlay.ExpandChildSubtree(from.ID, ranks)
	b.announceSubtree(added)
}

// onSubtreeMonitor is called from the housekeeper's sweep goroutine, so
// the groups updates it makes are posted onto the event loop.
func (b *Broker) onSubtreeMonitor(peerID string, state SubtreeState, torpid bool) {
	b.postFunc(func() {
		p := b.overlay.Lookup(peerID)
		if p == nil {
			return
		}
		b.groups.SetTorpid(p.Rank, torpid)
		if state == SubtreeLost || state == SubtreeOffline {
			subtree := b.overlay.SubtreeRanks(p.ID)
			if subtree.IsEmpty() {
				subtree = idsetOf(p.Rank)
			}
			b.groups.SubtreeLost(subtree)
		}
	})
}

//
// state-machine action helpers (§4.5)
//

// sendJoinWait asks the parent for join.wait-ready and posts
// parent-ready once it answers, or parent-timeout if deadline elapses
// first (§4.5 JOIN).
func (b *Broker) sendJoinWait(deadline time.Duration) {
	stop := make(chan struct{})
	req := NewRequest("join.wait-ready", b.nextMatchtag(), Credential{})
	req.Structured = map[string]any{"deadline_s": deadline.Seconds()}
	if err := b.router.sendToParentAwait(req, func(*Message) {
		close(stop)
		b.postEvent(EvParentReady)
	}); err != nil {
		b.postEvent(EvParentFail)
		return
	}
	go func() {
		select {
		case <-time.After(deadline):
			b.postEvent(EvParentTimeout)
		case <-stop:
		case <-b.done:
		}
	}()
}

func (b *Broker) notifyJoiners() {
	b.mu.Lock()
	waiters := b.joinWaiters
	b.joinWaiters = nil
	b.mu.Unlock()
	for _, ch := range waiters {
		ch <- nil
		close(ch)
	}
}

func (b *Broker) notifyUnjoinedChildren() {
	for _, c := range b.overlay.Children() {
		msg := NewEvent("control.parent-fail", Credential{})
		msg.Type = MsgControl
		b.overlay.Send(c, msg)
	}
}

// waitSubtreeShutdown waits (bounded) for every child to disconnect,
// then posts children-complete or children-timeout (§4.5, §7 grace
// timer).
func (b *Broker) waitSubtreeShutdown() {
	const grace = 10 * time.Second
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		deadline := time.After(grace)
		for {
			if len(b.overlay.Children()) == 0 {
				b.postEvent(EvChildrenDone)
				return
			}
			select {
			case <-deadline:
				b.postEvent(EvChildrenTimeout)
				return
			case <-time.After(100 * time.Millisecond):
			case <-b.done:
				return
			}
		}
	}()
}

func (b *Broker) unloadConnectorModule() {
	// The built-in connector module (transport bootstrap) is unloaded
	// here; no default implementation ships with the core (§4.5 EXIT).
}

func (b *Broker) stopReactor() {
	close(b.done)
}

// BumpExitCode raises the broker's recorded exit code to max(current,
// code), implementing §6's "exits with the max of its own error code
// and the failing script's exit code."
func (b *Broker) BumpExitCode(code int) {
	b.mu.Lock()
	if code > b.exitCode {
		b.exitCode = code
	}
	b.mu.Unlock()
}

//
// built-in handlers that need broker-level state not natural to
// colocate with the subsystem they belong to
//

// shutdownHandler is the single registration for the "shutdown"
// service.
func shutdownHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "start":
		return shutdownStartHandler(b, from, req)
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}

// joinHandler is the single registration for the "join" service.
func joinHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "wait-ready":
		return joinWaitReadyHandler(b, from, req)
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}

func shutdownStartHandler(b *Broker, _ *Peer, req *Message) *Message {
	b.sm.RequestShutdown()
	b.postEvent(EvRc2Abort)
	return NewResponse(req)
}

func joinWaitReadyHandler(b *Broker, from *Peer, req *Message) *Message {
	ch := make(chan error, 1)
	b.mu.Lock()
	b.joinWaiters = append(b.joinWaiters, ch)
	b.mu.Unlock()
	go func() {
		<-ch
		resp := NewResponse(req)
		b.postDeliver(from, req, resp)
	}()
	return nil
}
