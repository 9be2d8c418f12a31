package broker

import (
	"sync"
	"time"

	"github.com/flux-framework/flux-core-go/cmn/nlog"
)

// BrokerState is §3's Broker state enum.
type BrokerState int

const (
	StateNone BrokerState = iota
	StateJoin
	StateInit
	StateQuorum
	StateRun
	StateCleanup
	StateShutdown
	StateFinalize
	StateGoodbye
	StateExit
)

func (s BrokerState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateJoin:
		return "JOIN"
	case StateInit:
		return "INIT"
	case StateQuorum:
		return "QUORUM"
	case StateRun:
		return "RUN"
	case StateCleanup:
		return "CLEANUP"
	case StateShutdown:
		return "SHUTDOWN"
	case StateFinalize:
		return "FINALIZE"
	case StateGoodbye:
		return "GOODBYE"
	case StateExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// Event is a state-machine event name (§4.5).
type Event string

const (
	EvStart          Event = "start"
	EvParentReady    Event = "parent-ready"
	EvParentNone     Event = "parent-none"
	EvParentTimeout  Event = "parent-timeout"
	EvParentFail     Event = "parent-fail"
	EvRc1Success     Event = "rc1-success"
	EvRc1Fail        Event = "rc1-fail"
	EvRc1None        Event = "rc1-none"
	EvRc2Success     Event = "rc2-success"
	EvRc2Fail        Event = "rc2-fail"
	EvRc2Abort       Event = "rc2-abort"
	EvRc2None        Event = "rc2-none"
	EvCleanupDone    Event = "cleanup-done"
	EvChildrenDone   Event = "children-complete"
	EvChildrenTimeout Event = "children-timeout"
	EvRc3Success     Event = "rc3-success"
	EvRc3Fail        Event = "rc3-fail"
)

// nexttab is the (state, event) -> next-state table, a direct
// translation of state_machine.c's statetab/nexttab (§4.5).
var nexttab = map[BrokerState]map[Event]BrokerState{
	StateNone: {EvStart: StateJoin},
	StateJoin: {
		EvParentReady:   StateInit,
		EvParentNone:    StateInit,
		EvParentTimeout: StateShutdown,
		EvParentFail:    StateShutdown,
	},
	StateInit: {
		EvRc1Success: StateRun,
		EvRc1None:    StateRun,
		EvRc1Fail:    StateShutdown,
	},
	StateRun: {
		EvRc2Success: StateCleanup,
		EvRc2Fail:    StateCleanup,
		EvRc2Abort:   StateCleanup,
		EvRc2None:    StateRun,
	},
	StateCleanup: {
		EvCleanupDone: StateShutdown,
	},
	StateShutdown: {
		EvChildrenDone:    StateFinalize,
		EvChildrenTimeout: StateFinalize,
	},
	StateFinalize: {
		EvRc3Success: StateExit,
		EvRc3Fail:    StateExit,
	},
}

// ScriptRunner runs a named scripted action (rc1/rc2/rc3/cleanup) and
// reports back by calling post with the resulting event once it
// completes; §4.5 requires
// this to be non-blocking from the caller's perspective, so real
// implementations run the script on a separate goroutine and post the
// resulting event back through postEvent.
type ScriptRunner func(name string, post func(Event))

// stateMachine implements §4.5. All mutation happens on the broker's
// event-loop goroutine.
type stateMachine struct {
	b          *Broker
	state      BrokerState
	runScript  ScriptRunner
	watchers   []chan BrokerState
	watchersMu sync.Mutex
	exitCode   int
	shutdown   bool // shutdown-requested short-circuit flag
}

func newStateMachine(b *Broker, run ScriptRunner) *stateMachine {
	return &stateMachine{b: b, state: StateNone, runScript: run}
}

func (sm *stateMachine) State() BrokerState { return sm.state }

// RequestShutdown sets the short-circuit flag consulted by the RUN
// action (§4.5 "a shutdown-requested flag short-circuits to rc2-abort").
func (sm *stateMachine) RequestShutdown() { sm.shutdown = true }

// Post delivers event to the machine and runs the entry action for
// whatever state it lands in.
func (sm *stateMachine) Post(ev Event) {
	next, ok := nexttab[sm.state][ev]
	if !ok {
		nlog.Warningf("state-machine: ignoring event %s in state %s", ev, sm.state)
		return
	}
	sm.state = next
	sm.notifyWatchers()
	sm.enter(next)
}

func (sm *stateMachine) notifyWatchers() {
	sm.watchersMu.Lock()
	defer sm.watchersMu.Unlock()
	live := sm.watchers[:0]
	for _, ch := range sm.watchers {
		select {
		case ch <- sm.state:
			live = append(live, ch)
		default:
		}
	}
	sm.watchers = live
}

// Watch registers a channel for state-machine.monitor (§6): it
// receives every subsequent transition until final is reached.
func (sm *stateMachine) Watch(final BrokerState) <-chan BrokerState {
	ch := make(chan BrokerState, 16)
	if sm.state == final {
		ch <- sm.state
		close(ch)
		return ch
	}
	sm.watchersMu.Lock()
	sm.watchers = append(sm.watchers, ch)
	sm.watchersMu.Unlock()
	return ch
}

func (sm *stateMachine) enter(s BrokerState) {
	switch s {
	case StateJoin:
		if sm.b.overlay.Parent() == nil {
			sm.Post(EvParentNone)
			return
		}
		sm.b.sendJoinWait(5 * time.Second)
	case StateInit:
		sm.runScriptAsync("rc1", EvRc1Success, EvRc1Fail, EvRc1None)
	case StateRun:
		if sm.shutdown {
			sm.Post(EvRc2Abort)
			return
		}
		if sm.b.Rank == 0 {
			sm.runScriptAsync("rc2", EvRc2Success, EvRc2Fail, EvRc2None)
		}
		sm.b.notifyJoiners()
	case StateCleanup:
		sm.runScriptAsync("cleanup", EvCleanupDone, EvCleanupDone, EvCleanupDone)
	case StateShutdown:
		sm.b.notifyUnjoinedChildren()
		sm.b.waitSubtreeShutdown()
	case StateFinalize:
		sm.runScriptAsync("rc3", EvRc3Success, EvRc3Fail, EvRc3Success)
	case StateExit:
		sm.b.unloadConnectorModule()
		sm.b.stopReactor()
	}
}

// runScriptAsync runs a script and posts one of (success, fail, none)
// back into the broker's event loop depending on its outcome;
// §4.5 failure semantics: nonzero exit doesn't abort the sequence.
func (sm *stateMachine) runScriptAsync(name string, okEv, failEv, noneEv Event) {
	if sm.runScript == nil {
		sm.b.postEvent(noneEv)
		return
	}
	sm.runScript(name, func(ev Event) {
		switch ev {
		case okEv, failEv, noneEv:
			sm.b.postEvent(ev)
		default:
			sm.b.postEvent(noneEv)
		}
	})
}

// stateMachineHandler is the single registration for the
// "state-machine" service; it dispatches on the topic's method.
func stateMachineHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "monitor":
		return stateMachineMonitorHandler(b, from, req)
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}

func stateMachineMonitorHandler(b *Broker, from *Peer, req *Message) *Message {
	body, _ := req.Structured.(map[string]any)
	final, _ := toInt(body["final"])
	ch := b.sm.Watch(BrokerState(final))
	go func() {
		for s := range ch {
			resp := NewResponse(req)
			resp.Streaming = true
			resp.Structured = map[string]any{"state": int(s)}
			b.postDeliver(from, req, resp)
			if s == BrokerState(final) {
				break
			}
		}
		eof := NewErrorResponse(req, ErrNoData, "state-machine.monitor: final state reached")
		eof.Streaming = true
		b.postDeliver(from, req, eof)
	}()
	return nil
}
