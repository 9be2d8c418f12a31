// Package hk provides a mechanism for registering callbacks that are
// invoked at specified, possibly self-adjusting, intervals — used by
// the broker for its periodic sweeps (overlay torpidity detection,
// heartbeat epoch tick) so those loops don't each need their own
// timer goroutine.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/flux-framework/flux-core-go/cmn/debug"
)

// NameSuffix disambiguates a housekeeping registration from the
// higher-level name it is associated with, e.g. an overlay torpidity
// sweep registered under trname+NameSuffix so it can be unregistered
// without colliding with an unrelated entry of the same trname.
const NameSuffix = ".hk"

// CallbackF runs at its scheduled time and returns the delay until it
// should run again; a non-positive return value unregisters it.
type CallbackF func(now time.Time) time.Duration

type request struct {
	f        CallbackF
	name     string
	due      time.Time
	interval time.Duration
	unreg    bool
}

// timeoutQ is a min-heap of pending requests ordered by due time.
type timeoutQ []*request

func (q timeoutQ) Len() int            { return len(q) }
func (q timeoutQ) Less(i, j int) bool  { return q[i].due.Before(q[j].due) }
func (q timeoutQ) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *timeoutQ) Push(x any)         { *q = append(*q, x.(*request)) }
func (q *timeoutQ) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Housekeeper runs registered callbacks on their own schedules from a
// single goroutine, so no two housekeeping callbacks ever race with
// each other (they may still race with the broker's own event loop,
// which is why callbacks registered here must be safe to call from a
// foreign goroutine — typically by posting into a channel the event
// loop selects on, not by touching broker state directly).
type Housekeeper struct {
	mu      sync.Mutex
	byName  map[string]*request
	q       timeoutQ
	wake    chan struct{}
	stop    chan struct{}
	started chan struct{}
	once    sync.Once
}

var DefaultHK = New()

func New() *Housekeeper {
	return &Housekeeper{
		byName:  make(map[string]*request),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Reg schedules f to run after delay, and then again after whatever
// duration f itself returns, until f returns <= 0 or Unreg is called.
func (hk *Housekeeper) Reg(name string, f CallbackF, delay time.Duration) {
	hk.mu.Lock()
	if old, ok := hk.byName[name]; ok {
		old.unreg = true
	}
	r := &request{f: f, name: name, due: time.Now().Add(delay)}
	hk.byName[name] = r
	heap.Push(&hk.q, r)
	hk.mu.Unlock()
	hk.poke()
}

func (hk *Housekeeper) Unreg(name string) {
	hk.mu.Lock()
	if r, ok := hk.byName[name]; ok {
		r.unreg = true
		delete(hk.byName, name)
	}
	hk.mu.Unlock()
}

func (hk *Housekeeper) poke() {
	select {
	case hk.wake <- struct{}{}:
	default:
	}
}

// Run is the housekeeper's event loop; call it in its own goroutine.
func (hk *Housekeeper) Run() {
	hk.once.Do(func() { close(hk.started) })
	for {
		hk.mu.Lock()
		var d time.Duration
		if hk.q.Len() == 0 {
			d = time.Hour
		} else {
			d = time.Until(hk.q[0].due)
			if d < 0 {
				d = 0
			}
		}
		hk.mu.Unlock()

		t := time.NewTimer(d)
		select {
		case <-hk.stop:
			t.Stop()
			return
		case <-hk.wake:
			t.Stop()
		case <-t.C:
		}
		hk.fire()
	}
}

func (hk *Housekeeper) fire() {
	now := time.Now()
	for {
		hk.mu.Lock()
		if hk.q.Len() == 0 || hk.q[0].due.After(now) {
			hk.mu.Unlock()
			return
		}
		r := heap.Pop(&hk.q).(*request)
		hk.mu.Unlock()

		if r.unreg {
			continue
		}
		debug.Assert(r.f != nil, "hk: nil callback for ", r.name)
		next := r.f(now)
		if next <= 0 {
			hk.mu.Lock()
			delete(hk.byName, r.name)
			hk.mu.Unlock()
			continue
		}
		r.due = now.Add(next)
		hk.mu.Lock()
		if cur, ok := hk.byName[r.name]; !ok || cur != r {
			hk.mu.Unlock()
			continue // unregistered/replaced while its callback ran
		}
		heap.Push(&hk.q, r)
		hk.mu.Unlock()
	}
}

func (hk *Housekeeper) Stop() { close(hk.stop) }

func (hk *Housekeeper) WaitStarted() { <-hk.started }

//
// package-level convenience wrappers over DefaultHK
//

func Reg(name string, f CallbackF, delay time.Duration) { DefaultHK.Reg(name, f, delay) }
func Unreg(name string)                                 { DefaultHK.Unreg(name) }
func WaitStarted()                                      { DefaultHK.WaitStarted() }

// TestInit resets DefaultHK for test isolation; production code never
// calls this.
func TestInit() {
	DefaultHK = New()
}
