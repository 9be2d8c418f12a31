package broker

import (
	"sync/atomic"
	"time"

	"github.com/flux-framework/flux-core-go/cmn/mono"
)

// PeerRole is §3 Peer's role attribute.
type PeerRole uint8

const (
	RoleParent PeerRole = iota
	RoleChild
	RoleModule
	RoleClient
)

// SubtreeState is the §4.2 set_monitor callback's state enum.
type SubtreeState uint8

const (
	SubtreeFull SubtreeState = iota
	SubtreePartial
	SubtreeDegraded
	SubtreeOffline
	SubtreeLost
)

func (s SubtreeState) String() string {
	switch s {
	case SubtreeFull:
		return "full"
	case SubtreePartial:
		return "partial"
	case SubtreeDegraded:
		return "degraded"
	case SubtreeOffline:
		return "offline"
	case SubtreeLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Peer is a directly connected overlay endpoint: parent, child, or
// local module (§3). Client connections share the same bookkeeping
// for torpidity and disconnect handling but carry RoleClient.
type Peer struct {
	ID       string // stable UUID-like identifier
	Rank     int    // -1 for local clients/modules with no rank
	Role     PeerRole
	Cred     Credential
	lastSeen int64 // mono.NanoTime() timestamp, atomic
	torpid   int32 // 0/1, atomic

	send chan *Message
	recv chan *Message
	done chan struct{}
}

func newPeer(id string, rank int, role PeerRole, cred Credential) *Peer {
	p := &Peer{
		ID: id, Rank: rank, Role: role, Cred: cred,
		send: make(chan *Message, 64),
		recv: make(chan *Message, 64),
		done: make(chan struct{}),
	}
	p.touch()
	return p
}

func (p *Peer) touch() {
	atomic.StoreInt64(&p.lastSeen, mono.NanoTime())
	atomic.StoreInt32(&p.torpid, 0)
}

func (p *Peer) lastSeenNanos() int64 { return atomic.LoadInt64(&p.lastSeen) }

func (p *Peer) IsTorpid() bool { return atomic.LoadInt32(&p.torpid) == 1 }

func (p *Peer) markTorpid() bool {
	return atomic.CompareAndSwapInt32(&p.torpid, 0, 1)
}

func (p *Peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Peer) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Send enqueues msg for delivery to p, failing with ErrPeerUnreachable
// if the channel is closed (§4.2 send).
func (p *Peer) Send(msg *Message) error {
	if p.closed() {
		return NewError(ErrPeerUnreachable, "peer %s closed", p.ID)
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return NewError(ErrPeerUnreachable, "peer %s closed", p.ID)
	default:
		return NewError(ErrPeerUnreachable, "peer %s send queue full", p.ID)
	}
}

// defaultTorpidGrace is the overlay torpid_grace (§6) value that
// DefaultConfig uses; the sweep period is derived from it as grace/2.
const (
	defaultTorpidGrace = 30 * time.Second
)

func torpidThreshold(grace time.Duration, lastSeen int64) bool {
	return mono.NanoTime()-lastSeen > grace.Nanoseconds()
}
