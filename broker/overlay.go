package broker

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flux-framework/flux-core-go/cmn/cos"
	"github.com/flux-framework/flux-core-go/cmn/debug"
	"github.com/flux-framework/flux-core-go/cmn/nlog"
	"github.com/flux-framework/flux-core-go/hk"
)

// MonitorCB is invoked by the torpidity sweep when the parent or a
// child peer becomes torpid (§4.2 set_monitor). The sweep always
// reports SubtreeFull with torpid=true; no other subtree state is
// reported, and a torpid bit cleared by fresh traffic is not reported.
type MonitorCB func(peerID string, state SubtreeState, torpid bool)

// overlay owns the set of directly connected peers (one parent, a
// bounded set of children, and any number of local modules/clients)
// and the per-peer frame pumps that feed the broker's single event
// loop. Mirrors the at-most-one-concurrent-writer-per-channel and
// preserved-per-channel-ordering guarantees of spec §4.2/§5.
type overlay struct {
	mu       sync.RWMutex
	parent   *Peer
	children map[string]*Peer // by peer ID
	modules  map[string]*Peer
	clients  map[string]*Peer

	// childSubtree tracks, per direct child peer ID, every rank
	// reachable through that edge: the child's own rank plus every
	// rank announced by a grandchild (or deeper descendant) via
	// overlay.subtree-join. Losing a child means losing this whole
	// set, not just the child's own rank (§4.2/§4.6 "auto-leave for
	// its subtree's ranks").
	childSubtree map[string]*idset

	torpidGrace time.Duration
	monitor     MonitorCB
	inbound     chan peerFrame // fan-in to the broker event loop
	hkName      string
}

// peerFrame pairs a decoded message with the peer it arrived from.
type peerFrame struct {
	peer *Peer
	msg  *Message
	err  error
}

func newOverlay(torpidGrace time.Duration, inbound chan peerFrame) *overlay {
	return &overlay{
		children:     make(map[string]*Peer),
		modules:      make(map[string]*Peer),
		clients:      make(map[string]*Peer),
		childSubtree: make(map[string]*idset),
		torpidGrace:  torpidGrace,
		inbound:      inbound,
		hkName:       "overlay-torpid" + hk.NameSuffix,
	}
}

func (o *overlay) SetMonitor(cb MonitorCB) {
	o.mu.Lock()
	o.monitor = cb
	o.mu.Unlock()
}

// startSweep arms the periodic torpidity sweep on the shared
// housekeeper, period <= grace/2 per §4.2.
func (o *overlay) startSweep(h *hk.Housekeeper) {
	period := o.torpidGrace / 2
	if period <= 0 {
		period = time.Second
	}
	h.Reg(o.hkName, func(time.Time) time.Duration {
		o.sweep()
		return period
	}, period)
}

func (o *overlay) stopSweep(h *hk.Housekeeper) { h.Unreg(o.hkName) }

func (o *overlay) sweep() {
	o.mu.RLock()
	peers := make([]*Peer, 0, len(o.children)+1)
	if o.parent != nil {
		peers = append(peers, o.parent)
	}
	for _, p := range o.children {
		peers = append(peers, p)
	}
	cb := o.monitor
	o.mu.RUnlock()

	for _, p := range peers {
		if torpidThreshold(o.torpidGrace, p.lastSeenNanos()) {
			if p.markTorpid() && cb != nil {
				cb(p.ID, SubtreeFull, true)
			}
		}
	}
}

// AddChild registers a newly connected child peer, seeding its subtree
// with its own rank.
func (o *overlay) AddChild(p *Peer) {
	o.mu.Lock()
	o.children[p.ID] = p
	o.childSubtree[p.ID] = idsetOf(p.Rank)
	o.mu.Unlock()
}

// ExpandChildSubtree merges ranks newly announced as reachable through
// childID (via overlay.subtree-join) into its tracked subtree, and
// returns only the ranks that weren't already known, for the caller to
// re-announce up its own parent edge.
func (o *overlay) ExpandChildSubtree(childID string, ranks *idset) *idset {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.childSubtree[childID]
	if !ok {
		cur = newIDSet()
		o.childSubtree[childID] = cur
	}
	added := newIDSet()
	for r := range ranks.ranks {
		if !cur.Has(r) {
			added.Add(r)
			cur.Add(r)
		}
	}
	return added
}

// SubtreeRanks returns every rank reachable through childID, including
// the child's own rank, for auto-leave processing when that edge is
// lost. Returns an empty set for an unknown or non-child peer ID.
func (o *overlay) SubtreeRanks(childID string) *idset {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if s, ok := o.childSubtree[childID]; ok {
		return s.Clone()
	}
	return newIDSet()
}

func (o *overlay) SetParent(p *Peer) {
	o.mu.Lock()
	o.parent = p
	o.mu.Unlock()
}

func (o *overlay) AddModule(p *Peer) {
	o.mu.Lock()
	o.modules[p.ID] = p
	o.mu.Unlock()
}

func (o *overlay) AddClient(p *Peer) {
	o.mu.Lock()
	o.clients[p.ID] = p
	o.mu.Unlock()
}

func (o *overlay) Parent() *Peer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.parent
}

func (o *overlay) Children() []*Peer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Peer, 0, len(o.children))
	for _, p := range o.children {
		out = append(out, p)
	}
	return out
}

func (o *overlay) Lookup(id string) *Peer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.parent != nil && o.parent.ID == id {
		return o.parent
	}
	if p, ok := o.children[id]; ok {
		return p
	}
	if p, ok := o.modules[id]; ok {
		return p
	}
	if p, ok := o.clients[id]; ok {
		return p
	}
	return nil
}

// Disconnect removes a peer from every bookkeeping map and closes its
// channels; callers use the return value to decide whether subtree
// loss / auto-leave processing applies.
func (o *overlay) Disconnect(id string) *Peer {
	o.mu.Lock()
	defer o.mu.Unlock()
	var p *Peer
	if o.parent != nil && o.parent.ID == id {
		p, o.parent = o.parent, nil
	} else if cp, ok := o.children[id]; ok {
		p = cp
		delete(o.children, id)
		delete(o.childSubtree, id)
	} else if mp, ok := o.modules[id]; ok {
		p = mp
		delete(o.modules, id)
	} else if clp, ok := o.clients[id]; ok {
		p = clp
		delete(o.clients, id)
	}
	if p != nil {
		p.Close()
	}
	return p
}

// Send enqueues msg on p's send pump; fails per §4.2 send if closed.
func (o *overlay) Send(p *Peer, msg *Message) error {
	if p == nil {
		return NewError(ErrPeerUnreachable, "nil peer")
	}
	return p.Send(msg)
}

//
// net.Conn framing: each edge channel is a stream of 4-byte
// length-prefixed Encode()d messages, read/written by a dedicated
// goroutine pair so there is never more than one concurrent writer
// per channel (§4.2).
//

const maxFrameMsgSize = 64 << 20

func bindConn(p *Peer, conn net.Conn, inbound chan<- peerFrame, wg *sync.WaitGroup) {
	debug.Assert(p != nil, "bindConn: nil peer")
	wg.Add(2)
	go readPump(p, conn, inbound, wg)
	go writePump(p, conn, wg)
}

// sendHello writes one synchronous, unframed-by-the-pumps control frame
// announcing the sender's rank and credential, the minimal bring-up
// handshake a real edge connection needs before it is handed to the
// ordinary read/write pump pair: the other end must learn the peer's
// rank before it can be registered as a child (§3 Peer, §4.2 bind/connect).
func sendHello(conn net.Conn, rank int, cred Credential) error {
	msg := NewEvent("overlay.hello", cred)
	msg.Type = MsgControl
	msg.Structured = map[string]any{"rank": rank}
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(b)))
	if _, err := conn.Write(lenb[:]); err != nil {
		return err
	}
	_, err = conn.Write(b)
	return err
}

// recvHello reads and validates the hello frame sendHello writes,
// blocking the caller until it arrives. It must be read before the
// connection is handed to bindConn's pumps, since it is not itself a
// message the router should classify.
func recvHello(conn net.Conn) (rank int, cred Credential, err error) {
	var lenb [4]byte
	if _, err = io.ReadFull(conn, lenb[:]); err != nil {
		return 0, Credential{}, err
	}
	n := binary.BigEndian.Uint32(lenb[:])
	if n == 0 || n > maxFrameMsgSize {
		return 0, Credential{}, NewError(ErrProtocol, "malformed hello frame")
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(conn, buf); err != nil {
		return 0, Credential{}, err
	}
	msg, derr := Decode(buf)
	if derr != nil {
		return 0, Credential{}, derr
	}
	if msg.Type != MsgControl || msg.Topic != "overlay.hello" {
		return 0, Credential{}, NewError(ErrProtocol, "expected overlay.hello, got %s/%s", msg.Type, msg.Topic)
	}
	body, _ := msg.Structured.(map[string]any)
	r, _ := toInt(body["rank"])
	return r, msg.Cred, nil
}

// ConnectParent dials addr and binds the resulting connection as this
// broker's tree parent (§4.2 "maintain one full-duplex channel to the
// parent"), sending this broker's rank as the bring-up hello.
func (b *Broker) ConnectParent(addr string, cred Credential) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return NewError(ErrPeerUnreachable, "dial parent %s: %v", addr, err)
	}
	if err := sendHello(conn, b.Rank, cred); err != nil {
		conn.Close()
		return NewError(ErrPeerUnreachable, "hello to parent %s: %v", addr, err)
	}
	p := newPeer(cos.GenUUID(), -1, RoleParent, cred)
	b.overlay.SetParent(p)
	bindConn(p, conn, b.inbound, &b.wg)
	return nil
}

// ListenChildren listens on addr and binds every accepted connection as
// a child peer once its hello is read (a child's credential travels in
// its own hello, not the listener), for the lifetime of the returned
// listener (closed by the caller, e.g. on EXIT).
func (b *Broker) ListenChildren(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, NewError(ErrInternal, "listen %s: %v", addr, err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.acceptChild(conn)
		}
	}()
	return ln, nil
}

func (b *Broker) acceptChild(conn net.Conn) {
	rank, cred, err := recvHello(conn)
	if err != nil {
		nlog.Warningf("overlay: rejecting connection, bad hello: %v", err)
		conn.Close()
		return
	}
	p := newPeer(cos.GenUUID(), rank, RoleChild, cred)
	b.overlay.AddChild(p)
	bindConn(p, conn, b.inbound, &b.wg)
	b.announceSubtree(idsetOf(rank))
}

// ListenClients listens on addr and binds every accepted connection as
// a local client peer, the entry point a job's processes or a CLI tool
// use to reach this broker's router (§2: "a local client or module
// sends a request to the router"). Unlike a child, a client carries no
// rank and sends no hello; its requests are tagged with ClientToken by
// the router itself once the connection is registered.
func (b *Broker) ListenClients(addr string, cred Credential) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, NewError(ErrInternal, "listen %s: %v", addr, err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.acceptClient(conn, cred)
		}
	}()
	return ln, nil
}

func (b *Broker) acceptClient(conn net.Conn, cred Credential) {
	p := newPeer(cos.GenTie(), -1, RoleClient, cred)
	b.overlay.AddClient(p)
	bindConn(p, conn, b.inbound, &b.wg)
}

func readPump(p *Peer, conn net.Conn, inbound chan<- peerFrame, wg *sync.WaitGroup) {
	defer wg.Done()
	defer conn.Close()
	var lenb [4]byte
	for {
		if _, err := io.ReadFull(conn, lenb[:]); err != nil {
			inbound <- peerFrame{peer: p, err: err}
			return
		}
		n := binary.BigEndian.Uint32(lenb[:])
		if n > maxFrameMsgSize {
			inbound <- peerFrame{peer: p, err: NewError(ErrProtocol, "oversized frame %d", n)}
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			inbound <- peerFrame{peer: p, err: err}
			return
		}
		if IsEOF(buf) {
			inbound <- peerFrame{peer: p, err: io.EOF}
			return
		}
		msg, err := Decode(buf)
		if err != nil {
			nlog.Warningf("overlay: decode error from %s: %v", p.ID, err)
			continue
		}
		p.touch()
		inbound <- peerFrame{peer: p, msg: msg}
	}
}

func writePump(p *Peer, conn net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	defer conn.Close()
	const maxRetries = 3
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			b, err := Encode(msg)
			if err != nil {
				nlog.Warningf("overlay: encode error to %s: %v", p.ID, err)
				continue
			}
			var lenb [4]byte
			binary.BigEndian.PutUint32(lenb[:], uint32(len(b)))
			var werr error
			for attempt := 0; attempt < maxRetries; attempt++ {
				if _, werr = conn.Write(lenb[:]); werr == nil {
					_, werr = conn.Write(b)
				}
				if werr == nil {
					break
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			}
			if werr != nil {
				nlog.Errorf("overlay: write to %s failed after retries: %v", p.ID, werr)
				return
			}
		}
	}
}
