package broker

import "sync"

// ModuleState is §4.4's module lifecycle.
type ModuleState int

const (
	ModuleLoading ModuleState = iota
	ModuleRunning
	ModuleFinalizing
	ModuleGone
)

// Module is the host-side handle for a loaded module task. A module
// communicates exclusively through In/Out; it never shares heap state
// with the host (§5).
type Module struct {
	Name  string
	Peer  *Peer
	In    chan *Message // host -> module
	Out   chan *Message // module -> host
	state ModuleState
	mu    sync.Mutex

	// pending tracks matchtags this module owes a response for, so
	// that on crash the host can synthesize MODULE_GONE for each.
	pending map[uint32]*Message
}

// key is the modhost table key for m: the owning peer's identifier,
// the same value router.go and handlePeerError have on hand (a peer,
// not a module name) when they need to look a module up.
func (m *Module) key() string { return m.Peer.ID }

func newModule(name string, p *Peer) *Module {
	return &Module{
		Name: name, Peer: p,
		In: make(chan *Message, 32), Out: make(chan *Message, 32),
		state:   ModuleLoading,
		pending: make(map[uint32]*Message),
	}
}

func (m *Module) State() ModuleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Module) setState(s ModuleState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Module) trackRequest(req *Message) {
	m.mu.Lock()
	m.pending[req.Matchtag] = req
	m.mu.Unlock()
}

func (m *Module) resolveRequest(matchtag uint32) {
	m.mu.Lock()
	delete(m.pending, matchtag)
	m.mu.Unlock()
}

// drainPending synthesizes MODULE_GONE responses for every request
// this module still owed an answer to (§4.4 module crash handling).
func (m *Module) drainPending() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, 0, len(m.pending))
	for _, req := range m.pending {
		out = append(out, NewErrorResponse(req, ErrModuleGone, "module "+m.Name+" exited"))
	}
	m.pending = make(map[uint32]*Message)
	return out
}

// modhost owns every loaded module and mediates crash/removal.
type modhost struct {
	mu      sync.Mutex
	modules map[string]*Module
}

func newModhost() *modhost { return &modhost{modules: make(map[string]*Module)} }

func (h *modhost) Load(name string, p *Peer) *Module {
	m := newModule(name, p)
	h.mu.Lock()
	h.modules[m.key()] = m
	h.mu.Unlock()
	return m
}

// Get looks a module up by its owning peer's identifier, the key
// router.go has on hand for a module-owned service registration.
func (h *modhost) Get(peerID string) (*Module, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.modules[peerID]
	return m, ok
}

// Crash transitions m to GONE, drops it from the table, and returns the
// MODULE_GONE responses the host must now deliver; ok is false if no
// module is loaded for peerID. Freeing its switchboard registrations is
// the caller's job.
func (h *modhost) Crash(peerID string) (synth []*Message, ok bool) {
	h.mu.Lock()
	m, found := h.modules[peerID]
	if found {
		delete(h.modules, peerID)
	}
	h.mu.Unlock()
	if !found {
		return nil, false
	}
	m.setState(ModuleGone)
	return m.drainPending(), true
}

// Remove answers a removal RPC only after the module has confirmed
// EOF on its outbox (§4.4); callers invoke this once that EOF is
// observed by the event loop.
func (h *modhost) Remove(peerID string) (ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, found := h.modules[peerID]; found {
		m.setState(ModuleFinalizing)
		delete(h.modules, peerID)
		return true
	}
	return false
}
