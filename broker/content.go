package broker

import "sync"

// Backing is the RPC surface any content-backing module must
// implement (§4.8, §3 Content blob). The core never stores blobs
// itself; it only defines and dispatches this contract.
type Backing interface {
	Load(hash []byte) (bytes []byte, err error)
	Store(bytes []byte) (hash []byte, err error)
	CheckpointGet(key string) (value any, err error)
	CheckpointPut(key string, value any) error
}

// backingRegistry holds at most one active backing registration
// (§4.8 "only one backing registration is active per broker").
type backingRegistry struct {
	mu   sync.RWMutex
	name string
	impl Backing
}

func newBackingRegistry() *backingRegistry { return &backingRegistry{} }

func (r *backingRegistry) Register(name string, impl Backing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.impl != nil {
		return NewError(ErrInternal, "backing module %q already registered", r.name)
	}
	r.name, r.impl = name, impl
	return nil
}

func (r *backingRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.name == name {
		r.name, r.impl = "", nil
	}
}

func (r *backingRegistry) get() Backing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.impl
}

//
// built-in RPC handlers
//

// contentBackingHandler is the single registration for the
// "content-backing" service.
func contentBackingHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "load":
		return contentBackingLoadHandler(b, from, req)
	case "store":
		return contentBackingStoreHandler(b, from, req)
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}

// kvsCheckpointHandler is the single registration for the
// "kvs-checkpoint" service.
func kvsCheckpointHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "get":
		return kvsCheckpointGetHandler(b, from, req)
	case "put":
		return kvsCheckpointPutHandler(b, from, req)
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}

// contentHandler is the single registration for the "content" service.
func contentHandler(b *Broker, from *Peer, req *Message) *Message {
	switch req.Method() {
	case "register-backing":
		return contentRegisterBackingHandler(b, from, req)
	case "unregister-backing":
		return contentUnregisterBackingHandler(b, from, req)
	default:
		return NewErrorResponse(req, ErrMethodNotFound, req.Topic)
	}
}

func contentBackingLoadHandler(b *Broker, _ *Peer, req *Message) *Message {
	impl := b.backing.get()
	if impl == nil {
		return NewErrorResponse(req, ErrNotFound, "no content-backing module registered")
	}
	bytes, err := impl.Load(req.Raw)
	if err != nil {
		return NewErrorResponse(req, AsKind(err), err.Error())
	}
	resp := NewResponse(req)
	resp.Raw = bytes
	return resp
}

func contentBackingStoreHandler(b *Broker, _ *Peer, req *Message) *Message {
	impl := b.backing.get()
	if impl == nil {
		return NewErrorResponse(req, ErrNotFound, "no content-backing module registered")
	}
	hash, err := impl.Store(req.Raw)
	if err != nil {
		return NewErrorResponse(req, AsKind(err), err.Error())
	}
	resp := NewResponse(req)
	resp.Raw = hash
	return resp
}

func kvsCheckpointGetHandler(b *Broker, _ *Peer, req *Message) *Message {
	impl := b.backing.get()
	if impl == nil {
		return NewErrorResponse(req, ErrNotFound, "no content-backing module registered")
	}
	body, _ := req.Structured.(map[string]any)
	key, _ := body["key"].(string)
	val, err := impl.CheckpointGet(key)
	if err != nil {
		return NewErrorResponse(req, AsKind(err), err.Error())
	}
	resp := NewResponse(req)
	resp.Structured = map[string]any{"value": val}
	return resp
}

func kvsCheckpointPutHandler(b *Broker, _ *Peer, req *Message) *Message {
	impl := b.backing.get()
	if impl == nil {
		return NewErrorResponse(req, ErrNotFound, "no content-backing module registered")
	}
	body, _ := req.Structured.(map[string]any)
	key, _ := body["key"].(string)
	val := body["value"]
	if err := impl.CheckpointPut(key, val); err != nil {
		return NewErrorResponse(req, AsKind(err), err.Error())
	}
	return NewResponse(req)
}

func contentRegisterBackingHandler(b *Broker, _ *Peer, req *Message) *Message {
	body, _ := req.Structured.(map[string]any)
	name, _ := body["name"].(string)
	impl, ok := b.pendingBacking(name)
	if !ok {
		return NewErrorResponse(req, ErrInternal, "unknown backing module "+name)
	}
	if err := b.backing.Register(name, impl); err != nil {
		return NewErrorResponse(req, AsKind(err), err.Error())
	}
	return NewResponse(req)
}

func contentUnregisterBackingHandler(b *Broker, _ *Peer, req *Message) *Message {
	body, _ := req.Structured.(map[string]any)
	name, _ := body["name"].(string)
	b.backing.Unregister(name)
	return NewResponse(req)
}
