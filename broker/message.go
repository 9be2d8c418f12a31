package broker

import "strings"

// MsgType is the message's §3 "type" tag.
type MsgType uint8

const (
	MsgRequest MsgType = iota + 1
	MsgResponse
	MsgEvent
	MsgControl
	MsgKeepalive
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgEvent:
		return "event"
	case MsgControl:
		return "control"
	case MsgKeepalive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// Credential is a userid + rolemask pair, carried intact through the
// tree and never rewritten by the router (§4.1).
type Credential struct {
	UserID   uint32
	RoleMask uint32
}

// maxRouteDepth bounds the route stack; the router rejects messages
// whose stack would exceed it with ErrProtocol ("too many hops", §4.1).
const maxRouteDepth = 64

// Message is the opaque multi-frame handle described in spec §3. The
// zero value is not meaningful; use NewRequest/NewResponse/NewEvent.
type Message struct {
	Type       MsgType
	Topic      string
	Matchtag   uint32
	Cred       Credential
	route      []string
	Structured any
	Raw        []byte
	Err        *WireError
	Streaming  bool

	// Publisher is the ID of the broker that first originated an Event,
	// stamped once by routeEvent at the point of origin and left
	// unchanged as the Event travels up to the root and back down the
	// tree. Together with Matchtag (repurposed as a per-publisher
	// sequence number for Events) it gives every Event a key that is
	// unique across the whole session, not just within one broker's
	// route stack (§4.3 step 4 dedup). Unused by Request/Response.
	Publisher string

	// ClientToken identifies the local client connection a request
	// arrived on, for disconnect-driven auto-leave matching (§4.6,
	// §9). It is never put on the wire between brokers.
	ClientToken string
}

func NewRequest(topic string, matchtag uint32, cred Credential) *Message {
	return &Message{Type: MsgRequest, Topic: topic, Matchtag: matchtag, Cred: cred}
}

func NewResponse(req *Message) *Message {
	resp := &Message{Type: MsgResponse, Topic: req.Topic, Matchtag: req.Matchtag, Cred: req.Cred}
	resp.route = append(resp.route, req.route...)
	return resp
}

func NewEvent(topic string, cred Credential) *Message {
	return &Message{Type: MsgEvent, Topic: topic, Cred: cred}
}

func NewErrorResponse(req *Message, kind ErrorKind, text string) *Message {
	resp := NewResponse(req)
	resp.Err = &WireError{Kind: kind, Text: text}
	return resp
}

// Service returns the topic's leading dotted component, the service
// name a Request is routed against (§4.1, §3).
func (m *Message) Service() string {
	if i := strings.IndexByte(m.Topic, '.'); i >= 0 {
		return m.Topic[:i]
	}
	return m.Topic
}

// Method returns everything after the service name.
func (m *Message) Method() string {
	if i := strings.IndexByte(m.Topic, '.'); i >= 0 {
		return m.Topic[i+1:]
	}
	return ""
}

// RouteLen reports the current depth of the route stack.
func (m *Message) RouteLen() int { return len(m.route) }

// Top returns the identifier on top of the route stack, or "" if empty.
func (m *Message) Top() string {
	if len(m.route) == 0 {
		return ""
	}
	return m.route[len(m.route)-1]
}

// Push appends id to the top of the route stack, rejecting cycles and
// excessive depth per §4.1.
func (m *Message) Push(id string) error {
	for _, e := range m.route {
		if e == id {
			return NewError(ErrProtocol, "cyclic route stack at %s", id)
		}
	}
	if len(m.route) >= maxRouteDepth {
		return NewError(ErrProtocol, "too many hops (max %d)", maxRouteDepth)
	}
	m.route = append(m.route, id)
	return nil
}

// Pop removes and returns the top of the route stack. ok is false if
// the stack was already empty.
func (m *Message) Pop() (id string, ok bool) {
	if len(m.route) == 0 {
		return "", false
	}
	id = m.route[len(m.route)-1]
	m.route = m.route[:len(m.route)-1]
	return id, true
}

// RouteStack returns a copy of the route stack, bottom first.
func (m *Message) RouteStack() []string {
	out := make([]string, len(m.route))
	copy(out, m.route)
	return out
}

// MatchesRequest implements the §4.1 match predicate: a Response
// matches a prior Request iff their matchtags are equal and the
// Response's top route entry identifies the local broker.
func (m *Message) MatchesRequest(req *Message, localID string) bool {
	return m.Type == MsgResponse && m.Matchtag == req.Matchtag && m.Top() == localID
}
