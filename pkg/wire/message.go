package wire

import (
	"fmt"
	"strings"
)

// Type identifies the kind of message traveling between brokers, modules,
// and connector clients.
type Type uint8

const (
	TypeRequest   Type = 0x01
	TypeResponse  Type = 0x02
	TypeEvent     Type = 0x04
	TypeKeepalive Type = 0x08
)

// String returns the lowercase name of the message type.
func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	case TypeKeepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Flags is the per-message flag bitset.
type Flags uint8

const (
	// FlagUpstream directs a request away from the sender's own rank,
	// toward the root.
	FlagUpstream Flags = 1 << iota
	// FlagNoResponse marks a request that expects no response.
	FlagNoResponse
	// FlagStreaming marks a request/response pair that may carry multiple
	// responses before the terminating one.
	FlagStreaming
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Nodeid sentinels.
const (
	// NodeAny addresses whichever rank first finds a matching service on
	// the path from the sender to the root.
	NodeAny uint32 = 0xffffffff
	// NodeUpstream addresses the closest ancestor of the sending rank;
	// the connector rewrites it to the sender's rank plus FlagUpstream
	// before injection.
	NodeUpstream uint32 = 0xfffffffe
)

// Role is the authenticated-sender role bitmask.
type Role uint32

const (
	RoleNone  Role = 0
	RoleOwner Role = 1
	RoleUser  Role = 2
	RoleAll   Role = RoleOwner | RoleUser
)

// UserIDUnknown marks a message whose sender has not been authenticated
// yet. The broker stamps a real identity at its injection chokepoint.
const UserIDUnknown uint32 = 0xffffffff

// Message is the typed unit routed by the broker. Route identifiers are
// opaque strings; for broker peers they are the peer's rank in decimal,
// for modules and connector clients they are uuids.
type Message struct {
	Type     Type
	Flags    Flags
	UserID   uint32
	RoleMask Role
	Matchtag uint32
	NodeID   uint32
	Sequence uint32
	Routes   []string
	Topic    string
	Payload  []byte
}

// NewRequest creates a REQUEST with an encoded JSON payload. A nil payload
// value produces an empty payload.
func NewRequest(topic string, nodeid uint32, flags Flags, payload interface{}) (*Message, error) {
	buf, err := PackPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    TypeRequest,
		Flags:   flags,
		UserID:  UserIDUnknown,
		NodeID:  nodeid,
		Topic:   topic,
		Payload: buf,
	}, nil
}

// NewResponse derives a RESPONSE from a request: the topic, matchtag, and
// accumulated route stack are carried over so intermediaries can unwind
// the path hop by hop.
func NewResponse(req *Message, payload interface{}) (*Message, error) {
	buf, err := PackPayload(payload)
	if err != nil {
		return nil, err
	}
	resp := &Message{
		Type:     TypeResponse,
		UserID:   req.UserID,
		RoleMask: req.RoleMask,
		Matchtag: req.Matchtag,
		Topic:    req.Topic,
		Payload:  buf,
	}
	resp.Routes = append([]string(nil), req.Routes...)
	return resp, nil
}

// NewErrorResponse derives an error RESPONSE from a request. The error's
// code and reason are carried in the payload.
func NewErrorResponse(req *Message, err error) *Message {
	resp := &Message{
		Type:     TypeResponse,
		UserID:   req.UserID,
		RoleMask: req.RoleMask,
		Matchtag: req.Matchtag,
		Topic:    req.Topic,
		Payload:  errorPayload(err),
	}
	resp.Routes = append([]string(nil), req.Routes...)
	return resp
}

// NewEvent creates an EVENT with an encoded JSON payload. The sequence
// number is assigned by the rank 0 publisher, not the caller.
func NewEvent(topic string, payload interface{}) (*Message, error) {
	buf, err := PackPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    TypeEvent,
		UserID:  UserIDUnknown,
		Topic:   topic,
		Payload: buf,
	}, nil
}

// NewKeepalive creates a KEEPALIVE carrying a module status code and an
// error code for the EXITED transition.
func NewKeepalive(status, errnum int) *Message {
	buf, _ := PackPayload(map[string]int{"status": status, "errnum": errnum})
	return &Message{
		Type:    TypeKeepalive,
		UserID:  UserIDUnknown,
		Payload: buf,
	}
}

// KeepaliveDecode extracts the status and errnum from a KEEPALIVE.
func KeepaliveDecode(msg *Message) (status, errnum int, err error) {
	var body struct {
		Status int `json:"status"`
		Errnum int `json:"errnum"`
	}
	if err := UnpackPayload(msg, &body); err != nil {
		return 0, 0, err
	}
	return body.Status, body.Errnum, nil
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	cpy := *m
	cpy.Routes = append([]string(nil), m.Routes...)
	cpy.Payload = append([]byte(nil), m.Payload...)
	return &cpy
}

// PushRoute pushes a hop identifier onto the top of the route stack, so
// that id becomes the next hop.
func (m *Message) PushRoute(id string) {
	m.Routes = append(m.Routes, id)
}

// PopRoute removes and returns the top of the route stack. ok is false if
// the stack is empty.
func (m *Message) PopRoute() (id string, ok bool) {
	if len(m.Routes) == 0 {
		return "", false
	}
	id = m.Routes[len(m.Routes)-1]
	m.Routes = m.Routes[:len(m.Routes)-1]
	return id, true
}

// NextRoute returns the top of the route stack without removing it.
func (m *Message) NextRoute() (id string, ok bool) {
	if len(m.Routes) == 0 {
		return "", false
	}
	return m.Routes[len(m.Routes)-1], true
}

// OriginRoute returns the bottom of the route stack: the identity of the
// original requester.
func (m *Message) OriginRoute() (id string, ok bool) {
	if len(m.Routes) == 0 {
		return "", false
	}
	return m.Routes[0], true
}

// ClearRoutes drops the route stack. Events are published without one.
func (m *Message) ClearRoutes() {
	m.Routes = nil
}

// RouteCount returns the route stack depth.
func (m *Message) RouteCount() int { return len(m.Routes) }

// RouteString renders the route stack origin-first, joined by '!', the
// form reported by cmb.ping.
func (m *Message) RouteString() string {
	return strings.Join(m.Routes, "!")
}

// ServiceName returns the first dot-delimited component of the topic,
// which selects the service in the per-broker switch.
func (m *Message) ServiceName() string {
	if i := strings.IndexByte(m.Topic, '.'); i >= 0 {
		return m.Topic[:i]
	}
	return m.Topic
}
