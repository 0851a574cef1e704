// Package module hosts broker extension modules: units of code loaded by
// name, each running on its own goroutine with a bidirectional typed
// message channel back to the broker reactor.
//
// The broker exclusively owns each Module record; the module goroutine
// exclusively owns its Handle. The inbox/outbox channel pair is the only
// state shared between them.
package module

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopymq/canopy/pkg/wire"
)

// Status is a module lifecycle state, reported to the broker through
// KEEPALIVE messages on the module's outbox.
type Status int

const (
	StatusInit Status = iota
	StatusRunning
	StatusFinalizing
	StatusExited
)

// String returns the lowercase state name used in lsmod output.
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusRunning:
		return "running"
	case StatusFinalizing:
		return "finalizing"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// MainFunc is a module entry point. It runs on the module's own
// goroutine, calls Handle.Ready once initialized, and returns when asked
// to finalize (Handle.Done) or on its own. A non-nil return before Ready
// fails the load.
type MainFunc func(h *Handle, args []string) error

const chanDepth = 1024

// Module is the broker-side record of a loaded module.
type Module struct {
	uuid string
	name string
	path string
	args []string

	status Status
	errnum int

	handle *Handle
	done   chan struct{} // closed when the module goroutine returns

	insmod   *wire.Message   // deferred insmod request, answered on INIT exit
	rmmods   []*wire.Message // deferred rmmod requests, answered on EXITED
	subs     []string        // event topic-prefix subscriptions
	lastSeen time.Time
}

// UUID returns the stable identifier used as this module's route hop.
func (m *Module) UUID() string { return m.uuid }

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Status returns the last reported lifecycle state.
func (m *Module) Status() Status { return m.status }

// Errnum returns the error code reported on the EXITED transition.
func (m *Module) Errnum() int { return m.errnum }

// SetInsmod stores the insmod request whose response is deferred until
// the module leaves INIT.
func (m *Module) SetInsmod(msg *wire.Message) { m.insmod = msg }

// PopInsmod returns and clears the deferred insmod request, if any.
func (m *Module) PopInsmod() *wire.Message {
	msg := m.insmod
	m.insmod = nil
	return msg
}

// PushRmmod stores an rmmod request whose response is deferred until the
// EXITED transition.
func (m *Module) PushRmmod(msg *wire.Message) { m.rmmods = append(m.rmmods, msg) }

// PopRmmod returns the next deferred rmmod request, or nil.
func (m *Module) PopRmmod() *wire.Message {
	if len(m.rmmods) == 0 {
		return nil
	}
	msg := m.rmmods[0]
	m.rmmods = m.rmmods[1:]
	return msg
}

// Subscribe adds an event topic-prefix subscription.
func (m *Module) Subscribe(prefix string) {
	for _, s := range m.subs {
		if s == prefix {
			return
		}
	}
	m.subs = append(m.subs, prefix)
}

// Unsubscribe removes one matching subscription.
func (m *Module) Unsubscribe(prefix string) {
	for i, s := range m.subs {
		if s == prefix {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// Subscribed reports whether topic matches any subscription prefix.
func (m *Module) Subscribed(topic string) bool {
	for _, s := range m.subs {
		if len(topic) >= len(s) && topic[:len(s)] == s {
			return true
		}
	}
	return false
}

// Outbox returns the channel of messages the module has sent toward the
// broker. The broker consumes it FIFO.
func (m *Module) Outbox() <-chan *wire.Message { return m.handle.outbox }

// Deliver enqueues a message onto the module's inbox. The reactor never
// blocks on a slow module; overflow drops the message.
func (m *Module) Deliver(msg *wire.Message) error {
	select {
	case m.handle.inbox <- msg:
		return nil
	default:
		return wire.Errorf(wire.ErrTransport, "module %s inbox overflow", m.name)
	}
}

// Stop asks the module to finalize at its next safe point.
func (m *Module) Stop() { m.handle.stop() }

// Join waits for the module goroutine to finish. Call only after the
// EXITED transition has been observed.
func (m *Module) Join() { <-m.done }

// Done is closed when the module goroutine has returned. Consumers of
// the outbox use it to stop pumping once the final status is drained.
func (m *Module) Done() <-chan struct{} { return m.done }

// start launches the module goroutine.
func (m *Module) start(main MainFunc) {
	go func() {
		defer close(m.done)
		err := main(m.handle, m.args)
		errnum := 0
		if err != nil {
			errnum = int(wire.CodeOf(err))
			if errnum == 0 {
				errnum = int(wire.CodeModuleLoad)
			}
		}
		if m.handle.ready() && err == nil {
			m.handle.sendStatus(StatusFinalizing, 0)
		}
		m.handle.sendStatus(StatusExited, errnum)
	}()
}

// Handle is the module-side endpoint of the broker channel. All methods
// must be called from the module's own goroutine.
type Handle struct {
	muuid string
	name  string
	rank  uint32
	size  uint32

	inbox  chan *wire.Message
	outbox chan *wire.Message

	stopOnce sync.Once
	stopCh   chan struct{}

	readyMu  sync.Mutex
	isReady  bool
	matchtag uint32
	pending  []*wire.Message
}

// UUID returns the module's route identity.
func (h *Handle) UUID() string { return h.muuid }

// Name returns the module name.
func (h *Handle) Name() string { return h.name }

// Rank returns the hosting broker's rank.
func (h *Handle) Rank() uint32 { return h.rank }

// Size returns the session size.
func (h *Handle) Size() uint32 { return h.size }

// Done is closed when the broker asks the module to finalize.
func (h *Handle) Done() <-chan struct{} { return h.stopCh }

// Ready reports the INIT -> RUNNING transition to the broker. The
// deferred insmod response is released by this call.
func (h *Handle) Ready() {
	h.readyMu.Lock()
	already := h.isReady
	h.isReady = true
	h.readyMu.Unlock()
	if !already {
		h.sendStatus(StatusRunning, 0)
	}
}

func (h *Handle) ready() bool {
	h.readyMu.Lock()
	defer h.readyMu.Unlock()
	return h.isReady
}

// Send enqueues a message toward the broker reactor.
func (h *Handle) Send(msg *wire.Message) error {
	select {
	case h.outbox <- msg:
		return nil
	case <-h.stopCh:
		return wire.Errorf(wire.ErrTransport, "module %s is stopping", h.name)
	}
}

// Recv returns the next inbound message, blocking until one arrives or
// the module is asked to stop.
func (h *Handle) Recv() (*wire.Message, error) {
	if len(h.pending) > 0 {
		msg := h.pending[0]
		h.pending = h.pending[1:]
		return msg, nil
	}
	select {
	case msg := <-h.inbox:
		return msg, nil
	case <-h.stopCh:
		// Drain anything already delivered before reporting shutdown.
		select {
		case msg := <-h.inbox:
			return msg, nil
		default:
		}
		return nil, wire.Errorf(wire.ErrTransport, "module %s is stopping", h.name)
	}
}

// Call performs a synchronous RPC through the broker: it sends a request
// with a fresh matchtag and blocks until the matching response arrives.
// Unrelated messages delivered in the meantime are queued for Recv.
func (h *Handle) Call(topic string, nodeid uint32, flags wire.Flags, payload interface{}) (*wire.Message, error) {
	req, err := wire.NewRequest(topic, nodeid, flags, payload)
	if err != nil {
		return nil, err
	}
	h.matchtag++
	req.Matchtag = h.matchtag
	if err := h.Send(req); err != nil {
		return nil, err
	}
	for {
		select {
		case msg := <-h.inbox:
			if msg.Type == wire.TypeResponse && msg.Matchtag == req.Matchtag {
				if err := wire.ResponseError(msg); err != nil {
					return nil, err
				}
				return msg, nil
			}
			h.pending = append(h.pending, msg)
		case <-h.stopCh:
			return nil, wire.Errorf(wire.ErrTransport, "module %s is stopping", h.name)
		}
	}
}

// Respond sends a success response for a request delivered to one of the
// module's services.
func (h *Handle) Respond(req *wire.Message, payload interface{}) error {
	resp, err := wire.NewResponse(req, payload)
	if err != nil {
		return err
	}
	return h.Send(resp)
}

// RespondError sends an error response.
func (h *Handle) RespondError(req *wire.Message, err error) error {
	return h.Send(wire.NewErrorResponse(req, err))
}

func (h *Handle) sendStatus(status Status, errnum int) {
	// Status keepalives must not be lost to a full outbox; block until
	// the reactor drains it.
	h.outbox <- wire.NewKeepalive(int(status), errnum)
}

func (h *Handle) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// newModule builds the record and handle pair; the caller starts it.
func newModule(name, path string, args []string, rank, size uint32) *Module {
	id := uuid.NewString()
	h := &Handle{
		muuid:  id,
		name:   name,
		rank:   rank,
		size:   size,
		inbox:  make(chan *wire.Message, chanDepth),
		outbox: make(chan *wire.Message, chanDepth),
		stopCh: make(chan struct{}),
	}
	return &Module{
		uuid:     id,
		name:     name,
		path:     path,
		args:     args,
		status:   StatusInit,
		handle:   h,
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
}

// Info is one row of lsmod output.
type Info struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
	Idle   int    `json:"idle"`
	Status string `json:"status"`
}

func (m *Module) info() Info {
	info := Info{
		Name:   m.name,
		Idle:   int(time.Since(m.lastSeen).Seconds()),
		Status: m.status.String(),
	}
	if st, err := os.Stat(m.path); err == nil {
		info.Size = st.Size()
		if buf, err := os.ReadFile(m.path); err == nil {
			sum := sha256.Sum256(buf)
			info.Digest = hex.EncodeToString(sum[:])
		}
	}
	return info
}

func (m *Module) String() string {
	return fmt.Sprintf("%s (%s)", m.name, m.status)
}
