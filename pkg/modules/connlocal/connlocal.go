// Package connlocal implements the connector-local module: a Unix
// domain socket endpoint through which process-local clients exchange
// messages with their broker.
//
// Each accepted client is assigned a uuid route identity. Client
// requests get that identity pushed onto the route stack before they
// enter the broker (emulating the routing endpoint the broker expects),
// responses are routed back by the identity popped off the stack, and
// events fan out to clients by topic-prefix subscription.
package connlocal

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/canopymq/canopy/pkg/log"
	"github.com/canopymq/canopy/pkg/module"
	"github.com/canopymq/canopy/pkg/wire"
)

func init() {
	module.Register("connector-local", Main)
}

type client struct {
	uuid string
	conn net.Conn
	subs []string

	// writeMu serializes frames from the dispatcher and the client's
	// own read loop.
	writeMu sync.Mutex
}

func (cl *client) write(msg *wire.Message) error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	return wire.WriteFrame(cl.conn, msg)
}

type connector struct {
	h        *module.Handle
	listener net.Listener

	mu      sync.Mutex
	clients map[string]*client

	// subCount refcounts client subscriptions so the module holds one
	// broker-side subscription per distinct prefix.
	subCount map[string]int
}

// Main is the module entry point. args[0] is the socket path.
func Main(h *module.Handle, args []string) error {
	if len(args) < 1 {
		return wire.Errorf(wire.ErrModuleLoad, "connector-local: socket path argument required")
	}
	sockpath := args[0]
	os.Remove(sockpath)
	listener, err := net.Listen("unix", sockpath)
	if err != nil {
		return wire.Errorf(wire.ErrModuleLoad, "connector-local: listen %s: %s", sockpath, err)
	}
	c := &connector{
		h:        h,
		listener: listener,
		clients:  make(map[string]*client),
		subCount: make(map[string]int),
	}
	defer c.teardown(sockpath)

	go c.acceptLoop()
	h.Ready()

	// Dispatcher: everything the broker delivers to this module.
	for {
		msg, err := h.Recv()
		if err != nil {
			return nil
		}
		switch msg.Type {
		case wire.TypeResponse:
			c.deliverResponse(msg)
		case wire.TypeEvent:
			c.deliverEvent(msg)
		case wire.TypeRequest:
			// The connector registers no services of its own.
			_ = h.RespondError(msg, wire.Errorf(wire.ErrNoService,
				"connector-local handles no requests"))
		}
	}
}

func (c *connector) teardown(sockpath string) {
	c.listener.Close()
	c.mu.Lock()
	for _, cl := range c.clients {
		cl.conn.Close()
	}
	c.mu.Unlock()
	os.Remove(sockpath)
}

func (c *connector) acceptLoop() {
	logger := log.Module(c.h.Name())
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		cl := &client{uuid: uuid.NewString(), conn: conn}
		c.mu.Lock()
		c.clients[cl.uuid] = cl
		c.mu.Unlock()
		logger.Debug().Str("client", cl.uuid).Msg("client connected")
		go c.readLoop(cl)
	}
}

func (c *connector) readLoop(cl *client) {
	for {
		msg, err := wire.ReadFrame(cl.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger := log.Module(c.h.Name())
				logger.Debug().Err(err).Msg("client read failed")
			}
			c.dropClient(cl)
			return
		}
		switch msg.Type {
		case wire.TypeRequest:
			switch msg.Topic {
			case "cmb.sub":
				c.clientSub(cl, msg)
			case "cmb.unsub":
				c.clientUnsub(cl, msg)
			default:
				c.forwardRequest(cl, msg)
			}
		case wire.TypeEvent:
			// Client-published events take the normal upstream funnel.
			msg.ClearRoutes()
			_ = c.h.Send(msg)
		case wire.TypeKeepalive:
			// Liveness only.
		}
	}
}

// forwardRequest stamps the client's identity and authenticated user on
// a request and hands it to the broker.
func (c *connector) forwardRequest(cl *client, msg *wire.Message) {
	if msg.NodeID == wire.NodeUpstream {
		msg.NodeID = c.h.Rank()
		msg.Flags |= wire.FlagUpstream
	}
	msg.UserID = uint32(os.Getuid())
	msg.RoleMask = wire.RoleOwner
	msg.PushRoute(cl.uuid)
	_ = c.h.Send(msg)
}

// clientSub tracks the subscription locally and, for the first client
// interested in a prefix, subscribes the module at the broker.
func (c *connector) clientSub(cl *client, msg *wire.Message) {
	var body struct {
		Topic string `json:"topic"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		c.respondLocal(cl, msg, err)
		return
	}
	c.mu.Lock()
	cl.subs = append(cl.subs, body.Topic)
	c.subCount[body.Topic]++
	first := c.subCount[body.Topic] == 1
	c.mu.Unlock()
	if first {
		c.sendSubRequest("cmb.sub", body.Topic)
	}
	c.respondLocal(cl, msg, nil)
}

func (c *connector) clientUnsub(cl *client, msg *wire.Message) {
	var body struct {
		Topic string `json:"topic"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		c.respondLocal(cl, msg, err)
		return
	}
	c.mu.Lock()
	for i, s := range cl.subs {
		if s == body.Topic {
			cl.subs = append(cl.subs[:i], cl.subs[i+1:]...)
			break
		}
	}
	c.subCount[body.Topic]--
	last := c.subCount[body.Topic] <= 0
	if last {
		delete(c.subCount, body.Topic)
	}
	c.mu.Unlock()
	if last {
		c.sendSubRequest("cmb.unsub", body.Topic)
	}
	c.respondLocal(cl, msg, nil)
}

// sendSubRequest updates the module's broker-side subscription. Fire
// and forget: the broker answers nothing for no-response requests.
func (c *connector) sendSubRequest(topic, prefix string) {
	req, err := wire.NewRequest(topic, c.h.Rank(), wire.FlagNoResponse,
		map[string]string{"topic": prefix})
	if err != nil {
		return
	}
	_ = c.h.Send(req)
}

// respondLocal answers a client-handled request without a broker round
// trip.
func (c *connector) respondLocal(cl *client, req *wire.Message, cause error) {
	if req.Flags.Has(wire.FlagNoResponse) {
		return
	}
	var resp *wire.Message
	if cause != nil {
		resp = wire.NewErrorResponse(req, cause)
	} else {
		resp, _ = wire.NewResponse(req, nil)
	}
	_ = cl.write(resp)
}

// deliverResponse routes a response to the client named by the next
// route identifier.
func (c *connector) deliverResponse(msg *wire.Message) {
	id, ok := msg.PopRoute()
	if !ok {
		return
	}
	c.mu.Lock()
	cl := c.clients[id]
	c.mu.Unlock()
	if cl == nil {
		return
	}
	if err := cl.write(msg); err != nil {
		c.dropClient(cl)
	}
}

// deliverEvent fans an event out to every client with a matching
// subscription.
func (c *connector) deliverEvent(msg *wire.Message) {
	c.mu.Lock()
	var targets []*client
	for _, cl := range c.clients {
		for _, prefix := range cl.subs {
			if len(msg.Topic) >= len(prefix) && msg.Topic[:len(prefix)] == prefix {
				targets = append(targets, cl)
				break
			}
		}
	}
	c.mu.Unlock()
	for _, cl := range targets {
		if err := cl.write(msg.Copy()); err != nil {
			c.dropClient(cl)
		}
	}
}

// dropClient deregisters a departed client, releases its subscriptions,
// and tells the broker on the client's behalf.
func (c *connector) dropClient(cl *client) {
	c.mu.Lock()
	if _, ok := c.clients[cl.uuid]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.clients, cl.uuid)
	var lastSubs []string
	for _, prefix := range cl.subs {
		c.subCount[prefix]--
		if c.subCount[prefix] <= 0 {
			delete(c.subCount, prefix)
			lastSubs = append(lastSubs, prefix)
		}
	}
	c.mu.Unlock()
	cl.conn.Close()

	for _, prefix := range lastSubs {
		c.sendSubRequest("cmb.unsub", prefix)
	}

	disc, err := wire.NewRequest("cmb.disconnect", c.h.Rank(), wire.FlagNoResponse, map[string]string{})
	if err != nil {
		return
	}
	disc.PushRoute(cl.uuid)
	_ = c.h.Send(disc)
}
