// Package overlay owns a broker's position in the k-ary tree: the
// connection to its parent (if any), the listening endpoint its children
// dial, and the send/receive plumbing between them.
//
// The child endpoint behaves like a ROUTER socket: the identity of the
// sending child is pushed onto the route stack of every message received
// there, and sending through it consumes the topmost route identifier to
// select the destination child. The parent endpoint behaves like a
// DEALER socket and does neither.
package overlay

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/canopymq/canopy/pkg/log"
	"github.com/canopymq/canopy/pkg/security"
	"github.com/canopymq/canopy/pkg/wire"
)

// RecvFunc is invoked for each message received from a peer. It runs on
// the receiving connection's goroutine; implementations are expected to
// hand the message to the broker reactor.
type RecvFunc func(msg *wire.Message)

// ErrorFunc is invoked when a peer connection fails irrecoverably.
type ErrorFunc func(err error)

// Config describes this broker's place in the tree.
type Config struct {
	Rank uint32
	Size uint32
	K    uint32

	// BindURI is the endpoint children dial, e.g. "tcp://127.0.0.1:0".
	// Ignored when the rank has no children.
	BindURI string
	// ParentURI is the parent's bound endpoint. Ignored at rank 0.
	ParentURI string

	// Keys authenticates the handshake when set; connections that fail
	// to prove knowledge of the session secret are refused.
	Keys *security.Keys

	// KeepaliveInterval is how often an idle child pings its parent.
	KeepaliveInterval time.Duration
	// IdleWarn is the child idle threshold beyond which a warning is
	// logged. Peers are never disconnected on idleness alone.
	IdleWarn time.Duration
}

// sendq is an unbounded FIFO send queue. Overlay sends never block the
// router; backpressure is intentionally absent.
type sendq struct {
	mu     sync.Mutex
	items  []*wire.Message
	ready  chan struct{}
	closed bool
}

func newSendq() *sendq {
	return &sendq{ready: make(chan struct{}, 1)}
}

func (q *sendq) push(msg *wire.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *sendq) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// pop blocks until a message is available or the queue is closed.
func (q *sendq) pop() (*wire.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.ready
	}
}

func (q *sendq) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// peer is one directly connected tree neighbor.
type peer struct {
	id       string
	rank     uint32
	conn     net.Conn
	q        *sendq
	lastSeen time.Time
	lastSend atomic.Int64 // unix nanos of last write
}

// Overlay binds and connects this broker into the tree and moves
// messages across its edges.
type Overlay struct {
	cfg      Config
	logger   zerolog.Logger
	endpoint string

	listener net.Listener

	mu       sync.Mutex
	parent   *peer
	children map[string]*peer

	onParentRecv RecvFunc
	onChildRecv  RecvFunc
	onError      ErrorFunc

	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates an overlay for the given tree position. Bind and Connect
// complete the wire-up.
func New(cfg Config) *Overlay {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 5 * time.Second
	}
	if cfg.IdleWarn <= 0 {
		cfg.IdleWarn = 60 * time.Second
	}
	return &Overlay{
		cfg:      cfg,
		logger:   log.Component("overlay"),
		children: make(map[string]*peer),
		closed:   make(chan struct{}),
	}
}

// Rank returns this broker's rank.
func (o *Overlay) Rank() uint32 { return o.cfg.Rank }

// Size returns the session size.
func (o *Overlay) Size() uint32 { return o.cfg.Size }

// K returns the tree fanout.
func (o *Overlay) K() uint32 { return o.cfg.K }

// OnParentRecv installs the handler for messages from the parent.
func (o *Overlay) OnParentRecv(cb RecvFunc) { o.onParentRecv = cb }

// OnChildRecv installs the handler for messages from any child.
func (o *Overlay) OnChildRecv(cb RecvFunc) { o.onChildRecv = cb }

// OnError installs the handler for non-recoverable socket errors.
func (o *Overlay) OnError(cb ErrorFunc) { o.onError = cb }

// Endpoint returns the bound child endpoint URI, or empty if this rank
// has no children.
func (o *Overlay) Endpoint() string { return o.endpoint }

// SetParentURI installs the parent endpoint resolved during bootstrap.
// Must be called before Connect on non-root ranks.
func (o *Overlay) SetParentURI(uri string) { o.cfg.ParentURI = uri }

// advertisedAddr rewrites an unspecified bind address (0.0.0.0, ::)
// into one peers can actually dial.
func advertisedAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsUnspecified() {
		return addr
	}
	ifaddrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range ifaddrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
				continue
			}
			return net.JoinHostPort(ipnet.IP.String(), port)
		}
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func hostport(uri string) (string, error) {
	if !strings.HasPrefix(uri, "tcp://") {
		return "", fmt.Errorf("unsupported endpoint %q", uri)
	}
	return strings.TrimPrefix(uri, "tcp://"), nil
}

// Bind opens the listening endpoint for children. A rank with no
// children in the tree does not listen.
func (o *Overlay) Bind() error {
	if len(ChildrenOf(o.cfg.K, o.cfg.Size, o.cfg.Rank)) == 0 {
		return nil
	}
	addr, err := hostport(o.cfg.BindURI)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding child endpoint: %w", err)
	}
	o.listener = l
	o.endpoint = "tcp://" + advertisedAddr(l.Addr().String())
	o.logger.Debug().Str("endpoint", o.endpoint).Msg("listening for children")

	o.wg.Add(1)
	go o.acceptLoop()
	return nil
}

// Connect dials the parent endpoint and identifies this broker by rank.
// Rank 0 has no parent and returns immediately.
func (o *Overlay) Connect() error {
	if o.cfg.Rank == 0 {
		return nil
	}
	addr, err := hostport(o.cfg.ParentURI)
	if err != nil {
		return err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return wire.Errorf(wire.ErrTransport, "connecting to parent %s: %s", o.cfg.ParentURI, err)
	}
	p := &peer{
		id:       strconv.FormatUint(uint64(ParentOf(o.cfg.K, o.cfg.Rank)), 10),
		rank:     ParentOf(o.cfg.K, o.cfg.Rank),
		conn:     conn,
		q:        newSendq(),
		lastSeen: time.Now(),
	}
	ident := map[string]interface{}{"rank": o.cfg.Rank}
	if o.cfg.Keys != nil {
		ident["auth"] = o.cfg.Keys.Sign(o.cfg.Rank)
	}
	hello := wire.NewKeepalive(0, 0)
	hello.Payload, _ = wire.PackPayload(ident)
	if err := wire.WriteFrame(conn, hello); err != nil {
		conn.Close()
		return wire.Errorf(wire.ErrTransport, "identifying to parent: %s", err)
	}
	o.mu.Lock()
	o.parent = p
	o.mu.Unlock()

	o.wg.Add(3)
	go o.writeLoop(p)
	go o.keepaliveLoop(p)
	go o.parentReadLoop(p)
	return nil
}

func (o *Overlay) acceptLoop() {
	defer o.wg.Done()
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			select {
			case <-o.closed:
				return
			default:
			}
			o.logger.Error().Err(err).Msg("accepting child connection")
			o.fail(wire.Errorf(wire.ErrTransport, "accept: %s", err))
			return
		}
		o.wg.Add(1)
		go o.handshake(conn)
	}
}

// handshake reads the identifying keepalive from a freshly connected
// child and registers it.
func (o *Overlay) handshake(conn net.Conn) {
	defer o.wg.Done()
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	msg, err := wire.ReadFrame(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		o.logger.Warn().Err(err).Msg("dropping connection: bad handshake")
		conn.Close()
		return
	}
	var ident struct {
		Rank uint32 `json:"rank"`
		Auth string `json:"auth"`
	}
	if msg.Type != wire.TypeKeepalive || wire.UnpackPayload(msg, &ident) != nil {
		o.logger.Warn().Msg("dropping connection: handshake is not an identifying keepalive")
		conn.Close()
		return
	}
	if o.cfg.Keys != nil && !o.cfg.Keys.Verify(ident.Rank, ident.Auth) {
		o.logger.Warn().Uint32("rank", ident.Rank).Msg("dropping connection: handshake authentication failed")
		conn.Close()
		return
	}
	valid := false
	for _, c := range ChildrenOf(o.cfg.K, o.cfg.Size, o.cfg.Rank) {
		if c == ident.Rank {
			valid = true
		}
	}
	if !valid {
		o.logger.Warn().Uint32("rank", ident.Rank).Msg("dropping connection: not a child of this rank")
		conn.Close()
		return
	}
	p := &peer{
		id:       strconv.FormatUint(uint64(ident.Rank), 10),
		rank:     ident.Rank,
		conn:     conn,
		q:        newSendq(),
		lastSeen: time.Now(),
	}
	o.mu.Lock()
	if old := o.children[p.id]; old != nil {
		old.q.close()
		old.conn.Close()
	}
	o.children[p.id] = p
	o.mu.Unlock()
	o.logger.Debug().Uint32("rank", ident.Rank).Msg("child connected")

	o.wg.Add(2)
	go o.writeLoop(p)
	go o.childReadLoop(p)
}

func (o *Overlay) childReadLoop(p *peer) {
	defer o.wg.Done()
	r := bufio.NewReader(p.conn)
	for {
		msg, err := wire.ReadFrame(r)
		if err != nil {
			select {
			case <-o.closed:
			default:
				o.logger.Warn().Err(err).Str("child", p.id).Msg("child connection lost")
				o.mu.Lock()
				if o.children[p.id] == p {
					delete(o.children, p.id)
				}
				o.mu.Unlock()
				p.q.close()
				p.conn.Close()
			}
			return
		}
		o.mu.Lock()
		p.lastSeen = time.Now()
		o.mu.Unlock()
		// ROUTER receive behavior: stamp the sender's identity.
		msg.PushRoute(p.id)
		if o.onChildRecv != nil {
			o.onChildRecv(msg)
		}
	}
}

func (o *Overlay) parentReadLoop(p *peer) {
	defer o.wg.Done()
	r := bufio.NewReader(p.conn)
	for {
		msg, err := wire.ReadFrame(r)
		if err != nil {
			select {
			case <-o.closed:
				return
			default:
			}
			o.fail(wire.Errorf(wire.ErrTransport, "parent connection lost: %s", err))
			return
		}
		o.mu.Lock()
		p.lastSeen = time.Now()
		o.mu.Unlock()
		if o.onParentRecv != nil {
			o.onParentRecv(msg)
		}
	}
}

func (o *Overlay) writeLoop(p *peer) {
	defer o.wg.Done()
	w := bufio.NewWriter(p.conn)
	for {
		msg, ok := p.q.pop()
		if !ok {
			return
		}
		p.lastSend.Store(time.Now().UnixNano())
		if err := wire.WriteFrame(w, msg); err != nil {
			o.logger.Warn().Err(err).Str("peer", p.id).Msg("send failed")
			return
		}
		// Flush when the queue drains so small messages are not held
		// back by buffering.
		if p.q.empty() {
			if err := w.Flush(); err != nil {
				o.logger.Warn().Err(err).Str("peer", p.id).Msg("flush failed")
				return
			}
		}
	}
}

// keepaliveLoop pings the parent when the uplink has been idle, so the
// parent's idle tracking reflects liveness rather than traffic.
func (o *Overlay) keepaliveLoop(p *peer) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.closed:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, p.lastSend.Load())) >= o.cfg.KeepaliveInterval {
				p.q.push(wire.NewKeepalive(0, 0))
			}
		}
	}
}

// SendParent forwards a message toward the root. At rank 0 this fails
// with a no-host error.
func (o *Overlay) SendParent(msg *wire.Message) error {
	o.mu.Lock()
	p := o.parent
	o.mu.Unlock()
	if p == nil {
		return wire.Errorf(wire.ErrNoHost, "rank %d has no parent", o.cfg.Rank)
	}
	p.q.push(msg)
	return nil
}

// SendChild sends a message down the tree. ROUTER send behavior: the
// topmost route identifier is consumed to select the destination child.
func (o *Overlay) SendChild(msg *wire.Message) error {
	id, ok := msg.PopRoute()
	if !ok {
		return wire.Errorf(wire.ErrMalformed, "no route identifier for child send")
	}
	o.mu.Lock()
	p := o.children[id]
	o.mu.Unlock()
	if p == nil {
		return wire.Errorf(wire.ErrNoHost, "no connected child %s", id)
	}
	p.q.push(msg)
	return nil
}

// MulticastChildren sends a copy of the message to every connected
// child.
func (o *Overlay) MulticastChildren(msg *wire.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.children {
		p.q.push(msg.Copy())
	}
	return nil
}

// LspeerEncode snapshots each connected child's idle time in seconds,
// keyed by rank.
func (o *Overlay) LspeerEncode() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]float64, len(o.children))
	now := time.Now()
	for id, p := range o.children {
		out[id] = now.Sub(p.lastSeen).Seconds()
	}
	return out
}

// LogIdlePeers warns about children idle beyond the configured
// threshold. No peer is disconnected on idleness alone.
func (o *Overlay) LogIdlePeers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	for id, p := range o.children {
		if idle := now.Sub(p.lastSeen); idle > o.cfg.IdleWarn {
			o.logger.Warn().Str("child", id).Dur("idle", idle).Msg("child is idle")
		}
	}
}

func (o *Overlay) fail(err error) {
	if o.onError != nil {
		o.onError(err)
	}
}

// Close tears down the listener and all peer connections.
func (o *Overlay) Close() error {
	select {
	case <-o.closed:
		return nil
	default:
		close(o.closed)
	}
	if o.listener != nil {
		o.listener.Close()
	}
	o.mu.Lock()
	if o.parent != nil {
		o.parent.q.close()
		o.parent.conn.Close()
	}
	for _, p := range o.children {
		p.q.close()
		p.conn.Close()
	}
	o.mu.Unlock()
	o.wg.Wait()
	return nil
}
