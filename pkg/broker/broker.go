// Package broker implements the per-node message broker: one reactor
// goroutine owning all core state, a module table with one goroutine per
// loaded module, and the router that moves typed messages between the
// overlay, the service switch, and module channels.
package broker

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canopymq/canopy/pkg/attrs"
	"github.com/canopymq/canopy/pkg/boot"
	"github.com/canopymq/canopy/pkg/content"
	"github.com/canopymq/canopy/pkg/log"
	"github.com/canopymq/canopy/pkg/metrics"
	"github.com/canopymq/canopy/pkg/module"
	"github.com/canopymq/canopy/pkg/overlay"
	"github.com/canopymq/canopy/pkg/security"
	"github.com/canopymq/canopy/pkg/service"
	"github.com/canopymq/canopy/pkg/wire"
)

// Version is stamped into the version attribute at boot.
const Version = "0.3.0"

// tree is the overlay surface the router depends on. *overlay.Overlay
// implements it; tests substitute a recording fake.
type tree interface {
	Rank() uint32
	Size() uint32
	K() uint32
	SendParent(msg *wire.Message) error
	SendChild(msg *wire.Message) error
	MulticastChildren(msg *wire.Message) error
	LspeerEncode() map[string]float64
}

// Config carries everything the CLI resolved before the broker starts.
type Config struct {
	K             uint32
	Boot          boot.Method
	HeartRate     time.Duration
	ShutdownGrace time.Duration
	SecurityMode  string
	ModulePath    string

	// SetAttrs are -S/--setattr pairs applied before the reactor starts.
	SetAttrs map[string]string

	// RC1/RC3 are the init and finalization command lines; InitialProgram
	// is the argv tail (rc2). All run only at rank 0.
	RC1            []string
	RC3            []string
	InitialProgram []string

	// PersistDir enables the rank 0 persistent content store.
	PersistDir string

	// LoadConnector loads the connector-local module at startup so
	// process-local clients can reach the broker through the rundir
	// socket.
	LoadConnector bool
}

// Broker is one node's broker instance. All fields are owned by the
// reactor goroutine once Run starts.
type Broker struct {
	cfg    Config
	logger zerolog.Logger

	attrs    *attrs.Store
	services *service.Switch
	tree     tree
	net      *overlay.Overlay // nil under test
	modhash  *module.Modhash
	cache    *content.Cache

	sessionID string
	userID    uint32
	rolemask  wire.Role

	rundir        string
	rundirCreated bool
	localURI      string
	parentURI     string

	handlers      map[string]func(msg *wire.Message) error
	subscriptions []subscription

	eventSendSeq uint32
	eventRecvSeq uint32

	hello     *hello
	heartbeat *heartbeat
	runlevel  *runlevel
	shutdown  *shutdown

	heaptraceFile string

	runq     *runq
	quit     bool
	exitRC   int
	sigCh    chan os.Signal
	stopOnce sync.Once
}

// subscription is a broker-local event registration: handler runs on the
// reactor for every event whose topic matches the prefix.
type subscription struct {
	prefix  string
	handler func(msg *wire.Message)
}

// runq is the reactor's unbounded work queue. Everything that touches
// broker state funnels through it.
type runq struct {
	mu    sync.Mutex
	items []func()
	ready chan struct{}
}

func newRunq() *runq {
	return &runq{ready: make(chan struct{}, 1)}
}

func (q *runq) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *runq) pop() func() {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			fn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return fn
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// New bootstraps a broker: rank and size are resolved, the overlay is
// bound and endpoints are exchanged, and every boot-time attribute is
// sealed. The overlay is connected later, by Run; the reactor is not yet
// running.
func New(cfg Config) (*Broker, error) {
	if cfg.K < 1 {
		cfg.K = 2
	}
	if cfg.HeartRate <= 0 {
		cfg.HeartRate = 2 * time.Second
	}

	b := &Broker{
		cfg:      cfg,
		attrs:    attrs.NewStore(),
		services: service.NewSwitch(),
		userID:   uint32(os.Getuid()),
		rolemask: wire.RoleOwner,
		handlers: make(map[string]func(msg *wire.Message) error),
		runq:     newRunq(),
		sigCh:    make(chan os.Signal, 8),
	}

	rank, size, session, err := cfg.Boot.RankSize()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if session == "" {
		session = uuid.NewString()
	}
	b.sessionID = session
	b.logger = log.Component("broker").With().Uint32("rank", rank).Logger()

	var keys *security.Keys
	if cfg.SecurityMode != "" && cfg.SecurityMode != "none" {
		if keydir := os.Getenv("CANOPY_SEC_DIRECTORY"); keydir != "" {
			if keys, err = security.LoadOrGenerate(keydir); err != nil {
				return nil, fmt.Errorf("loading session keys: %w", err)
			}
		}
	}

	ov := overlay.New(overlay.Config{
		Rank:    rank,
		Size:    size,
		K:       cfg.K,
		BindURI: cfg.Boot.BindURI(rank),
		Keys:    keys,
	})
	if err := ov.Bind(); err != nil {
		return nil, fmt.Errorf("overlay bind: %w", err)
	}
	parentURI, err := cfg.Boot.ExchangeEndpoints(rank, ov.Endpoint())
	if err != nil {
		ov.Close()
		return nil, fmt.Errorf("endpoint exchange: %w", err)
	}
	ov.SetParentURI(parentURI)
	b.net = ov
	b.net.OnError(func(err error) {
		b.runq.push(func() {
			b.logger.Error().Err(err).Msg("overlay transport failure")
			b.shutdownArm(int(wire.CodeTransport), "overlay transport failure")
		})
	})
	b.tree = ov
	b.parentURI = parentURI

	if err := b.setupRundir(); err != nil {
		ov.Close()
		return nil, err
	}
	if err := b.setupAttrs(parentURI); err != nil {
		ov.Close()
		return nil, err
	}

	b.modhash = module.NewModhash(rank, size)
	b.modhash.OnStatus(b.moduleStatus)

	cacheDir := ""
	if rank == 0 && cfg.PersistDir != "" {
		cacheDir = cfg.PersistDir
	}
	if b.cache, err = content.NewCache(cacheDir); err != nil {
		ov.Close()
		return nil, err
	}

	b.shutdown = newShutdown(b)
	b.runlevel = newRunlevel(b)
	b.hello = newHello(b)
	b.heartbeat = newHeartbeat(b, cfg.HeartRate)

	b.registerServices()
	b.subscribe("hb", b.heartbeat.recv)
	b.subscribe("shutdown", b.shutdown.recv)

	ov.OnChildRecv(func(msg *wire.Message) {
		b.runq.push(func() { b.childRecv(msg) })
	})
	ov.OnParentRecv(func(msg *wire.Message) {
		b.runq.push(func() { b.parentRecv(msg) })
	})
	return b, nil
}

// Rank returns this broker's rank.
func (b *Broker) Rank() uint32 { return b.tree.Rank() }

// Size returns the session size.
func (b *Broker) Size() uint32 { return b.tree.Size() }

// Attrs returns the attribute store (reactor-owned).
func (b *Broker) Attrs() *attrs.Store { return b.attrs }

func (b *Broker) setupRundir() error {
	dir, err := os.MkdirTemp("", "canopy-"+b.sessionID+"-")
	if err != nil {
		return fmt.Errorf("creating rundir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return err
	}
	rankDir := filepath.Join(dir, strconv.FormatUint(uint64(b.tree.Rank()), 10))
	if err := os.Mkdir(rankDir, 0o700); err != nil {
		os.RemoveAll(dir)
		return err
	}
	b.rundir = dir
	b.rundirCreated = true
	b.localURI = "local://" + filepath.Join(rankDir, "local")
	return nil
}

func (b *Broker) setupAttrs(parentURI string) error {
	rank := b.tree.Rank()
	if err := boot.CommitAttrs(b.attrs, b.cfg.Boot, rank, b.tree.Size(), b.sessionID, parentURI, b.endpointAttr()); err != nil {
		return err
	}
	seals := map[string]string{
		"broker.pid": strconv.Itoa(os.Getpid()),
		"version":    Version,
		"rundir":     b.rundir,
		"local-uri":  b.localURI,
		"tbon.arity": strconv.FormatUint(uint64(b.cfg.K), 10),
	}
	for name, value := range seals {
		if err := b.attrs.Seal(name, value); err != nil {
			return err
		}
	}
	if b.cfg.SecurityMode != "" {
		if err := b.attrs.Seal("security.mode", b.cfg.SecurityMode); err != nil {
			return err
		}
	}
	if rank == 0 && b.cfg.PersistDir != "" {
		if err := b.attrs.Seal("persist-directory", b.cfg.PersistDir); err != nil {
			return err
		}
	}
	if keydir := os.Getenv("CANOPY_SEC_DIRECTORY"); keydir != "" {
		if err := b.attrs.Seal("security.keydir", keydir); err != nil {
			return err
		}
	}
	if b.cfg.ModulePath != "" {
		if _, ok := b.cfg.SetAttrs["conf.module_path"]; !ok {
			if err := b.attrs.Add("conf.module_path", b.cfg.ModulePath, 0); err != nil {
				return err
			}
		}
	}
	for name, value := range b.cfg.SetAttrs {
		// Configuration derived from the environment is pinned for the
		// broker's lifetime; plain attributes stay writable.
		if strings.HasPrefix(name, "conf.") || name == "parent-uri" {
			if err := b.attrs.Seal(name, value); err != nil {
				return err
			}
			continue
		}
		if err := b.attrs.Set(name, value, true); err != nil {
			return err
		}
	}
	if err := b.attrs.AddActive("init.run-level", attrs.FlagReadOnly,
		func(string) (string, error) { return strconv.Itoa(b.runlevelLevel()), nil }, nil); err != nil {
		return err
	}
	if err := b.attrs.AddActive("event.seq", attrs.FlagReadOnly,
		func(string) (string, error) {
			return strconv.FormatUint(uint64(b.eventRecvSeq), 10), nil
		}, nil); err != nil {
		return err
	}
	return nil
}

func (b *Broker) endpointAttr() string {
	if b.net != nil {
		return b.net.Endpoint()
	}
	return ""
}

func (b *Broker) runlevelLevel() int {
	if b.runlevel == nil {
		return 0
	}
	return b.runlevel.level
}

// subscribe installs a broker-local event handler for a topic prefix.
func (b *Broker) subscribe(prefix string, handler func(msg *wire.Message)) {
	b.subscriptions = append(b.subscriptions, subscription{prefix: prefix, handler: handler})
}

// Run connects the overlay, starts the hello protocol, and enters the
// reactor loop. It returns the process exit code.
func (b *Broker) Run() int {
	if b.net != nil {
		if err := b.net.Connect(); err != nil {
			b.logger.Error().Err(err).Msg("overlay connect failed")
			return int(wire.CodeTransport)
		}
	}
	signal.Notify(b.sigCh,
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGTERM, syscall.SIGALRM)
	go func() {
		for sig := range b.sigCh {
			sig := sig
			b.runq.push(func() {
				b.shutdownArm(0, fmt.Sprintf("signal %d (%s)", sig, sig))
			})
		}
	}()

	if b.cfg.LoadConnector {
		sockpath := strings.TrimPrefix(b.localURI, "local://")
		if _, err := b.loadModule("connector-local", []string{sockpath}); err != nil {
			b.logger.Error().Err(err).Msg("loading connector-local")
		}
	}

	b.runlevel.set(1, b.cfg.RC1)
	b.runlevel.set(2, b.cfg.InitialProgram)
	b.runlevel.set(3, b.cfg.RC3)

	b.hello.start()
	b.heartbeat.start()
	b.logger.Info().
		Uint32("size", b.tree.Size()).
		Uint32("arity", b.tree.K()).
		Str("session", b.sessionID).
		Msg("broker online")

	for !b.quit {
		fn := b.runq.pop()
		fn()
	}
	b.teardown()
	return b.exitRC
}

// stopReactor ends the reactor loop with the given exit code. Must run
// on the reactor.
func (b *Broker) stopReactor(rc int) {
	b.stopOnce.Do(func() {
		b.quit = true
		b.exitRC = rc
		// Wake the loop in case the queue is empty.
		b.runq.push(func() {})
	})
}

func (b *Broker) teardown() {
	signal.Stop(b.sigCh)
	b.heartbeat.stop()
	b.runlevel.killAll()
	b.modhash.Each(func(m *module.Module) { m.Stop() })

	// Give modules a bounded drain before abandoning them.
	deadline := time.Now().Add(2 * time.Second)
	done := false
	for !done && time.Now().Before(deadline) {
		done = true
		b.modhash.Each(func(m *module.Module) {
			if m.Status() != module.StatusExited {
				done = false
			}
		})
		if !done {
			b.pumpOnce(50 * time.Millisecond)
		}
	}

	if b.net != nil {
		b.net.Close()
	}
	if b.cache != nil {
		b.cache.Close()
	}
	if b.rundirCreated {
		os.RemoveAll(b.rundir)
	}
	b.logger.Info().Int("rc", b.exitRC).Msg("broker exiting")
}

// pumpOnce runs queued reactor work for at most d, used while draining
// module state transitions during teardown.
func (b *Broker) pumpOnce(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		b.runq.mu.Lock()
		n := len(b.runq.items)
		b.runq.mu.Unlock()
		if n == 0 {
			select {
			case <-timer.C:
				return
			case <-b.runq.ready:
			}
			continue
		}
		b.runq.pop()()
		select {
		case <-timer.C:
			return
		default:
		}
	}
}

// inject enters a locally originated message into the router. This is
// the single chokepoint where the instance owner's identity is stamped
// onto local traffic.
func (b *Broker) inject(msg *wire.Message) error {
	if msg.UserID == wire.UserIDUnknown {
		msg.UserID = b.userID
	}
	if msg.RoleMask == wire.RoleNone {
		msg.RoleMask = b.rolemask
	}
	switch msg.Type {
	case wire.TypeRequest:
		return b.requestSend(msg, errorModeReturn)
	case wire.TypeResponse:
		return b.responseSend(msg)
	case wire.TypeEvent:
		return b.eventSend(msg)
	default:
		return wire.Errorf(wire.ErrMalformed, "cannot inject %s", msg.Type)
	}
}

// loadModule starts a module and wires its outbox into the reactor.
func (b *Broker) loadModule(path string, args []string) (*module.Module, error) {
	m, err := b.modhash.Add(path, args)
	if err != nil {
		return nil, err
	}
	metrics.ModulesLoaded.Set(float64(b.modhash.Count()))
	go func() {
		for {
			select {
			case msg := <-m.Outbox():
				b.runq.push(func() { b.moduleRecv(m, msg) })
			case <-m.Done():
				// Drain the final status transitions.
				for {
					select {
					case msg := <-m.Outbox():
						b.runq.push(func() { b.moduleRecv(m, msg) })
					default:
						return
					}
				}
			}
		}
	}()
	return m, nil
}

// moduleStatus observes module state transitions on the reactor.
func (b *Broker) moduleStatus(m *module.Module, prev module.Status) {
	name := m.Name()

	// Leaving INIT answers the deferred insmod request: success on
	// RUNNING, the module's own error code on EXITED.
	if prev == module.StatusInit {
		if req := m.PopInsmod(); req != nil {
			var resp *wire.Message
			if m.Status() == module.StatusExited && m.Errnum() != 0 {
				resp = wire.NewErrorResponse(req, &wire.Error{
					Code:   wire.Code(m.Errnum()),
					Reason: fmt.Sprintf("module %s failed to load", name),
				})
			} else {
				resp, _ = wire.NewResponse(req, nil)
			}
			if err := b.responseSend(resp); err != nil {
				b.logger.Error().Err(err).Str("module", name).Msg("responding to insmod")
			}
		}
	}

	// EXITED tears down the module's services before any rmmod response
	// so clients cannot race a stale service reference.
	if m.Status() == module.StatusExited {
		b.logger.Debug().Str("module", name).Msg("module exited")
		b.services.UnregisterByOwner(m.UUID())
		for {
			req := m.PopRmmod()
			if req == nil {
				break
			}
			resp, _ := wire.NewResponse(req, nil)
			if err := b.responseSend(resp); err != nil {
				b.logger.Error().Err(err).Str("module", name).Msg("responding to rmmod")
			}
		}
		b.modhash.Remove(m)
		metrics.ModulesLoaded.Set(float64(b.modhash.Count()))
	}
}

// Shutdown asks the broker to stop gracefully. Safe to call from any
// goroutine; the decision is applied on the reactor.
func (b *Broker) Shutdown(rc int, reason string) {
	b.runq.push(func() { b.shutdownArm(rc, reason) })
}

// shutdownArm funnels every stop condition through one path. At rank 0
// the decision is published as a shutdown event so the whole session
// tears down together; elsewhere it arms the local grace timer only.
func (b *Broker) shutdownArm(rc int, reason string) {
	b.shutdown.arm(rc, reason)
}
