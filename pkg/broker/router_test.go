package broker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopymq/canopy/pkg/attrs"
	"github.com/canopymq/canopy/pkg/content"
	"github.com/canopymq/canopy/pkg/log"
	"github.com/canopymq/canopy/pkg/module"
	"github.com/canopymq/canopy/pkg/service"
	"github.com/canopymq/canopy/pkg/wire"
)

func TestMain(m *testing.M) {
	log.Setup(log.Options{Level: "error"})
	module.Register("echo-router", func(h *module.Handle, args []string) error {
		h.Ready()
		for {
			msg, err := h.Recv()
			if err != nil {
				return nil
			}
			if msg.Type == wire.TypeRequest {
				_ = h.Respond(msg, map[string]string{"echo": msg.Topic})
			}
		}
	})
	module.Register("broken-router", func(h *module.Handle, args []string) error {
		return wire.Errorf(wire.ErrModuleLoad, "broken on purpose")
	})
	m.Run()
}

// fakeTree records overlay traffic instead of moving it.
type fakeTree struct {
	rank, size, k uint32

	parentSends []*wire.Message
	childSends  []childSend
	mcasts      []*wire.Message
}

type childSend struct {
	id  string
	msg *wire.Message
}

func (f *fakeTree) Rank() uint32 { return f.rank }
func (f *fakeTree) Size() uint32 { return f.size }
func (f *fakeTree) K() uint32    { return f.k }

func (f *fakeTree) SendParent(msg *wire.Message) error {
	if f.rank == 0 {
		return wire.Errorf(wire.ErrNoHost, "rank 0 has no parent")
	}
	f.parentSends = append(f.parentSends, msg)
	return nil
}

func (f *fakeTree) SendChild(msg *wire.Message) error {
	id, ok := msg.PopRoute()
	if !ok {
		return wire.Errorf(wire.ErrMalformed, "no route identifier")
	}
	f.childSends = append(f.childSends, childSend{id: id, msg: msg})
	return nil
}

func (f *fakeTree) MulticastChildren(msg *wire.Message) error {
	f.mcasts = append(f.mcasts, msg.Copy())
	return nil
}

func (f *fakeTree) LspeerEncode() map[string]float64 { return map[string]float64{} }

func newTestBroker(t *testing.T, rank, size, k uint32) (*Broker, *fakeTree) {
	t.Helper()
	ft := &fakeTree{rank: rank, size: size, k: k}
	b := &Broker{
		logger:   log.Component("broker-test"),
		attrs:    attrs.NewStore(),
		services: service.NewSwitch(),
		tree:     ft,
		userID:   1000,
		rolemask: wire.RoleOwner,
		handlers: make(map[string]func(msg *wire.Message) error),
		runq:     newRunq(),
	}
	cache, err := content.NewCache("")
	require.NoError(t, err)
	b.cache = cache
	t.Cleanup(func() { cache.Close() })

	b.modhash = module.NewModhash(rank, size)
	b.modhash.OnStatus(b.moduleStatus)
	b.shutdown = newShutdown(b)
	b.runlevel = newRunlevel(b)
	b.hello = newHello(b)
	b.heartbeat = newHeartbeat(b, time.Second)
	b.registerServices()
	b.subscribe("hb", b.heartbeat.recv)
	b.subscribe("shutdown", b.shutdown.recv)
	return b, ft
}

// drain runs queued reactor work until cond holds or the deadline hits.
func drain(t *testing.T, b *Broker, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never reached")
		}
		b.runq.mu.Lock()
		n := len(b.runq.items)
		b.runq.mu.Unlock()
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		b.runq.pop()()
	}
}

func request(t *testing.T, topic string, nodeid uint32, flags wire.Flags, payload interface{}) *wire.Message {
	t.Helper()
	msg, err := wire.NewRequest(topic, nodeid, flags, payload)
	require.NoError(t, err)
	msg.UserID = 1000
	msg.RoleMask = wire.RoleOwner
	return msg
}

// A ping arriving at its destination turns around: the response carries
// the unwound route and the payload reports the full path.
func TestPingTurnaround(t *testing.T) {
	b, ft := newTestBroker(t, 0, 4, 2)

	// Rank 3 pinged rank 0; hops 3 and 1 accumulated en route, with the
	// originating client at the bottom of the stack.
	msg := request(t, "cmb.ping", 0, 0, map[string]int{"seq": 1})
	msg.Routes = []string{"client-uuid", "3", "1"}

	require.NoError(t, b.requestSend(msg, errorModeRespond))
	require.Len(t, ft.childSends, 1)

	// The response unwinds: "1" picked the child connection.
	sent := ft.childSends[0]
	assert.Equal(t, "1", sent.id)
	assert.Equal(t, wire.TypeResponse, sent.msg.Type)
	assert.Equal(t, []string{"client-uuid", "3"}, sent.msg.Routes)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(sent.msg.Payload, &body))
	assert.Equal(t, "client-uuid!3!1!0", body["route"])
	assert.Equal(t, float64(1000), body["userid"])
}

func TestRequestAnyForwardsUpstream(t *testing.T) {
	b, ft := newTestBroker(t, 1, 4, 2)

	msg := request(t, "kvs.get", wire.NodeAny, 0, map[string]int{"x": 1})
	require.NoError(t, b.requestSend(msg, errorModeRespond))
	require.Len(t, ft.parentSends, 1)
	assert.Equal(t, "kvs.get", ft.parentSends[0].Topic)
}

func TestRequestAnyNoServiceAtRoot(t *testing.T) {
	b, ft := newTestBroker(t, 0, 4, 2)

	msg := request(t, "kvs.get", wire.NodeAny, 0, map[string]int{"x": 1})
	msg.Routes = []string{"client-uuid", "1"}
	require.NoError(t, b.requestSend(msg, errorModeRespond))

	// The error response unwinds toward the requester.
	require.Len(t, ft.childSends, 1)
	resp := ft.childSends[0].msg
	assert.Equal(t, wire.TypeResponse, resp.Type)
	assert.True(t, errors.Is(wire.ResponseError(resp), wire.ErrNoService))
}

func TestRequestAnyErrorModeReturn(t *testing.T) {
	b, _ := newTestBroker(t, 0, 4, 2)

	msg := request(t, "kvs.get", wire.NodeAny, 0, map[string]int{"x": 1})
	err := b.requestSend(msg, errorModeReturn)
	assert.True(t, errors.Is(err, wire.ErrNoService))
}

func TestUpstreamFlagAtRoot(t *testing.T) {
	b, _ := newTestBroker(t, 0, 4, 2)

	msg := request(t, "kvs.get", 0, wire.FlagUpstream, map[string]int{"x": 1})
	err := b.requestSend(msg, errorModeReturn)
	assert.True(t, errors.Is(err, wire.ErrNoHost))
}

func TestUpstreamFlagSkipsOwnService(t *testing.T) {
	// A request flagged UPSTREAM from this rank must not dispatch
	// locally even though the service exists here.
	b, ft := newTestBroker(t, 1, 4, 2)

	msg := request(t, "cmb.ping", 1, wire.FlagUpstream, map[string]int{"seq": 1})
	require.NoError(t, b.requestSend(msg, errorModeRespond))
	require.Len(t, ft.parentSends, 1)
}

func TestDownwardRequestPushesTurnaroundRoute(t *testing.T) {
	b, ft := newTestBroker(t, 0, 4, 2)

	msg := request(t, "foo.bar", 3, 0, map[string]int{"x": 1})
	require.NoError(t, b.requestSend(msg, errorModeRespond))

	// Gateway toward rank 3 from rank 0 is child 1; the self rank rides
	// below it so the response can turn around.
	require.Len(t, ft.childSends, 1)
	assert.Equal(t, "1", ft.childSends[0].id)
	assert.Equal(t, []string{"0"}, ft.childSends[0].msg.Routes)
}

func TestRequestOutOfRangeNodeid(t *testing.T) {
	// nodeid beyond the session falls upstream and dies at the root
	// with no-host.
	b, _ := newTestBroker(t, 0, 4, 2)

	msg := request(t, "foo.bar", 9, 0, map[string]int{"x": 1})
	err := b.requestSend(msg, errorModeReturn)
	assert.True(t, errors.Is(err, wire.ErrNoHost))
}

func TestResponseUnwindToParent(t *testing.T) {
	// A response whose next hop is the parent's rank heads back up,
	// reversing the downward-request subversion.
	b, ft := newTestBroker(t, 1, 4, 2)

	resp := &wire.Message{
		Type:   wire.TypeResponse,
		Topic:  "foo.bar",
		Routes: []string{"client-uuid", "0"},
	}
	require.NoError(t, b.responseSend(resp))
	require.Len(t, ft.parentSends, 1)
	// The hop is consumed by the receiving end, not the sender.
	assert.Equal(t, []string{"client-uuid", "0"}, ft.parentSends[0].Routes)
}

func TestResponseWithEmptyStackIsLocal(t *testing.T) {
	b, ft := newTestBroker(t, 1, 4, 2)

	resp := &wire.Message{Type: wire.TypeResponse, Topic: "cmb.hello"}
	require.NoError(t, b.responseSend(resp))
	assert.Empty(t, ft.parentSends)
	assert.Empty(t, ft.childSends)
}

func TestEventSequencingAtRoot(t *testing.T) {
	b, ft := newTestBroker(t, 0, 2, 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.publishInternal("hb", map[string]uint32{"epoch": uint32(i + 1)}))
	}
	assert.Equal(t, uint32(3), b.eventSendSeq)
	assert.Equal(t, uint32(3), b.eventRecvSeq)
	require.Len(t, ft.mcasts, 3)
	assert.Equal(t, uint32(1), ft.mcasts[0].Sequence)
	assert.Equal(t, uint32(3), ft.mcasts[2].Sequence)
	assert.Equal(t, uint32(3), b.heartbeat.epoch, "hb events delivered locally")
}

func TestEventForwardedUpstreamFromNonRoot(t *testing.T) {
	b, ft := newTestBroker(t, 1, 2, 2)

	require.NoError(t, b.publishInternal("hb", map[string]uint32{"epoch": 1}))
	require.Len(t, ft.parentSends, 1)
	assert.Equal(t, wire.TypeEvent, ft.parentSends[0].Type)
	assert.Empty(t, ft.parentSends[0].Routes)
	assert.Zero(t, ft.parentSends[0].Sequence, "sequencing happens at the root")
}

func TestEventDuplicateAndGap(t *testing.T) {
	b, _ := newTestBroker(t, 1, 2, 2)

	ev := func(seq uint32) *wire.Message {
		msg, err := wire.NewEvent("hb", map[string]uint32{"epoch": seq})
		require.NoError(t, err)
		msg.Sequence = seq
		return msg
	}

	b.handleEvent(ev(1))
	assert.Equal(t, uint32(1), b.eventRecvSeq)

	// Duplicate: dropped silently.
	b.handleEvent(ev(1))
	assert.Equal(t, uint32(1), b.eventRecvSeq)
	assert.Equal(t, uint32(1), b.heartbeat.epoch)

	// Gap: event 2 lost, counter still advances on 3.
	b.handleEvent(ev(3))
	assert.Equal(t, uint32(3), b.eventRecvSeq)
	assert.Equal(t, uint32(3), b.heartbeat.epoch)
}

func TestModuleEventDelivery(t *testing.T) {
	b, _ := newTestBroker(t, 0, 1, 2)

	m, err := b.loadModule("echo-router", nil)
	require.NoError(t, err)
	drain(t, b, func() bool { return m.Status() == module.StatusRunning })
	m.Subscribe("hb")

	require.NoError(t, b.publishInternal("hb", map[string]uint32{"epoch": 1}))
	require.NoError(t, b.publishInternal("other", nil))

	// The module's subscriptions match the hb topic and not the other one.
	assert.True(t, m.Subscribed("hb"))
	assert.False(t, m.Subscribed("other"))

	m.Stop()
	drain(t, b, func() bool { return b.modhash.Count() == 0 })
}

func TestIdentityStamping(t *testing.T) {
	b, ft := newTestBroker(t, 1, 2, 2)

	msg, err := wire.NewRequest("kvs.get", wire.NodeAny, 0, map[string]int{"x": 1})
	require.NoError(t, err)
	require.Equal(t, wire.UserIDUnknown, msg.UserID)

	require.NoError(t, b.inject(msg))
	require.Len(t, ft.parentSends, 1)
	assert.Equal(t, uint32(1000), ft.parentSends[0].UserID)
	assert.Equal(t, wire.RoleOwner, ft.parentSends[0].RoleMask)
}

func TestPermissionDenied(t *testing.T) {
	b, ft := newTestBroker(t, 0, 1, 2)

	msg := request(t, "cmb.insmod", 0, 0, map[string]interface{}{"path": "x", "args": []string{}})
	msg.RoleMask = wire.RoleUser
	msg.Routes = []string{"client-uuid"}

	require.NoError(t, b.requestSend(msg, errorModeRespond))
	require.Len(t, ft.childSends, 1)
	err := wire.ResponseError(ft.childSends[0].msg)
	assert.True(t, errors.Is(err, wire.ErrPermissionDenied))
}
