package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopymq/canopy/pkg/wire"
)

func pairForTest(t *testing.T) (*Overlay, *Overlay, chan *wire.Message, chan *wire.Message) {
	t.Helper()

	parent := New(Config{Rank: 0, Size: 2, K: 2, BindURI: "tcp://127.0.0.1:0"})
	fromChild := make(chan *wire.Message, 16)
	parent.OnChildRecv(func(msg *wire.Message) { fromChild <- msg })
	require.NoError(t, parent.Bind())
	t.Cleanup(func() { parent.Close() })

	child := New(Config{Rank: 1, Size: 2, K: 2, ParentURI: parent.Endpoint()})
	fromParent := make(chan *wire.Message, 16)
	child.OnParentRecv(func(msg *wire.Message) { fromParent <- msg })
	require.NoError(t, child.Connect())
	t.Cleanup(func() { child.Close() })

	// The parent registers the child asynchronously on handshake.
	require.Eventually(t, func() bool {
		_, ok := parent.LspeerEncode()["1"]
		return ok
	}, 5*time.Second, 10*time.Millisecond, "child never registered with parent")

	return parent, child, fromChild, fromParent
}

func recvMsg(t *testing.T, ch chan *wire.Message) *wire.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestUpstreamRequestAccumulatesIdentity(t *testing.T) {
	_, child, fromChild, _ := pairForTest(t)

	req, err := wire.NewRequest("cmb.hello", 0, wire.FlagNoResponse, map[string]uint32{"rank": 1})
	require.NoError(t, err)
	require.NoError(t, child.SendParent(req))

	got := recvMsg(t, fromChild)
	assert.Equal(t, wire.TypeRequest, got.Type)
	assert.Equal(t, "cmb.hello", got.Topic)
	// The receiving end stamps the child's identity on arrival.
	next, ok := got.NextRoute()
	require.True(t, ok)
	assert.Equal(t, "1", next)
}

func TestSendChildConsumesRouteIdentifier(t *testing.T) {
	parent, _, _, fromParent := pairForTest(t)

	// A downward response routed by the topmost identifier.
	resp := &wire.Message{
		Type:   wire.TypeResponse,
		UserID: wire.UserIDUnknown,
		Topic:  "cmb.ping",
		Routes: []string{"client-uuid", "1"},
	}
	require.NoError(t, parent.SendChild(resp))

	got := recvMsg(t, fromParent)
	assert.Equal(t, wire.TypeResponse, got.Type)
	// "1" was consumed to select the connection; the rest survives.
	assert.Equal(t, []string{"client-uuid"}, got.Routes)
}

func TestSendChildUnknownPeer(t *testing.T) {
	parent, _, _, _ := pairForTest(t)

	msg := &wire.Message{Type: wire.TypeResponse, Routes: []string{"99"}}
	err := parent.SendChild(msg)
	assert.ErrorIs(t, err, wire.ErrNoHost)
}

func TestSendParentAtRoot(t *testing.T) {
	parent, _, _, _ := pairForTest(t)

	msg := &wire.Message{Type: wire.TypeRequest, Topic: "x"}
	err := parent.SendParent(msg)
	assert.ErrorIs(t, err, wire.ErrNoHost)
}

func TestMulticastChildren(t *testing.T) {
	parent, _, _, fromParent := pairForTest(t)

	ev, err := wire.NewEvent("hb", map[string]int{"epoch": 1})
	require.NoError(t, err)
	ev.Sequence = 1
	require.NoError(t, parent.MulticastChildren(ev))

	got := recvMsg(t, fromParent)
	assert.Equal(t, wire.TypeEvent, got.Type)
	assert.Equal(t, uint32(1), got.Sequence)
	assert.Empty(t, got.Routes)
}

func TestLspeerTracksChildren(t *testing.T) {
	parent, child, fromChild, _ := pairForTest(t)

	req, err := wire.NewRequest("cmb.ping", 0, 0, map[string]int{"seq": 1})
	require.NoError(t, err)
	require.NoError(t, child.SendParent(req))
	recvMsg(t, fromChild)

	peers := parent.LspeerEncode()
	require.Contains(t, peers, "1")
	assert.Less(t, peers["1"], 5.0)
}
