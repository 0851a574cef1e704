package module

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopymq/canopy/pkg/wire"
)

func init() {
	Register("echo", func(h *Handle, args []string) error {
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
	Register("badload", func(h *Handle, args []string) error {
		return wire.Errorf(wire.ErrModuleLoad, "refusing to start")
	})
}

// drainStatus pumps the module outbox the way the reactor does, applying
// keepalive transitions, until the wanted status is reached.
func drainStatus(t *testing.T, mh *Modhash, m *Module, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for m.Status() != want {
		select {
		case msg := <-m.Outbox():
			if msg.Type == wire.TypeKeepalive {
				status, errnum, err := wire.KeepaliveDecode(msg)
				require.NoError(t, err)
				mh.SetStatus(m, Status(status), errnum)
			}
		case <-deadline:
			t.Fatalf("module never reached %s (now %s)", want, m.Status())
		}
	}
}

func TestModuleLifecycle(t *testing.T) {
	mh := NewModhash(0, 1)
	var transitions []Status
	mh.OnStatus(func(m *Module, prev Status) {
		transitions = append(transitions, m.Status())
	})

	m, err := mh.Add("/lib/modules/echo.so", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", m.Name())
	assert.Equal(t, StatusInit, m.Status())

	drainStatus(t, mh, m, StatusRunning)

	m.Stop()
	drainStatus(t, mh, m, StatusExited)
	assert.Equal(t, 0, m.Errnum())
	assert.Equal(t, []Status{StatusRunning, StatusFinalizing, StatusExited}, transitions)

	mh.Remove(m)
	_, err = mh.Lookup("echo")
	assert.True(t, errors.Is(err, wire.ErrNotFound))
}

func TestModuleLoadFailure(t *testing.T) {
	mh := NewModhash(0, 1)
	m, err := mh.Add("badload", nil)
	require.NoError(t, err)

	drainStatus(t, mh, m, StatusExited)
	assert.Equal(t, int(wire.CodeModuleLoad), m.Errnum())
	mh.Remove(m)
}

func TestAddDuplicate(t *testing.T) {
	mh := NewModhash(0, 1)
	m, err := mh.Add("echo", nil)
	require.NoError(t, err)
	defer func() {
		m.Stop()
		drainStatus(t, mh, m, StatusExited)
		mh.Remove(m)
	}()

	_, err = mh.Add("echo", nil)
	assert.True(t, errors.Is(err, wire.ErrExists))
}

func TestAddUnregistered(t *testing.T) {
	mh := NewModhash(0, 1)
	_, err := mh.Add("/no/such/module.so", nil)
	assert.True(t, errors.Is(err, wire.ErrModuleLoad))
}

func TestRequestResponseThroughModule(t *testing.T) {
	mh := NewModhash(0, 1)
	m, err := mh.Add("echo", nil)
	require.NoError(t, err)
	defer func() {
		m.Stop()
		drainStatus(t, mh, m, StatusExited)
		mh.Remove(m)
	}()
	drainStatus(t, mh, m, StatusRunning)

	req, err := wire.NewRequest("echo.hello", 0, 0, map[string]int{"x": 1})
	require.NoError(t, err)
	req.PushRoute("caller-uuid")
	require.NoError(t, m.Deliver(req))

	select {
	case resp := <-m.Outbox():
		assert.Equal(t, wire.TypeResponse, resp.Type)
		assert.Equal(t, "echo.hello", resp.Topic)
		assert.Equal(t, []string{"caller-uuid"}, resp.Routes)
	case <-time.After(5 * time.Second):
		t.Fatal("no response from module")
	}
}

func TestResponseSendByUUID(t *testing.T) {
	mh := NewModhash(0, 1)
	m, err := mh.Add("echo", nil)
	require.NoError(t, err)
	defer func() {
		m.Stop()
		drainStatus(t, mh, m, StatusExited)
		mh.Remove(m)
	}()

	resp := &wire.Message{
		Type:   wire.TypeResponse,
		Topic:  "attr.get",
		Routes: []string{m.UUID()},
	}
	require.NoError(t, mh.ResponseSend(resp))

	unknown := &wire.Message{Type: wire.TypeResponse, Routes: []string{"bogus"}}
	assert.Error(t, mh.ResponseSend(unknown))
}

func TestSubscriptions(t *testing.T) {
	m := newModule("x", "x", nil, 0, 1)
	m.Subscribe("hb")
	m.Subscribe("kvs.")

	assert.True(t, m.Subscribed("hb"))
	assert.True(t, m.Subscribed("hb.extra"))
	assert.True(t, m.Subscribed("kvs.setroot"))
	assert.False(t, m.Subscribed("shutdown"))
	assert.False(t, m.Subscribed("kvs"))

	m.Unsubscribe("hb")
	assert.False(t, m.Subscribed("hb"))
}
