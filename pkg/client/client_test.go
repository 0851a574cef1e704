package client

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopymq/canopy/pkg/wire"
)

// fakeConnector accepts one client and answers frames the way the
// connector-local module does.
func fakeConnector(t *testing.T) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "local")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		for {
			msg, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			if msg.Type != wire.TypeRequest {
				continue
			}
			switch msg.Topic {
			case "cmb.sub":
				resp, _ := wire.NewResponse(msg, nil)
				_ = wire.WriteFrame(conn, resp)
				// Deliver one matching event once the subscriber has had
				// a chance to register its channel.
				time.Sleep(100 * time.Millisecond)
				ev, _ := wire.NewEvent("hb", map[string]int{"epoch": 1})
				ev.Sequence = 1
				_ = wire.WriteFrame(conn, ev)
			case "cmb.unsub":
				resp, _ := wire.NewResponse(msg, nil)
				_ = wire.WriteFrame(conn, resp)
			case "err.me":
				_ = wire.WriteFrame(conn, wire.NewErrorResponse(msg,
					wire.Errorf(wire.ErrNotFound, "no such thing")))
			default:
				resp, _ := wire.NewResponse(msg, map[string]string{"topic": msg.Topic})
				_ = wire.WriteFrame(conn, resp)
			}
		}
	}()
	return sock
}

func TestCall(t *testing.T) {
	sock := fakeConnector(t)

	c, err := Connect("local://" + sock)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call("cmb.ping", wire.NodeAny, 0, map[string]int{"seq": 1})
	require.NoError(t, err)
	var body struct {
		Topic string `json:"topic"`
	}
	require.NoError(t, wire.UnpackPayload(resp, &body))
	assert.Equal(t, "cmb.ping", body.Topic)
}

func TestCallErrorResponse(t *testing.T) {
	sock := fakeConnector(t)

	c, err := Connect(sock) // bare path works too
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call("err.me", wire.NodeAny, 0, map[string]int{})
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrNotFound)
}

func TestSubscribe(t *testing.T) {
	sock := fakeConnector(t)

	c, err := Connect(sock)
	require.NoError(t, err)
	defer c.Close()

	events, err := c.Subscribe("hb")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "hb", ev.Topic)
		assert.Equal(t, uint32(1), ev.Sequence)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	require.NoError(t, c.Unsubscribe(events))
}

func TestCallAfterClose(t *testing.T) {
	sock := fakeConnector(t)

	c, err := Connect(sock)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Call("cmb.ping", wire.NodeAny, 0, map[string]int{})
	assert.Error(t, err)
}
