package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopymq/canopy/pkg/wire"
)

func TestRegisterAndSend(t *testing.T) {
	sw := NewSwitch()
	var got *wire.Message
	require.NoError(t, sw.Register("kvs", "mod-1", func(msg *wire.Message) error {
		got = msg
		return nil
	}))

	msg := &wire.Message{Type: wire.TypeRequest, Topic: "kvs.get"}
	require.NoError(t, sw.Send(msg))
	assert.Equal(t, msg, got)

	// Dotted verbs all land on the same service.
	msg2 := &wire.Message{Type: wire.TypeRequest, Topic: "kvs.put.treeobj"}
	require.NoError(t, sw.Send(msg2))
	assert.Equal(t, msg2, got)
}

func TestNoService(t *testing.T) {
	sw := NewSwitch()
	err := sw.Send(&wire.Message{Type: wire.TypeRequest, Topic: "nope.get"})
	assert.True(t, errors.Is(err, wire.ErrNoService))
}

func TestRegisterRejectsDottedName(t *testing.T) {
	sw := NewSwitch()
	err := sw.Register("kvs.get", "", func(*wire.Message) error { return nil })
	assert.Error(t, err)
}

func TestRegisterDuplicate(t *testing.T) {
	sw := NewSwitch()
	require.NoError(t, sw.Register("foo", "", func(*wire.Message) error { return nil }))
	err := sw.Register("foo", "mod-2", func(*wire.Message) error { return nil })
	assert.True(t, errors.Is(err, wire.ErrExists))
}

func TestUnregisterByOwner(t *testing.T) {
	sw := NewSwitch()
	nop := func(*wire.Message) error { return nil }
	require.NoError(t, sw.Register("foo", "mod-1", nop))
	require.NoError(t, sw.Register("bar", "mod-1", nop))
	require.NoError(t, sw.Register("baz", "mod-2", nop))
	require.NoError(t, sw.Register("cmb", "", nop))

	assert.ElementsMatch(t, []string{"foo", "bar"}, sw.ListByOwner("mod-1"))

	sw.UnregisterByOwner("mod-1")
	assert.True(t, errors.Is(sw.Send(&wire.Message{Topic: "foo.x"}), wire.ErrNoService))
	assert.True(t, errors.Is(sw.Send(&wire.Message{Topic: "bar.x"}), wire.ErrNoService))
	assert.NoError(t, sw.Send(&wire.Message{Topic: "baz.x"}))

	// Broker-internal services have no owner and are never bulk-removed.
	sw.UnregisterByOwner("")
	assert.NoError(t, sw.Send(&wire.Message{Topic: "cmb.ping"}))
}

func TestOwner(t *testing.T) {
	sw := NewSwitch()
	require.NoError(t, sw.Register("foo", "mod-1", func(*wire.Message) error { return nil }))
	owner, err := sw.Owner("foo")
	require.NoError(t, err)
	assert.Equal(t, "mod-1", owner)

	_, err = sw.Owner("bar")
	assert.True(t, errors.Is(err, wire.ErrNotFound))
}
