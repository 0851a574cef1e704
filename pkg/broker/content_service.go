package broker

import (
	"errors"

	"github.com/canopymq/canopy/pkg/wire"
)

// The content cache is plumbed into routing as an ordinary local
// service. The router has no privileged path to it; these handlers are
// its entire surface.

// contentLoadCB serves a blob by digest. A miss below the root faults
// the request upstream instead of answering, so the response unwinds
// from whichever ancestor holds the blob.
func (b *Broker) contentLoadCB(msg *wire.Message) error {
	var body struct {
		Digest string `json:"digest"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	data, err := b.cache.Load(body.Digest)
	if err != nil {
		if errors.Is(err, wire.ErrNotFound) && b.tree.Rank() > 0 {
			return b.tree.SendParent(msg.Copy())
		}
		return err
	}
	return b.respond(msg, map[string]interface{}{"digest": body.Digest, "data": data})
}

func (b *Broker) contentStoreCB(msg *wire.Message) error {
	var body struct {
		Data []byte `json:"data"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	digest, err := b.cache.Store(body.Data)
	if err != nil {
		return wire.Errorf(wire.ErrTransport, "content.store: %s", err)
	}
	return b.respond(msg, map[string]string{"digest": digest})
}

func (b *Broker) contentFlushCB(msg *wire.Message) error {
	if err := b.cache.Flush(); err != nil {
		return wire.Errorf(wire.ErrTransport, "content.flush: %s", err)
	}
	return b.respond(msg, nil)
}

func (b *Broker) contentStatsCB(msg *wire.Message) error {
	count, bytes, err := b.cache.Stats()
	if err != nil {
		return wire.Errorf(wire.ErrTransport, "content.stats: %s", err)
	}
	return b.respond(msg, map[string]interface{}{"count": count, "size": bytes})
}

func (b *Broker) contentDropcacheCB(msg *wire.Message) error {
	b.cache.DropCache()
	return b.respond(msg, nil)
}
