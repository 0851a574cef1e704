package broker

import (
	"github.com/canopymq/canopy/pkg/metrics"
	"github.com/canopymq/canopy/pkg/wire"
)

// publish assigns the next sequence number and distributes an event from
// the root. Only rank 0 sequences; every other rank reaches this code
// indirectly by funneling events upstream.
func (b *Broker) publish(msg *wire.Message) error {
	b.eventSendSeq++
	msg.Sequence = b.eventSendSeq
	metrics.EventsPublishedTotal.Inc()
	b.handleEvent(msg)
	return nil
}

// publishInternal creates and sends an event on behalf of the broker
// itself, stamped with the instance owner's identity. On non-root ranks
// the event travels to the root for sequencing like any other.
func (b *Broker) publishInternal(topic string, payload interface{}) error {
	ev, err := wire.NewEvent(topic, payload)
	if err != nil {
		return err
	}
	ev.UserID = b.userID
	ev.RoleMask = b.rolemask
	return b.eventSend(ev)
}
