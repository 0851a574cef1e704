package broker

import (
	"errors"
	"strconv"

	"github.com/canopymq/canopy/pkg/metrics"
	"github.com/canopymq/canopy/pkg/module"
	"github.com/canopymq/canopy/pkg/overlay"
	"github.com/canopymq/canopy/pkg/wire"
)

// errorMode selects what a routing failure turns into: a synthesized
// error response back along the route stack, or a plain error return for
// locally injected requests.
type errorMode int

const (
	errorModeRespond errorMode = iota
	errorModeReturn
)

// childRecv handles one message arriving on the child endpoint. The
// overlay has already stamped the sending child's identity on the route
// stack (ROUTER receive behavior).
func (b *Broker) childRecv(msg *wire.Message) {
	metrics.MessagesTotal.WithLabelValues(msg.Type.String(), "child").Inc()
	switch msg.Type {
	case wire.TypeKeepalive:
		// Arrival already refreshed the peer clock; nothing else to do.
	case wire.TypeRequest:
		_ = b.requestSend(msg, errorModeRespond)
	case wire.TypeResponse:
		// A response traveling up rides the child endpoint backwards:
		// discard the stamped identity and the self-rank hop pushed by
		// the sender's downward-request helper.
		msg.PopRoute()
		msg.PopRoute()
		if err := b.responseSend(msg); err != nil {
			b.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("dropping response")
		}
	case wire.TypeEvent:
		_ = b.eventSend(msg)
	}
}

// parentRecv handles one message arriving from the parent.
func (b *Broker) parentRecv(msg *wire.Message) {
	metrics.MessagesTotal.WithLabelValues(msg.Type.String(), "parent").Inc()
	switch msg.Type {
	case wire.TypeResponse:
		if err := b.responseSend(msg); err != nil {
			b.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("dropping response")
		}
	case wire.TypeEvent:
		msg.ClearRoutes()
		b.handleEvent(msg)
	case wire.TypeRequest:
		_ = b.requestSend(msg, errorModeRespond)
	default:
		b.logger.Error().Str("type", msg.Type.String()).Msg("unexpected message from parent")
	}
}

// moduleRecv handles one message from a module's outbox.
func (b *Broker) moduleRecv(m *module.Module, msg *wire.Message) {
	metrics.MessagesTotal.WithLabelValues(msg.Type.String(), "module").Inc()
	switch msg.Type {
	case wire.TypeResponse:
		if err := b.responseSend(msg); err != nil {
			b.logger.Debug().Err(err).Str("module", m.Name()).Msg("dropping module response")
		}
	case wire.TypeRequest:
		// The module channel behaves like a ROUTER endpoint: stamp the
		// module's identity so the response can unwind to it.
		msg.PushRoute(m.UUID())
		if msg.UserID == wire.UserIDUnknown {
			msg.UserID = b.userID
			msg.RoleMask = b.rolemask
		}
		_ = b.requestSend(msg, errorModeRespond)
	case wire.TypeEvent:
		if err := b.eventSend(msg); err != nil {
			b.logger.Error().Err(err).Str("module", m.Name()).Msg("event send failed")
		}
	case wire.TypeKeepalive:
		status, errnum, err := wire.KeepaliveDecode(msg)
		if err != nil {
			b.logger.Error().Err(err).Str("module", m.Name()).Msg("bad keepalive")
			return
		}
		b.modhash.SetStatus(m, module.Status(status), errnum)
	}
}

// requestSend implements the request dispatch table: destination rank,
// UPSTREAM flag, and local service matches decide between local
// dispatch, a hop toward the root, and a hop down a child subtree.
func (b *Broker) requestSend(msg *wire.Message, mode errorMode) error {
	rank := b.tree.Rank()
	size := b.tree.Size()

	var err error
	switch {
	case msg.Flags.Has(wire.FlagUpstream) && msg.NodeID == rank:
		err = b.tree.SendParent(msg)

	case msg.Flags.Has(wire.FlagUpstream) && msg.NodeID != rank:
		err = b.localDispatch(msg)
		if errors.Is(err, wire.ErrNoService) {
			err = b.forwardParent(msg, err)
		}

	case msg.NodeID == wire.NodeAny:
		err = b.localDispatch(msg)
		if errors.Is(err, wire.ErrNoService) {
			err = b.forwardParent(msg, err)
		}

	case msg.NodeID == rank:
		err = b.localDispatch(msg)

	default:
		if gw := overlay.ChildRoute(b.tree.K(), size, rank, msg.NodeID); gw != overlay.None {
			err = b.subvertSendChild(msg, gw)
		} else {
			err = b.tree.SendParent(msg)
		}
	}

	if err == nil {
		return nil
	}
	metrics.RoutingErrorsTotal.WithLabelValues(strconv.Itoa(int(wire.CodeOf(err)))).Inc()
	if mode == errorModeReturn {
		return err
	}
	b.respondError(msg, err)
	return nil
}

// forwardParent forwards a request that found no local service. At the
// root there is nowhere left to go and the original no-service error is
// preserved.
func (b *Broker) forwardParent(msg *wire.Message, noService error) error {
	err := b.tree.SendParent(msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, wire.ErrNoHost) {
		return noService
	}
	return err
}

// localDispatch hands a request to the service switch.
func (b *Broker) localDispatch(msg *wire.Message) error {
	return b.services.Send(msg)
}

// subvertSendChild sends a request down the tree. Requests normally flow
// toward the root, so the downward direction subverts the child
// endpoint's addressing: the self rank is pushed first (the hop the
// response must take back up), then the gateway rank the endpoint
// consumes to pick the connection.
func (b *Broker) subvertSendChild(msg *wire.Message, gw uint32) error {
	cpy := msg.Copy()
	cpy.PushRoute(strconv.FormatUint(uint64(b.tree.Rank()), 10))
	cpy.PushRoute(strconv.FormatUint(uint64(gw), 10))
	return b.tree.SendChild(cpy)
}

// responseSend unwinds a response one hop along its route stack.
func (b *Broker) responseSend(msg *wire.Message) error {
	next, ok := msg.NextRoute()
	if !ok {
		// No next hop: the response is for a broker-resident requester.
		b.deliverLocal(msg)
		return nil
	}

	// A hop equal to the parent's rank unwinds a request that was sent
	// down the tree: the response heads up, and the receiving end
	// compensates for the reversed endpoint direction.
	parent := overlay.ParentOf(b.tree.K(), b.tree.Rank())
	if parent != overlay.None && next == strconv.FormatUint(uint64(parent), 10) {
		return b.tree.SendParent(msg)
	}

	if err := b.modhash.ResponseSend(msg); err == nil {
		return nil
	} else if !errors.Is(err, wire.ErrNoService) {
		return err
	}
	return b.tree.SendChild(msg)
}

// eventSend puts an event on the distribution path: non-root ranks
// funnel it to the root, the root sequences and publishes.
func (b *Broker) eventSend(msg *wire.Message) error {
	cpy := msg.Copy()
	cpy.ClearRoutes()
	if b.tree.Rank() > 0 {
		return b.tree.SendParent(cpy)
	}
	return b.publish(cpy)
}

// handleEvent applies an event at this rank: duplicate suppression, gap
// logging, downstream multicast, and local subscriber delivery.
func (b *Broker) handleEvent(msg *wire.Message) {
	seq := msg.Sequence
	if seq <= b.eventRecvSeq {
		return
	}
	if b.eventRecvSeq > 0 {
		first := b.eventRecvSeq + 1
		count := seq - first
		if count > 1 {
			b.logger.Error().Uint32("first", first).Uint32("last", seq-1).Msgf("lost events %d-%d", first, seq-1)
			metrics.EventsLostTotal.Add(float64(count))
		} else if count == 1 {
			b.logger.Error().Uint32("seq", first).Msgf("lost event %d", first)
			metrics.EventsLostTotal.Inc()
		}
	}
	b.eventRecvSeq = seq
	metrics.EventRecvSeq.Set(float64(seq))

	if err := b.tree.MulticastChildren(msg); err != nil {
		b.logger.Error().Err(err).Msg("event multicast failed")
	}

	// Broker-resident subscribers.
	for _, sub := range b.subscriptions {
		if matchPrefix(msg.Topic, sub.prefix) {
			sub.handler(msg)
		}
	}

	// Module subscribers.
	b.modhash.EventMulticast(msg)
}

// deliverLocal terminates a message at the broker itself. Responses to
// fire-and-forget internal requests land here.
func (b *Broker) deliverLocal(msg *wire.Message) {
	switch msg.Type {
	case wire.TypeEvent:
		for _, sub := range b.subscriptions {
			if matchPrefix(msg.Topic, sub.prefix) {
				sub.handler(msg)
			}
		}
	case wire.TypeResponse:
		if err := wire.ResponseError(msg); err != nil {
			b.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("internal request failed")
		}
	}
}

// respondError synthesizes an error response back along the request's
// route stack. Requests flagged no-response only log.
func (b *Broker) respondError(req *wire.Message, cause error) {
	if req.Flags.Has(wire.FlagNoResponse) {
		b.logger.Debug().Err(cause).Str("topic", req.Topic).Msg("dropping request")
		return
	}
	resp := wire.NewErrorResponse(req, cause)
	if err := b.responseSend(resp); err != nil {
		b.logger.Debug().Err(err).Str("topic", req.Topic).Msg("dropping error response")
	}
}

// respond sends a success response for a request handled by a built-in
// service.
func (b *Broker) respond(req *wire.Message, payload interface{}) error {
	if req.Flags.Has(wire.FlagNoResponse) {
		return nil
	}
	resp, err := wire.NewResponse(req, payload)
	if err != nil {
		return err
	}
	return b.responseSend(resp)
}

func matchPrefix(topic, prefix string) bool {
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}
