package broker

import (
	"time"

	"github.com/canopymq/canopy/pkg/overlay"
	"github.com/canopymq/canopy/pkg/wire"
)

// shutdown coordinates graceful stop. The root publishes the decision as
// a shutdown event so every broker in the session arms the same grace
// timer; a broker stopping on its own (signal before wire-up, transport
// failure) arms locally.
type shutdown struct {
	b      *Broker
	armed  bool
	rc     int
	reason string
	grace  time.Duration
}

func newShutdown(b *Broker) *shutdown {
	grace := b.cfg.ShutdownGrace
	if grace <= 0 {
		// Default scales with tree depth: deeper trees need longer for
		// the shutdown event to reach the leaves and for rc3 to finish.
		grace = time.Duration(overlay.Height(b.tree.K(), b.tree.Size())+1) * time.Second
	}
	return &shutdown{b: b, grace: grace}
}

// arm requests session shutdown with the given exit code.
func (s *shutdown) arm(rc int, reason string) {
	if s.armed {
		return
	}
	if s.b.tree.Rank() == 0 {
		// Publishing delivers locally through the normal event path,
		// which lands in recv below and arms the timer.
		err := s.b.publishInternal("shutdown", map[string]interface{}{
			"rc":       rc,
			"reason":   reason,
			"grace":    s.grace.Seconds(),
			"exitrank": s.b.tree.Rank(),
		})
		if err == nil {
			return
		}
		s.b.logger.Error().Err(err).Msg("publishing shutdown event")
	}
	s.armLocal(rc, reason)
}

// recv handles the shutdown event on every rank. Only the root carries
// the session exit code; everyone else exits 0 on a clean stop.
func (s *shutdown) recv(msg *wire.Message) {
	var body struct {
		RC     int     `json:"rc"`
		Reason string  `json:"reason"`
		Grace  float64 `json:"grace"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		s.b.logger.Error().Err(err).Msg("malformed shutdown event")
		return
	}
	rc := 0
	if s.b.tree.Rank() == 0 {
		rc = body.RC
	}
	s.armLocal(rc, body.Reason)
}

func (s *shutdown) armLocal(rc int, reason string) {
	if s.armed {
		return
	}
	s.armed = true
	s.rc = rc
	s.reason = reason
	s.b.logger.Info().
		Int("rc", rc).
		Str("reason", reason).
		Dur("grace", s.grace).
		Msg("shutdown armed")
	s.b.runlevel.killAll()
	if s.grace <= 0 {
		s.b.stopReactor(rc)
		return
	}
	time.AfterFunc(s.grace, func() {
		s.b.runq.push(func() { s.b.stopReactor(rc) })
	})
}
