package broker

import (
	"strconv"
	"time"

	"github.com/canopymq/canopy/pkg/attrs"
	"github.com/canopymq/canopy/pkg/wire"
)

// hello is the one-shot wire-up protocol: each non-root rank announces
// itself upstream, the root counts announcements, and when every rank
// has been seen the session advances to run level 1.
type hello struct {
	b        *Broker
	seen     map[uint32]bool
	complete bool
	started  time.Time
}

func newHello(b *Broker) *hello {
	h := &hello{b: b, seen: make(map[uint32]bool)}
	b.handlers["cmb.hello"] = h.recvRequest
	_ = b.attrs.AddActive("hello.count", attrs.FlagReadOnly,
		func(string) (string, error) {
			return strconv.FormatUint(uint64(h.count()), 10), nil
		}, nil)
	_ = b.attrs.AddActive("hello.complete", attrs.FlagReadOnly,
		func(string) (string, error) {
			return strconv.FormatBool(h.complete), nil
		}, nil)
	return h
}

func (h *hello) count() uint32 {
	return uint32(len(h.seen))
}

// start runs after the overlay is connected. The root seeds the count
// with itself; everyone else announces upstream.
func (h *hello) start() {
	h.started = time.Now()
	if h.b.tree.Rank() == 0 {
		h.seen[0] = true
		h.checkComplete()
		if !h.complete {
			h.logProgress()
		}
		return
	}
	req, err := wire.NewRequest("cmb.hello", 0, wire.FlagNoResponse,
		map[string]uint32{"rank": h.b.tree.Rank()})
	if err != nil {
		h.b.logger.Error().Err(err).Msg("building hello")
		return
	}
	if err := h.b.inject(req); err != nil {
		h.b.logger.Error().Err(err).Msg("sending hello")
	}
}

// recvRequest counts a rank at the root. Intermediate ranks never see
// this handler: the request is addressed to rank 0 and forwarded
// unchanged.
func (h *hello) recvRequest(msg *wire.Message) error {
	var body struct {
		Rank uint32 `json:"rank"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	if !h.seen[body.Rank] {
		h.seen[body.Rank] = true
		h.checkComplete()
	}
	return nil
}

func (h *hello) checkComplete() {
	if h.complete || h.count() != h.b.tree.Size() {
		return
	}
	h.complete = true
	elapsed := time.Since(h.started)
	h.b.logger.Info().
		Uint32("count", h.count()).
		Uint32("size", h.b.tree.Size()).
		Dur("elapsed", elapsed).
		Msgf("hello: %d/%d (complete) %.2fs", h.count(), h.b.tree.Size(), elapsed.Seconds())
	h.b.runlevel.setLevel(1)
}

// logProgress reports an incomplete wire-up once per second until every
// rank has been seen.
func (h *hello) logProgress() {
	time.AfterFunc(time.Second, func() {
		h.b.runq.push(func() {
			if h.complete || h.b.quit {
				return
			}
			h.b.logger.Info().
				Uint32("count", h.count()).
				Uint32("size", h.b.tree.Size()).
				Msgf("hello: %d/%d (incomplete)", h.count(), h.b.tree.Size())
			h.logProgress()
		})
	})
}
