package broker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/canopymq/canopy/pkg/metrics"
	"github.com/canopymq/canopy/pkg/wire"
)

// heartbeat publishes the periodic hb event from the root and tracks the
// last observed epoch everywhere.
type heartbeat struct {
	b      *Broker
	rate   time.Duration
	epoch  uint32
	ticker *time.Ticker
	stopCh chan struct{}
}

func newHeartbeat(b *Broker, rate time.Duration) *heartbeat {
	hb := &heartbeat{b: b, rate: rate, stopCh: make(chan struct{})}
	_ = b.attrs.AddActive("heartbeat.rate", 0,
		func(string) (string, error) {
			return fmt.Sprintf("%g", hb.rate.Seconds()), nil
		},
		func(_, value string) error {
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil || secs <= 0 {
				return wire.Errorf(wire.ErrMalformed, "bad heartbeat rate %q", value)
			}
			hb.rate = time.Duration(secs * float64(time.Second))
			if hb.ticker != nil {
				hb.ticker.Reset(hb.rate)
			}
			return nil
		})
	return hb
}

// start installs the periodic timer at rank 0.
func (hb *heartbeat) start() {
	if hb.b.tree.Rank() != 0 {
		return
	}
	hb.b.logger.Info().Dur("period", hb.rate).Msg("installing session heartbeat")
	hb.ticker = time.NewTicker(hb.rate)
	go func() {
		for {
			select {
			case <-hb.stopCh:
				return
			case <-hb.ticker.C:
				hb.b.runq.push(hb.tick)
			}
		}
	}()
}

func (hb *heartbeat) tick() {
	hb.epoch++
	if err := hb.b.publishInternal("hb", map[string]uint32{"epoch": hb.epoch}); err != nil {
		hb.b.logger.Error().Err(err).Msg("publishing heartbeat")
	}
}

// recv runs on every rank for each hb event delivered by the normal
// event path. It doubles as the cadence for idle-peer checks.
func (hb *heartbeat) recv(msg *wire.Message) {
	var body struct {
		Epoch uint32 `json:"epoch"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		hb.b.logger.Error().Err(err).Msg("malformed hb event")
		return
	}
	hb.epoch = body.Epoch
	metrics.HeartbeatEpoch.Set(float64(body.Epoch))
	if hb.b.net != nil {
		hb.b.net.LogIdlePeers()
	}
}

func (hb *heartbeat) stop() {
	select {
	case <-hb.stopCh:
	default:
		close(hb.stopCh)
	}
	if hb.ticker != nil {
		hb.ticker.Stop()
	}
}
