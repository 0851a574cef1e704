package broker

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/canopymq/canopy/pkg/wire"
)

// heaptraceStartCB records where heap profiles should be dumped.
func (b *Broker) heaptraceStartCB(msg *wire.Message) error {
	if err := requireOwner(msg); err != nil {
		return err
	}
	var body struct {
		Filename string `json:"filename"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	if body.Filename == "" {
		return wire.Errorf(wire.ErrMalformed, "heaptrace.start: filename required")
	}
	b.heaptraceFile = body.Filename
	return b.respond(msg, nil)
}

// heaptraceDumpCB writes a heap profile to the configured file.
func (b *Broker) heaptraceDumpCB(msg *wire.Message) error {
	if err := requireOwner(msg); err != nil {
		return err
	}
	if b.heaptraceFile == "" {
		return wire.Errorf(wire.ErrNotFound, "heaptrace.dump: tracing is not started")
	}
	f, err := os.Create(b.heaptraceFile)
	if err != nil {
		return wire.Errorf(wire.ErrTransport, "heaptrace.dump: %s", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
		return wire.Errorf(wire.ErrTransport, "heaptrace.dump: %s", err)
	}
	return b.respond(msg, nil)
}

// heaptraceStopCB ends tracing.
func (b *Broker) heaptraceStopCB(msg *wire.Message) error {
	if err := requireOwner(msg); err != nil {
		return err
	}
	if b.heaptraceFile == "" {
		return wire.Errorf(wire.ErrNotFound, "heaptrace.stop: tracing is not started")
	}
	b.heaptraceFile = ""
	return b.respond(msg, nil)
}
