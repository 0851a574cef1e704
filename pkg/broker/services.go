package broker

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/canopymq/canopy/pkg/attrs"
	"github.com/canopymq/canopy/pkg/wire"
)

// registerServices installs the broker-internal services. Each service
// name routes to the handler table keyed by full topic; a verb with no
// handler is a no-service error, which lets an ANY-addressed request
// keep searching upstream.
func (b *Broker) registerServices() {
	b.handlers["cmb.ping"] = b.pingCB
	b.handlers["cmb.lsmod"] = b.lsmodCB
	b.handlers["cmb.insmod"] = b.insmodCB
	b.handlers["cmb.rmmod"] = b.rmmodCB
	b.handlers["cmb.lspeer"] = b.lspeerCB
	b.handlers["cmb.panic"] = b.panicCB
	b.handlers["cmb.disconnect"] = b.disconnectCB
	b.handlers["cmb.sub"] = b.subCB
	b.handlers["cmb.unsub"] = b.unsubCB
	b.handlers["cmb.rusage"] = b.rusageCB
	b.handlers["service.add"] = b.serviceAddCB
	b.handlers["service.remove"] = b.serviceRemoveCB
	b.handlers["attr.get"] = b.attrGetCB
	b.handlers["attr.set"] = b.attrSetCB
	b.handlers["attr.rm"] = b.attrRmCB
	b.handlers["attr.list"] = b.attrListCB
	b.handlers["log.append"] = b.logAppendCB
	b.handlers["heaptrace.start"] = b.heaptraceStartCB
	b.handlers["heaptrace.dump"] = b.heaptraceDumpCB
	b.handlers["heaptrace.stop"] = b.heaptraceStopCB
	b.handlers["rusage.get"] = b.rusageCB
	b.handlers["content.load"] = b.contentLoadCB
	b.handlers["content.store"] = b.contentStoreCB
	b.handlers["content.flush"] = b.contentFlushCB
	b.handlers["content.stats"] = b.contentStatsCB
	b.handlers["content.dropcache"] = b.contentDropcacheCB

	for _, name := range []string{"cmb", "service", "attr", "log", "heaptrace", "rusage", "content"} {
		if err := b.services.Register(name, "", b.dispatchBuiltin); err != nil {
			b.logger.Error().Err(err).Str("service", name).Msg("registering built-in service")
		}
	}
}

func (b *Broker) dispatchBuiltin(msg *wire.Message) error {
	handler, ok := b.handlers[msg.Topic]
	if !ok {
		return wire.Errorf(wire.ErrNoService, "unknown method %s", msg.Topic)
	}
	return handler(msg)
}

// requireOwner gates administrative operations on the caller's role.
func requireOwner(msg *wire.Message) error {
	if msg.RoleMask&wire.RoleOwner == 0 {
		return wire.Errorf(wire.ErrPermissionDenied, "%s requires the owner role", msg.Topic)
	}
	return nil
}

func (b *Broker) lsmodCB(msg *wire.Message) error {
	return b.respond(msg, map[string]interface{}{"mods": b.modhash.Lsmod()})
}

func (b *Broker) insmodCB(msg *wire.Message) error {
	if err := requireOwner(msg); err != nil {
		return err
	}
	var body struct {
		Path string   `json:"path"`
		Args []string `json:"args"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	path := body.Path
	if !filepath.IsAbs(path) {
		if modpath, err := b.attrs.Get("conf.module_path"); err == nil && modpath != "" {
			path = filepath.Join(modpath, path)
		}
	}
	m, err := b.loadModule(path, body.Args)
	if err != nil {
		return err
	}
	// The response is deferred until the module leaves INIT; the status
	// callback answers with either success or the module's own error.
	m.SetInsmod(msg.Copy())
	return nil
}

func (b *Broker) rmmodCB(msg *wire.Message) error {
	if err := requireOwner(msg); err != nil {
		return err
	}
	var body struct {
		Name   string `json:"name"`
		Cancel bool   `json:"cancel"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	m, err := b.modhash.Lookup(body.Name)
	if err != nil {
		return err
	}
	// Response deferred until EXITED, after service teardown.
	m.PushRmmod(msg.Copy())
	m.Stop()
	if body.Cancel {
		b.logger.Warn().Str("module", body.Name).Msg("rmmod with cancel: forcing stop at next safe point")
	}
	return nil
}

func (b *Broker) lspeerCB(msg *wire.Message) error {
	peers := map[string]float64{}
	if b.net != nil {
		peers = b.net.LspeerEncode()
	}
	return b.respond(msg, map[string]interface{}{"peers": peers})
}

func (b *Broker) panicCB(msg *wire.Message) error {
	if err := requireOwner(msg); err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = wire.UnpackPayload(msg, &body)
	// Intentionally un-graceful: no teardown, no response.
	os.Stderr.WriteString("PANIC: " + body.Reason + "\n")
	os.Exit(1)
	return nil
}

// disconnectCB records a departing sender. The connector already tore
// down everything this core holds for a client route (its registration
// and subscriptions) before injecting the disconnect, and this broker
// hosts no route-owned subprocess service, so beyond that local cleanup
// the request only marks the departure. It is not propagated to brokers
// the route transited.
func (b *Broker) disconnectCB(msg *wire.Message) error {
	if origin, ok := msg.OriginRoute(); ok {
		b.logger.Debug().Str("sender", origin).Msg("disconnect")
	}
	// No response by design.
	return nil
}

func (b *Broker) subCB(msg *wire.Message) error {
	var body struct {
		Topic string `json:"topic"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	origin, ok := msg.OriginRoute()
	if !ok {
		return wire.Errorf(wire.ErrMalformed, "cmb.sub: no sender identity")
	}
	m, found := b.modhash.LookupUUID(origin)
	if !found {
		return wire.Errorf(wire.ErrNotFound, "cmb.sub: sender %s is not a module", origin)
	}
	m.Subscribe(body.Topic)
	return b.respond(msg, nil)
}

func (b *Broker) unsubCB(msg *wire.Message) error {
	var body struct {
		Topic string `json:"topic"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	origin, ok := msg.OriginRoute()
	if !ok {
		return wire.Errorf(wire.ErrMalformed, "cmb.unsub: no sender identity")
	}
	m, found := b.modhash.LookupUUID(origin)
	if !found {
		return wire.Errorf(wire.ErrNotFound, "cmb.unsub: sender %s is not a module", origin)
	}
	m.Unsubscribe(body.Topic)
	return b.respond(msg, nil)
}

func (b *Broker) serviceAddCB(msg *wire.Message) error {
	var body struct {
		Service string `json:"service"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	origin, ok := msg.OriginRoute()
	if !ok {
		return wire.Errorf(wire.ErrMalformed, "service.add: no sender identity")
	}
	m, found := b.modhash.LookupUUID(origin)
	if !found {
		return wire.Errorf(wire.ErrNotFound, "service.add: sender %s is not a module", origin)
	}
	err := b.services.Register(body.Service, origin, func(req *wire.Message) error {
		return m.Deliver(req)
	})
	if err != nil {
		return err
	}
	return b.respond(msg, nil)
}

func (b *Broker) serviceRemoveCB(msg *wire.Message) error {
	var body struct {
		Service string `json:"service"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	origin, ok := msg.OriginRoute()
	if !ok {
		return wire.Errorf(wire.ErrMalformed, "service.remove: no sender identity")
	}
	owner, err := b.services.Owner(body.Service)
	if err != nil {
		return err
	}
	if owner != origin {
		return wire.Errorf(wire.ErrPermissionDenied,
			"service.remove: %s is not owned by the caller", body.Service)
	}
	b.services.Unregister(body.Service)
	return b.respond(msg, nil)
}

func (b *Broker) attrGetCB(msg *wire.Message) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	value, err := b.attrs.Get(body.Name)
	if err != nil {
		return err
	}
	return b.respond(msg, map[string]string{"name": body.Name, "value": value})
}

func (b *Broker) attrSetCB(msg *wire.Message) error {
	if err := requireOwner(msg); err != nil {
		return err
	}
	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	if flags, err := b.attrs.Flags(body.Name); err == nil && flags&attrs.FlagReadOnly != 0 {
		return wire.Errorf(wire.ErrImmutable, "attribute %s is read-only", body.Name)
	}
	if err := b.attrs.Set(body.Name, body.Value, true); err != nil {
		return err
	}
	return b.respond(msg, nil)
}

func (b *Broker) attrRmCB(msg *wire.Message) error {
	if err := requireOwner(msg); err != nil {
		return err
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	if flags, err := b.attrs.Flags(body.Name); err == nil && flags&attrs.FlagReadOnly != 0 {
		return wire.Errorf(wire.ErrImmutable, "attribute %s is read-only", body.Name)
	}
	if err := b.attrs.Delete(body.Name, false); err != nil {
		return err
	}
	return b.respond(msg, nil)
}

func (b *Broker) attrListCB(msg *wire.Message) error {
	return b.respond(msg, map[string]interface{}{"names": b.attrs.List()})
}

func (b *Broker) logAppendCB(msg *wire.Message) error {
	var body struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	logger := b.logger
	if body.Component != "" {
		logger = logger.With().Str("component", body.Component).Logger()
	}
	var ev *zerolog.Event
	switch body.Level {
	case "debug":
		ev = logger.Debug()
	case "warn":
		ev = logger.Warn()
	case "error":
		ev = logger.Error()
	default:
		ev = logger.Info()
	}
	ev.Msg(body.Message)
	return b.respond(msg, nil)
}
