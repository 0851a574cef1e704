// Package service implements the per-broker service switch: the mapping
// from the first dot-delimited topic component to a dispatch callback and
// its owning module.
package service

import (
	"strings"

	"github.com/canopymq/canopy/pkg/wire"
)

// DispatchFunc handles one message addressed to a registered service.
type DispatchFunc func(msg *wire.Message) error

type entry struct {
	owner    string
	dispatch DispatchFunc
}

// Switch routes messages to registered services by exact match on the
// service name. Owned by the broker reactor.
type Switch struct {
	services map[string]*entry
}

// NewSwitch creates an empty service switch.
func NewSwitch() *Switch {
	return &Switch{services: make(map[string]*entry)}
}

// Register installs a dispatch callback under name. owner is the uuid of
// the registering module, or empty for broker-internal services. The name
// must not contain '.', since the switch matches on the first
// dot-delimited topic component.
func (s *Switch) Register(name, owner string, dispatch DispatchFunc) error {
	if strings.ContainsRune(name, '.') {
		return wire.Errorf(wire.ErrMalformed, "service name %q contains '.'", name)
	}
	if _, ok := s.services[name]; ok {
		return wire.Errorf(wire.ErrExists, "service %s already registered", name)
	}
	s.services[name] = &entry{owner: owner, dispatch: dispatch}
	return nil
}

// Unregister removes a service by name.
func (s *Switch) Unregister(name string) {
	delete(s.services, name)
}

// Owner returns the owning module uuid for a service, or an error if the
// name is unknown.
func (s *Switch) Owner(name string) (string, error) {
	e, ok := s.services[name]
	if !ok {
		return "", wire.Errorf(wire.ErrNotFound, "service %s not registered", name)
	}
	return e.owner, nil
}

// ListByOwner returns the names of all services registered by owner.
func (s *Switch) ListByOwner(owner string) []string {
	var names []string
	for name, e := range s.services {
		if e.owner == owner && owner != "" {
			names = append(names, name)
		}
	}
	return names
}

// UnregisterByOwner removes every service registered by owner. Called on
// the owning module's EXITED transition, before any rmmod response is
// sent.
func (s *Switch) UnregisterByOwner(owner string) {
	if owner == "" {
		return
	}
	for name, e := range s.services {
		if e.owner == owner {
			delete(s.services, name)
		}
	}
}

// Send looks up the service named by the first dot-delimited component of
// the message topic and invokes its dispatch callback. A missing service
// is a no-service error; the caller decides whether to forward upstream
// or respond with the error.
func (s *Switch) Send(msg *wire.Message) error {
	e, ok := s.services[msg.ServiceName()]
	if !ok {
		return wire.Errorf(wire.ErrNoService, "no service matching %s is registered", msg.Topic)
	}
	return e.dispatch(msg)
}
