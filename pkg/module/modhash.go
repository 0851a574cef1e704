package module

import (
	"time"

	"github.com/canopymq/canopy/pkg/wire"
)

// StatusFunc observes a module's state transition at the broker. It runs
// on the reactor goroutine.
type StatusFunc func(m *Module, prev Status)

// Modhash is the broker's table of loaded modules, keyed both by name
// and by uuid (the route hop identity).
type Modhash struct {
	rank     uint32
	size     uint32
	byName   map[string]*Module
	byUUID   map[string]*Module
	statusCB StatusFunc
}

// NewModhash creates an empty module table for a broker at the given
// tree position.
func NewModhash(rank, size uint32) *Modhash {
	return &Modhash{
		rank:   rank,
		size:   size,
		byName: make(map[string]*Module),
		byUUID: make(map[string]*Module),
	}
}

// OnStatus installs the broker's state transition observer.
func (mh *Modhash) OnStatus(cb StatusFunc) { mh.statusCB = cb }

// Add loads the module registered under path's basename and starts its
// goroutine in INIT state.
func (mh *Modhash) Add(path string, args []string) (*Module, error) {
	name, main, err := lookup(path)
	if err != nil {
		return nil, err
	}
	if _, ok := mh.byName[name]; ok {
		return nil, wire.Errorf(wire.ErrExists, "module %s is already loaded", name)
	}
	m := newModule(name, path, args, mh.rank, mh.size)
	mh.byName[name] = m
	mh.byUUID[m.uuid] = m
	m.start(main)
	return m, nil
}

// Lookup finds a loaded module by name.
func (mh *Modhash) Lookup(name string) (*Module, error) {
	m, ok := mh.byName[name]
	if !ok {
		return nil, wire.Errorf(wire.ErrNotFound, "module %s is not loaded", name)
	}
	return m, nil
}

// LookupUUID finds a loaded module by route identity.
func (mh *Modhash) LookupUUID(id string) (*Module, bool) {
	m, ok := mh.byUUID[id]
	return m, ok
}

// Each calls fn for every loaded module.
func (mh *Modhash) Each(fn func(m *Module)) {
	for _, m := range mh.byName {
		fn(m)
	}
}

// Count returns the number of loaded modules.
func (mh *Modhash) Count() int { return len(mh.byName) }

// SetStatus applies a status reported by a module keepalive and invokes
// the transition observer.
func (mh *Modhash) SetStatus(m *Module, status Status, errnum int) {
	prev := m.status
	if status == prev {
		return
	}
	m.status = status
	m.lastSeen = time.Now()
	if status == StatusExited {
		m.errnum = errnum
	}
	if mh.statusCB != nil {
		mh.statusCB(m, prev)
	}
}

// Remove joins the module goroutine and drops the module from the
// table. Call only after the EXITED transition.
func (mh *Modhash) Remove(m *Module) {
	m.Join()
	delete(mh.byName, m.name)
	delete(mh.byUUID, m.uuid)
}

// ResponseSend routes a response whose next hop is a module identity.
// The identity is consumed on delivery, mirroring child sends.
func (mh *Modhash) ResponseSend(msg *wire.Message) error {
	id, ok := msg.NextRoute()
	if !ok {
		return wire.Errorf(wire.ErrNoService, "response has no next hop")
	}
	m, ok := mh.byUUID[id]
	if !ok {
		return wire.Errorf(wire.ErrNoService, "no module with identity %s", id)
	}
	msg.PopRoute()
	return m.Deliver(msg)
}

// EventMulticast delivers a copy of an event to every module with a
// matching topic-prefix subscription.
func (mh *Modhash) EventMulticast(msg *wire.Message) {
	for _, m := range mh.byName {
		if m.Subscribed(msg.Topic) {
			// Delivery is best effort; loss is visible via sequence gaps.
			_ = m.Deliver(msg.Copy())
		}
	}
}

// Lsmod returns one Info row per loaded module.
func (mh *Modhash) Lsmod() []Info {
	rows := make([]Info, 0, len(mh.byName))
	for _, m := range mh.byName {
		rows = append(rows, m.info())
	}
	return rows
}
