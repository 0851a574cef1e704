package attrs

import (
	"sort"

	"github.com/canopymq/canopy/pkg/wire"
)

// Flags control how an attribute may be accessed.
type Flags uint8

const (
	// FlagImmutable rejects every write once set. The flag itself is
	// monotonic: it can be added but never cleared.
	FlagImmutable Flags = 1 << iota
	// FlagReadOnly rejects writes arriving over RPC; the broker itself
	// may still update the value.
	FlagReadOnly
	// FlagActive computes the value through a getter on every read.
	FlagActive
)

// GetFunc produces the current value of an active attribute.
type GetFunc func(name string) (string, error)

// SetFunc applies a write to an active attribute.
type SetFunc func(name, value string) error

type entry struct {
	value  string
	hasVal bool
	flags  Flags
	get    GetFunc
	set    SetFunc
}

// Store maps attribute names to values with per-entry flags. It is owned
// by the broker reactor and must not be shared across goroutines.
type Store struct {
	entries map[string]*entry
}

// NewStore creates an empty attribute store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Add inserts a new attribute. Fails if the name is already present.
func (s *Store) Add(name, value string, flags Flags) error {
	if _, ok := s.entries[name]; ok {
		return wire.Errorf(wire.ErrExists, "attribute %s already exists", name)
	}
	s.entries[name] = &entry{value: value, hasVal: true, flags: flags}
	return nil
}

// AddActive inserts an attribute whose value is computed on read and,
// when a setter is given, applied on write.
func (s *Store) AddActive(name string, flags Flags, get GetFunc, set SetFunc) error {
	if _, ok := s.entries[name]; ok {
		return wire.Errorf(wire.ErrExists, "attribute %s already exists", name)
	}
	s.entries[name] = &entry{flags: flags | FlagActive, get: get, set: set}
	return nil
}

// Get returns the attribute's value, invoking the getter for active
// entries.
func (s *Store) Get(name string) (string, error) {
	e, ok := s.entries[name]
	if !ok {
		return "", wire.Errorf(wire.ErrNotFound, "attribute %s not found", name)
	}
	if e.flags&FlagActive != 0 && e.get != nil {
		return e.get(name)
	}
	if !e.hasVal {
		return "", wire.Errorf(wire.ErrNotFound, "attribute %s has no value", name)
	}
	return e.value, nil
}

// Set updates an attribute's value. With replace false, a missing name is
// an error; with replace true it is created.
func (s *Store) Set(name, value string, replace bool) error {
	e, ok := s.entries[name]
	if !ok {
		if !replace {
			return wire.Errorf(wire.ErrNotFound, "attribute %s not found", name)
		}
		s.entries[name] = &entry{value: value, hasVal: true}
		return nil
	}
	if e.flags&FlagImmutable != 0 {
		return wire.Errorf(wire.ErrImmutable, "attribute %s is immutable", name)
	}
	if e.flags&FlagActive != 0 {
		if e.set == nil {
			return wire.Errorf(wire.ErrImmutable, "attribute %s is not writable", name)
		}
		return e.set(name, value)
	}
	e.value = value
	e.hasVal = true
	return nil
}

// SetFlags replaces an attribute's flags. The immutable bit is monotonic
// and survives the replacement.
func (s *Store) SetFlags(name string, flags Flags) error {
	e, ok := s.entries[name]
	if !ok {
		return wire.Errorf(wire.ErrNotFound, "attribute %s not found", name)
	}
	if e.flags&FlagImmutable != 0 {
		flags |= FlagImmutable
	}
	if e.flags&FlagActive != 0 {
		flags |= FlagActive
	}
	e.flags = flags
	return nil
}

// Flags returns an attribute's flag set.
func (s *Store) Flags(name string) (Flags, error) {
	e, ok := s.entries[name]
	if !ok {
		return 0, wire.Errorf(wire.ErrNotFound, "attribute %s not found", name)
	}
	return e.flags, nil
}

// Delete removes an attribute. Immutable entries survive unless force is
// set.
func (s *Store) Delete(name string, force bool) error {
	e, ok := s.entries[name]
	if !ok {
		return wire.Errorf(wire.ErrNotFound, "attribute %s not found", name)
	}
	if e.flags&FlagImmutable != 0 && !force {
		return wire.Errorf(wire.ErrImmutable, "attribute %s is immutable", name)
	}
	delete(s.entries, name)
	return nil
}

// List returns all attribute names in sorted order.
func (s *Store) List() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seal marks an attribute immutable, creating it with value first if the
// name is absent. For an existing attribute a non-empty value replaces the
// current one and an empty value leaves it unchanged. Used to pin down
// boot-time facts before the reactor starts.
func (s *Store) Seal(name, value string) error {
	if _, ok := s.entries[name]; !ok {
		if err := s.Add(name, value, FlagImmutable); err != nil {
			return err
		}
		return nil
	}
	if value != "" {
		if err := s.Set(name, value, false); err != nil {
			return err
		}
	}
	e := s.entries[name]
	e.flags |= FlagImmutable
	return nil
}
