// Package boot derives a broker's place in the session — rank, size,
// session identity, and overlay endpoints — before the reactor starts.
// Two methods exist: a static configuration file, and a process-manager
// key-value exchange (the default).
package boot

import (
	"fmt"
	"strconv"

	"github.com/canopymq/canopy/pkg/attrs"
)

// Method is a bootstrap strategy. The broker binds its child endpoint
// between RankSize and ExchangeEndpoints so the bound address can be
// published to peers.
type Method interface {
	// Name identifies the method for the boot.method attribute.
	Name() string
	// RankSize resolves this broker's rank, the session size, and the
	// session identity.
	RankSize() (rank, size uint32, session string, err error)
	// BindURI returns the child endpoint this rank should listen on.
	BindURI(rank uint32) string
	// ExchangeEndpoints publishes this rank's bound endpoint and
	// resolves the parent's. The returned URI is empty at rank 0.
	ExchangeEndpoints(rank uint32, endpoint string) (parentURI string, err error)
	// Finalize releases the method's resources once bootstrap is done.
	Finalize() error
}

// CommitAttrs seals the bootstrap outcome into the attribute store.
// After this, rank, size, and the session identity are immutable for the
// broker's lifetime.
func CommitAttrs(store *attrs.Store, m Method, rank, size uint32, session, parentURI, endpoint string) error {
	seals := map[string]string{
		"session-id":  session,
		"rank":        strconv.FormatUint(uint64(rank), 10),
		"size":        strconv.FormatUint(uint64(size), 10),
		"boot.method": m.Name(),
	}
	for name, value := range seals {
		if err := store.Seal(name, value); err != nil {
			return fmt.Errorf("sealing %s: %w", name, err)
		}
	}
	if endpoint != "" {
		if err := store.Seal("tbon.endpoint", endpoint); err != nil {
			return fmt.Errorf("sealing tbon.endpoint: %w", err)
		}
	}
	if parentURI != "" {
		if err := store.Seal("tbon.parent-endpoint", parentURI); err != nil {
			return fmt.Errorf("sealing tbon.parent-endpoint: %w", err)
		}
	}
	return nil
}
