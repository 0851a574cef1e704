package boot

import (
	"fmt"

	"github.com/canopymq/canopy/pkg/overlay"
	"github.com/canopymq/canopy/pkg/pmi"
)

// PMIMethod bootstraps through the process manager's key-value space:
// each rank publishes its bound endpoint, barriers, then reads its
// parent's.
type PMIMethod struct {
	client *pmi.Client
	k      uint32
}

// NewPMIMethod opens the PMI connection inherited from the process
// manager.
func NewPMIMethod(k uint32) (*PMIMethod, error) {
	client, err := pmi.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pmi: %w", err)
	}
	return &PMIMethod{client: client, k: k}, nil
}

// Name implements Method.
func (m *PMIMethod) Name() string {
	if m.client.Singleton() {
		return "single"
	}
	return "pmi"
}

// RankSize implements Method.
func (m *PMIMethod) RankSize() (uint32, uint32, string, error) {
	return uint32(m.client.Rank()), uint32(m.client.Size()), m.client.KVSName(), nil
}

// BindURI implements Method: the kernel picks a free port; the bound
// address is published through the key-value space.
func (m *PMIMethod) BindURI(rank uint32) string {
	return "tcp://0.0.0.0:0"
}

func endpointKey(rank uint32) string {
	return fmt.Sprintf("tbon.endpoint.%d", rank)
}

// ExchangeEndpoints implements Method.
func (m *PMIMethod) ExchangeEndpoints(rank uint32, endpoint string) (string, error) {
	if endpoint != "" {
		if err := m.client.Put(endpointKey(rank), endpoint); err != nil {
			return "", fmt.Errorf("publishing endpoint: %w", err)
		}
	}
	if err := m.client.Barrier(); err != nil {
		return "", fmt.Errorf("pmi barrier: %w", err)
	}
	parent := overlay.ParentOf(m.k, rank)
	if parent == overlay.None {
		return "", nil
	}
	uri, err := m.client.Get(endpointKey(parent))
	if err != nil {
		return "", fmt.Errorf("resolving parent endpoint: %w", err)
	}
	return uri, nil
}

// Finalize implements Method.
func (m *PMIMethod) Finalize() error { return m.client.Finalize() }
