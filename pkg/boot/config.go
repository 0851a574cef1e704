package boot

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/canopymq/canopy/pkg/overlay"
)

// FileConfig is the on-disk shape of a static bootstrap file: the full
// endpoint table is known ahead of time, one entry per rank.
type FileConfig struct {
	Session   string   `yaml:"session"`
	Size      uint32   `yaml:"size"`
	Endpoints []string `yaml:"endpoints"`
}

// ConfigMethod bootstraps from a static configuration file.
type ConfigMethod struct {
	cfg  FileConfig
	rank uint32
	k    uint32
}

// NewConfigMethod loads and validates a static bootstrap file. The rank
// is supplied externally (flag or environment), since every broker in
// the session shares one file.
func NewConfigMethod(path string, rank, k uint32) (*ConfigMethod, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading boot config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parsing boot config %s: %w", path, err)
	}
	if cfg.Size == 0 {
		cfg.Size = uint32(len(cfg.Endpoints))
	}
	if cfg.Size == 0 {
		return nil, fmt.Errorf("boot config %s: no size and no endpoints", path)
	}
	if uint32(len(cfg.Endpoints)) < cfg.Size {
		return nil, fmt.Errorf("boot config %s: %d endpoints for size %d",
			path, len(cfg.Endpoints), cfg.Size)
	}
	if rank >= cfg.Size {
		return nil, fmt.Errorf("boot config %s: rank %d out of range for size %d",
			path, rank, cfg.Size)
	}
	if cfg.Session == "" {
		cfg.Session = "canopy"
	}
	return &ConfigMethod{cfg: cfg, rank: rank, k: k}, nil
}

// Name implements Method.
func (m *ConfigMethod) Name() string { return "config" }

// RankSize implements Method.
func (m *ConfigMethod) RankSize() (uint32, uint32, string, error) {
	return m.rank, m.cfg.Size, m.cfg.Session, nil
}

// BindURI implements Method: each rank listens on its own table entry.
func (m *ConfigMethod) BindURI(rank uint32) string {
	return m.cfg.Endpoints[rank]
}

// ExchangeEndpoints implements Method. With a static table there is
// nothing to publish; the parent's endpoint is read directly.
func (m *ConfigMethod) ExchangeEndpoints(rank uint32, endpoint string) (string, error) {
	parent := overlay.ParentOf(m.k, rank)
	if parent == overlay.None {
		return "", nil
	}
	return m.cfg.Endpoints[parent], nil
}

// Finalize implements Method.
func (m *ConfigMethod) Finalize() error { return nil }
