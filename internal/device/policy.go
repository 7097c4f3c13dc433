package device

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Policy holds the tunable knobs of device selection. The defaults are
// hand-tuned for short per-utterance TTS inference and deliberately not
// baked into the algorithm: deployments with very different CPUs can ship a
// policy file instead of patching code.
type Policy struct {
	// PreferCPUCores is the logical-core count at or above which a CPU is
	// chosen over an older-but-supported accelerator.
	PreferCPUCores int `toml:"prefer_cpu_cores"`
	// MaxThreads caps the inference thread pool on CPU.
	MaxThreads int `toml:"max_threads"`
}

// DefaultPolicy returns the built-in selection policy.
func DefaultPolicy() Policy {
	return Policy{PreferCPUCores: 12, MaxThreads: 16}
}

// LoadPolicy reads a TOML policy file, falling back to defaults for a missing
// path or absent keys.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read device policy: %w", err)
	}
	if err := toml.Unmarshal(data, &p); err != nil {
		return DefaultPolicy(), fmt.Errorf("parse device policy: %w", err)
	}
	if p.PreferCPUCores <= 0 {
		p.PreferCPUCores = DefaultPolicy().PreferCPUCores
	}
	if p.MaxThreads <= 0 {
		p.MaxThreads = DefaultPolicy().MaxThreads
	}
	return p, nil
}
