package device

import (
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Invalidator is anything holding device-bound state that must be dropped
// when the decision changes. In practice this is the pipeline cache.
type Invalidator interface {
	Clear()
}

// Manager owns the published Decision. It exists so the decision is explicit
// injectable state rather than a process global: tests construct as many
// independent managers as they need.
type Manager struct {
	mu        sync.RWMutex
	decision  Decision
	profile   Profile
	policy    Policy
	caches    []Invalidator
	coreCount func() int
	log       *zap.Logger
}

func NewManager(decision Decision, profile Profile, policy Policy, log *zap.Logger) *Manager {
	return &Manager{
		decision:  decision,
		profile:   profile,
		policy:    policy,
		coreCount: runtime.NumCPU,
		log:       log,
	}
}

// AddInvalidator registers state to drop on a decision swap.
func (m *Manager) AddInvalidator(inv Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = append(m.caches, inv)
}

// Decision returns the current published decision.
func (m *Manager) Decision() Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.decision
}

// Profile returns the accelerator profile the startup decision was based on.
func (m *Manager) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// Policy returns the selection policy in effect.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// ForceCPU swaps in a manual cpu decision and invalidates all registered
// caches under the same lock, so no reader can pair the new decision with
// handles built under the old one. Pipelines already executing a request
// finish on their original device; only new constructions see the override.
func (m *Manager) ForceCPU() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decision = Decision{
		Device:      CPU,
		Rationale:   "manual override",
		ThreadCount: threadCount(m.coreCount(), m.policy.MaxThreads),
	}
	for _, inv := range m.caches {
		inv.Clear()
	}
	m.log.Info("device decision overridden",
		zap.String("device", string(m.decision.Device)),
		zap.Int("thread_count", m.decision.ThreadCount))
	return m.decision
}
