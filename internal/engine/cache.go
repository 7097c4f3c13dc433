package engine

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/voxlocal/kokorod/internal/device"
)

// Cache memoizes one pipeline per language code. Construction is
// single-flight: concurrent callers for the same uninitialized language wait
// for and share the first caller's result. Only successful constructions are
// memoized.
type Cache struct {
	build    Constructor
	decision func() device.Decision
	log      *zap.Logger

	group singleflight.Group

	mu      sync.Mutex
	gen     uint64
	entries map[string]Pipeline
}

// NewCache wires a constructor to a decision source. The decision is read at
// construction time, not capture time, so a pipeline built after a force-CPU
// override lands on the new device.
func NewCache(build Constructor, decision func() device.Decision, log *zap.Logger) *Cache {
	return &Cache{
		build:    build,
		decision: decision,
		log:      log,
		entries:  make(map[string]Pipeline),
	}
}

// Get returns the pipeline for lang, constructing it on first use.
// Lookups of already-built handles never block on other languages'
// constructions.
func (c *Cache) Get(ctx context.Context, lang string) (Pipeline, error) {
	c.mu.Lock()
	if p, ok := c.entries[lang]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(lang, func() (any, error) {
		// The build's result is shared by every waiter and memoized for
		// later requests, so it must not die with the first caller: a
		// disconnect during a long model load would fail the whole flight.
		return c.buildAndStore(context.WithoutCancel(ctx), lang)
	})
	if err != nil {
		return nil, err
	}
	return v.(Pipeline), nil
}

// buildAndStore constructs a pipeline and inserts it unless the cache was
// cleared mid-construction. A construction that raced a clear is thrown away
// and retried under the new decision, so a stale handle is never served to a
// later request.
func (c *Cache) buildAndStore(ctx context.Context, lang string) (Pipeline, error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if p, ok := c.entries[lang]; ok {
			c.mu.Unlock()
			return p, nil
		}
		gen := c.gen
		c.mu.Unlock()

		d := c.decision()
		p, err := c.build(ctx, lang, d)
		if err != nil {
			c.log.Error("pipeline construction failed",
				zap.String("language", lang),
				zap.String("device", string(d.Device)),
				zap.Error(err))
			return nil, err
		}

		c.mu.Lock()
		if c.gen == gen {
			c.entries[lang] = p
			c.mu.Unlock()
			return p, nil
		}
		c.mu.Unlock()

		// Cache was flushed while we were building; the decision may have
		// changed underneath us.
		c.log.Info("discarding pipeline built under a stale decision",
			zap.String("language", lang),
			zap.Int("attempt", attempt+1))
		_ = p.Close()
		if attempt >= 2 {
			// Repeated flushes mid-build; give up retrying and build once
			// more under whatever decision is current.
			d = c.decision()
			p, err = c.build(ctx, lang, d)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.entries[lang] = p
			c.mu.Unlock()
			return p, nil
		}
	}
}

// Clear closes and drops every handle. Called on force-CPU and device-mode
// switches; in-flight invocations on old handles run to completion on their
// original device.
func (c *Cache) Clear() {
	c.mu.Lock()
	dropped := c.entries
	c.entries = make(map[string]Pipeline)
	c.gen++
	c.mu.Unlock()

	// Close in the background: a dropped handle may still be serving an
	// in-flight invocation, which runs to completion before Close proceeds.
	for lang, p := range dropped {
		go func(lang string, p Pipeline) {
			if err := p.Close(); err != nil {
				c.log.Warn("closing pipeline", zap.String("language", lang), zap.Error(err))
			}
		}(lang, p)
	}
	if len(dropped) > 0 {
		c.log.Info("pipeline cache cleared", zap.Int("dropped", len(dropped)))
	}
}

// Languages lists the languages with live handles, sorted.
func (c *Cache) Languages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for lang := range c.entries {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Snapshot describes live handles for diagnostics.
type Snapshot struct {
	Language string        `json:"language"`
	Device   device.Device `json:"device"`
	Degraded bool          `json:"degraded,omitempty"`
}

func (c *Cache) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.entries))
	for _, p := range c.entries {
		out = append(out, Snapshot{Language: p.Language(), Device: p.Device(), Degraded: p.Degraded()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}
