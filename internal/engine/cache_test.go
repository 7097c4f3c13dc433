package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxlocal/kokorod/internal/device"
)

type fakePipeline struct {
	lang   string
	dev    device.Device
	closed atomic.Bool
}

func (f *fakePipeline) Invoke(context.Context, InvokeRequest) (SegmentStream, error) {
	return nil, errors.New("not implemented")
}
func (f *fakePipeline) Language() string      { return f.lang }
func (f *fakePipeline) Device() device.Device { return f.dev }
func (f *fakePipeline) Degraded() bool        { return false }
func (f *fakePipeline) Close() error          { f.closed.Store(true); return nil }

func staticDecision(d device.Device) func() device.Decision {
	return func() device.Decision { return device.Decision{Device: d} }
}

func TestCacheSingleFlight(t *testing.T) {
	var builds atomic.Int64
	build := func(ctx context.Context, lang string, d device.Decision) (Pipeline, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return &fakePipeline{lang: lang, dev: d.Device}, nil
	}
	c := NewCache(build, staticDecision(device.CPU), zap.NewNop())

	const callers = 16
	var wg sync.WaitGroup
	results := make([]Pipeline, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Get(context.Background(), "a")
			if err != nil {
				t.Errorf("Get error = %v", err)
				return
			}
			results[i] = p
		}(i)
	}
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Fatalf("constructor ran %d times for one language, want 1", n)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
}

func TestCacheSeparateLanguages(t *testing.T) {
	var builds atomic.Int64
	build := func(ctx context.Context, lang string, d device.Decision) (Pipeline, error) {
		builds.Add(1)
		return &fakePipeline{lang: lang, dev: d.Device}, nil
	}
	c := NewCache(build, staticDecision(device.CPU), zap.NewNop())

	for _, lang := range []string{"a", "b", "j", "a", "b"} {
		if _, err := c.Get(context.Background(), lang); err != nil {
			t.Fatalf("Get(%q) error = %v", lang, err)
		}
	}
	if n := builds.Load(); n != 3 {
		t.Fatalf("constructor ran %d times, want 3", n)
	}
	langs := c.Languages()
	if len(langs) != 3 || langs[0] != "a" || langs[1] != "b" || langs[2] != "j" {
		t.Fatalf("languages = %v", langs)
	}
}

func TestCacheDoesNotMemoizeFailures(t *testing.T) {
	var builds atomic.Int64
	build := func(ctx context.Context, lang string, d device.Decision) (Pipeline, error) {
		if builds.Add(1) == 1 {
			return nil, &InitError{Language: lang, Err: errors.New("missing voice pack")}
		}
		return &fakePipeline{lang: lang}, nil
	}
	c := NewCache(build, staticDecision(device.CPU), zap.NewNop())

	_, err := c.Get(context.Background(), "z")
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("first Get error = %v, want InitError", err)
	}
	if _, err := c.Get(context.Background(), "z"); err != nil {
		t.Fatalf("second Get error = %v, want retry success", err)
	}
	if n := builds.Load(); n != 2 {
		t.Fatalf("constructor ran %d times, want 2", n)
	}
}

func TestCacheBuildSurvivesFirstCallerCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	build := func(ctx context.Context, lang string, d device.Decision) (Pipeline, error) {
		close(started)
		<-release
		// The build runs detached from the caller that happened to start
		// the flight; its result is shared and memoized.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &fakePipeline{lang: lang, dev: d.Device}, nil
	}
	c := NewCache(build, staticDecision(device.CPU), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "a")
		firstErr <- err
	}()
	<-started
	cancel()

	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "a")
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the second caller join the flight
	close(release)

	if err := <-secondErr; err != nil {
		t.Fatalf("waiter error = %v, want the shared handle", err)
	}
	if err := <-firstErr; err != nil {
		t.Fatalf("first caller error = %v, want the shared handle", err)
	}
	if _, err := c.Get(context.Background(), "a"); err != nil {
		t.Fatalf("memoized Get error = %v", err)
	}
}

func TestCacheUsesDecisionAtConstructionTime(t *testing.T) {
	var current atomic.Value
	current.Store(device.Decision{Device: device.CUDA})
	decision := func() device.Decision { return current.Load().(device.Decision) }

	build := func(ctx context.Context, lang string, d device.Decision) (Pipeline, error) {
		return &fakePipeline{lang: lang, dev: d.Device}, nil
	}
	c := NewCache(build, decision, zap.NewNop())

	p, err := c.Get(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if p.Device() != device.CUDA {
		t.Fatalf("first handle device = %q, want cuda", p.Device())
	}

	current.Store(device.Decision{Device: device.CPU, Rationale: "manual override"})
	c.Clear()

	p, err = c.Get(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if p.Device() != device.CPU {
		t.Fatalf("post-override handle device = %q, want cpu", p.Device())
	}
}

func TestCacheClearDiscardsMidConstructionBuilds(t *testing.T) {
	var current atomic.Value
	current.Store(device.Decision{Device: device.CUDA})
	decision := func() device.Decision { return current.Load().(device.Decision) }

	building := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	var stale *fakePipeline
	build := func(ctx context.Context, lang string, d device.Decision) (Pipeline, error) {
		p := &fakePipeline{lang: lang, dev: d.Device}
		if first.CompareAndSwap(false, true) {
			stale = p
			close(building)
			<-release
		}
		return p, nil
	}
	c := NewCache(build, decision, zap.NewNop())

	done := make(chan Pipeline, 1)
	go func() {
		p, err := c.Get(context.Background(), "a")
		if err != nil {
			t.Errorf("Get error = %v", err)
		}
		done <- p
	}()

	<-building
	current.Store(device.Decision{Device: device.CPU})
	c.Clear()
	close(release)

	p := <-done
	if p.Device() != device.CPU {
		t.Fatalf("handle built across a clear has device %q, want cpu rebuild", p.Device())
	}
	if !stale.closed.Load() {
		t.Fatalf("stale mid-construction handle was not closed")
	}
}

func TestDecodeSamples(t *testing.T) {
	// 0.5 and -1.0 as float32 LE, base64.
	samples, err := decodeSamples("AAAAPwAAgL8=")
	if err != nil {
		t.Fatalf("decodeSamples error = %v", err)
	}
	if len(samples) != 2 || samples[0] != 0.5 || samples[1] != -1.0 {
		t.Fatalf("samples = %v", samples)
	}

	if _, err := decodeSamples("not base64!!"); err == nil {
		t.Fatalf("invalid base64 accepted")
	}
	if _, err := decodeSamples("AAAA"); err == nil {
		t.Fatalf("truncated payload accepted")
	}
}
