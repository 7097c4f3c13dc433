package device

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// Device is the execution backend a pipeline is placed on.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
	MPS  Device = "mps"
)

// Decision is the process-wide choice of execution backend. It is made once
// at startup and replaced only by an explicit force-CPU override.
type Decision struct {
	Device      Device
	Rationale   string
	ThreadCount int // CPU only; 0 means runtime default
}

// Selector combines classification, empirical probing and a CPU capability
// estimate into one Decision. The precedence is deliberate: correctness
// (capability support) beats empirical verification (probe) beats the raw
// performance heuristic (core count vs GPU generation).
type Selector struct {
	classifier Classifier
	prober     Prober
	coreCount  func() int
	policy     Policy
	log        *zap.Logger
}

func NewSelector(classifier Classifier, prober Prober, policy Policy, log *zap.Logger) *Selector {
	return &Selector{
		classifier: classifier,
		prober:     prober,
		coreCount:  runtime.NumCPU,
		policy:     policy,
		log:        log,
	}
}

// Select runs classification and probing and returns the decision plus the
// profile it was based on. Deterministic for a fixed (profile, probe result,
// core count) tuple.
func (s *Selector) Select(ctx context.Context) (Decision, Profile) {
	profile := s.classifier.Classify(ctx)
	cores := s.coreCount()

	d := s.decide(ctx, profile, cores)
	s.log.Info("device decision",
		zap.String("device", string(d.Device)),
		zap.String("rationale", d.Rationale),
		zap.Int("thread_count", d.ThreadCount))
	return d, profile
}

func (s *Selector) decide(ctx context.Context, profile Profile, cores int) Decision {
	if !profile.HasAccelerator() {
		return s.cpuDecision("no accelerator present", cores)
	}
	if !profile.Supported {
		reason := fmt.Sprintf("accelerator %q below supported generation (classification %s)",
			profile.Name, profile.Classification)
		if profile.HasCapability {
			reason = fmt.Sprintf("accelerator %q compute capability %s below supported minimum 6.0",
				profile.Name, profile.Capability)
		}
		return s.cpuDecision(reason, cores)
	}

	probe := s.prober.Probe(ctx, profile)
	if !probe.Works {
		return s.cpuDecision(fmt.Sprintf("accelerator failed verification: %s", probe.Message), cores)
	}

	target := CUDA
	if profile.Kind == KindMetal {
		target = MPS
	}
	if profile.Modern {
		return Decision{Device: target, Rationale: "modern accelerator"}
	}

	// Older-but-compatible tier: fixed per-utterance TTS inference does not
	// amortize the kernel-launch and transfer overhead of these parts, so a
	// big CPU wins.
	if cores >= s.policy.PreferCPUCores {
		return s.cpuDecision(fmt.Sprintf(
			"high core count (%d) favored over %s-generation accelerator for per-utterance inference",
			cores, profile.Classification), cores)
	}
	return Decision{
		Device:    target,
		Rationale: fmt.Sprintf("%s-generation accelerator beats %d-core cpu", profile.Classification, cores),
	}
}

// ForcedCPUDecision is the decision used when selection is bypassed by
// configuration. No probe runs; the host is taken at its word.
func ForcedCPUDecision(policy Policy) Decision {
	return Decision{
		Device:      CPU,
		Rationale:   "forced by configuration",
		ThreadCount: threadCount(runtime.NumCPU(), policy.MaxThreads),
	}
}

func (s *Selector) cpuDecision(rationale string, cores int) Decision {
	return Decision{
		Device:      CPU,
		Rationale:   rationale,
		ThreadCount: threadCount(cores, s.policy.MaxThreads),
	}
}

// threadCount bounds the inference thread pool: leave one core for the HTTP
// layer on hosts that can afford it, and cap the pool so short bursty calls
// do not oversubscribe large machines.
func threadCount(cores, max int) int {
	if max <= 0 {
		max = DefaultPolicy().MaxThreads
	}
	n := cores
	if cores > 2 {
		n = cores - 1
	}
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}
