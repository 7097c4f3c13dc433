package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProbeResult reports whether the accelerator actually executed a trivial
// workload, and why not if it didn't.
type ProbeResult struct {
	Works   bool
	Message string
}

// Prober empirically verifies an accelerator. A supported-looking capability
// number is necessary but not sufficient: the installed runtime can still
// fail on kernel launch, so the probe allocates a small tensor on the
// candidate device, runs one matrix multiply, copies the result back, and
// releases device memory whatever happens.
type Prober interface {
	Probe(ctx context.Context, p Profile) ProbeResult
}

// NewWorkerProber probes through the same Python worker script the inference
// pipelines run on, so the probe exercises the exact runtime that will serve
// requests.
func NewWorkerProber(python, script string, timeout time.Duration, log *zap.Logger) Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &workerProber{python: python, script: script, timeout: timeout, log: log}
}

type workerProber struct {
	python  string
	script  string
	timeout time.Duration
	log     *zap.Logger
}

type probeOutput struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (w *workerProber) Probe(ctx context.Context, p Profile) ProbeResult {
	target := probeTarget(p.Kind)
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.python, "-u", w.script, "--probe", target)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := classifyProbeFailure(stderr.String(), err)
		w.log.Warn("device probe failed",
			zap.String("device", target),
			zap.String("reason", msg))
		return ProbeResult{Works: false, Message: msg}
	}

	var parsed probeOutput
	if err := json.Unmarshal(bytes.TrimSpace(out), &parsed); err != nil {
		msg := fmt.Sprintf("probe produced unreadable output: %v", err)
		w.log.Warn("device probe failed", zap.String("device", target), zap.String("reason", msg))
		return ProbeResult{Works: false, Message: msg}
	}
	if !parsed.OK {
		msg := classifyProbeFailure(parsed.Message, nil)
		w.log.Warn("device probe failed", zap.String("device", target), zap.String("reason", msg))
		return ProbeResult{Works: false, Message: msg}
	}
	w.log.Info("device probe succeeded", zap.String("device", target))
	return ProbeResult{Works: true, Message: "probe ok"}
}

// probeTarget maps an accelerator kind onto the runtime device string the
// worker understands. ROCm builds of torch present themselves as cuda.
func probeTarget(k Kind) string {
	if k == KindMetal {
		return "mps"
	}
	return "cuda"
}

// classifyProbeFailure buckets raw runtime errors into a short cause
// description for the selection rationale.
func classifyProbeFailure(detail string, err error) string {
	d := strings.ToLower(detail)
	switch {
	case strings.Contains(d, "out of memory"):
		return "device out of memory during probe"
	case strings.Contains(d, "no kernel image"), strings.Contains(d, "not supported"):
		return "runtime lacks kernels for this device"
	case strings.Contains(d, "driver"):
		return "driver error during probe"
	}
	detail = strings.TrimSpace(detail)
	if detail == "" && err != nil {
		detail = err.Error()
	}
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return fmt.Sprintf("probe workload failed: %s", detail)
}
