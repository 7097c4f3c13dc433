package device

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Classifier inspects the host's accelerators and derives a Profile.
// Implementations perform read-only queries only.
type Classifier interface {
	Classify(ctx context.Context) Profile
}

// NewClassifier returns the production classifier, which shells out to the
// vendor management tools (nvidia-smi, rocm-smi) and inspects the platform
// for Apple unified-memory GPUs.
func NewClassifier(log *zap.Logger) Classifier {
	return &systemClassifier{
		log:      log,
		lookPath: exec.LookPath,
		run:      runCommand,
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
	}
}

type systemClassifier struct {
	log      *zap.Logger
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) (string, error)
	goos     string
	goarch   string
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// Classify probes vendors in priority order: NVIDIA, then AMD, then Apple.
// A GPU that is present but unreadable yields a conservative profile with
// Supported=false rather than an error.
func (c *systemClassifier) Classify(ctx context.Context) Profile {
	if path, err := c.lookPath("nvidia-smi"); err == nil {
		p := c.classifyCUDA(ctx, path)
		c.log.Info("accelerator detected",
			zap.String("kind", string(p.Kind)),
			zap.String("name", p.Name),
			zap.String("classification", string(p.Classification)),
			zap.Bool("supported", p.Supported))
		return p
	}
	if _, err := c.lookPath("rocm-smi"); err == nil {
		p := c.classifyROCm(ctx)
		c.log.Info("accelerator detected",
			zap.String("kind", string(p.Kind)),
			zap.String("name", p.Name))
		return p
	}
	if c.goos == "darwin" && c.goarch == "arm64" {
		c.log.Info("accelerator detected", zap.String("kind", "metal"))
		return Profile{
			Kind:           KindMetal,
			Name:           "Apple Silicon GPU",
			Classification: ClassModern,
			Supported:      true,
			Modern:         true,
		}
	}
	c.log.Info("no accelerator detected, host is cpu-only")
	return cpuProfile()
}

func (c *systemClassifier) classifyCUDA(ctx context.Context, smiPath string) Profile {
	out, err := c.run(ctx, smiPath,
		"--query-gpu=name,memory.total,compute_cap",
		"--format=csv,noheader,nounits")
	if err != nil {
		c.log.Warn("nvidia-smi query failed, treating GPU as unsupported", zap.Error(err))
		return unknownGPUProfile(KindCUDA, "NVIDIA GPU")
	}
	p, ok := parseNvidiaSMI(out)
	if !ok {
		c.log.Warn("could not parse nvidia-smi output, treating GPU as unsupported",
			zap.String("output", strings.TrimSpace(out)))
		return unknownGPUProfile(KindCUDA, "NVIDIA GPU")
	}
	return p
}

// parseNvidiaSMI parses the first line of a
// "name, memory.total [MiB], compute_cap" CSV query. Multi-GPU hosts use
// device 0; the pipeline never shards across devices.
func parseNvidiaSMI(out string) (Profile, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return Profile{}, false
	}
	name := strings.TrimSpace(fields[0])
	memMiB, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return Profile{}, false
	}
	capStr := strings.TrimSpace(fields[2])
	majorStr, minorStr, found := strings.Cut(capStr, ".")
	if !found {
		return Profile{}, false
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return Profile{}, false
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return Profile{}, false
	}
	if name == "" || major <= 0 {
		return Profile{}, false
	}
	return cudaProfile(name, memMiB*1024*1024, Capability{Major: major, Minor: minor}), true
}

// classifyROCm treats any rocm-smi-visible GPU as a modern accelerator: the
// ROCm runtime exposes no compute-capability analogue, so the empirical probe
// is the real gate for these devices.
func (c *systemClassifier) classifyROCm(ctx context.Context) Profile {
	name := "AMD GPU"
	if out, err := c.run(ctx, "rocm-smi", "--showproductname"); err == nil {
		if n := parseROCmProductName(out); n != "" {
			name = n
		}
	}
	return Profile{
		Kind:           KindROCm,
		Name:           name,
		Classification: ClassModern,
		Supported:      true,
		Modern:         true,
	}
}

func parseROCmProductName(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Card series") && !strings.Contains(line, "Card Series") {
			continue
		}
		if _, after, found := strings.Cut(line, ":"); found {
			return strings.TrimSpace(after)
		}
	}
	return ""
}
