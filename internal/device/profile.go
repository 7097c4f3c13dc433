package device

import "fmt"

// Kind identifies the family of accelerator found on the host.
type Kind string

const (
	KindCPU   Kind = "cpu"
	KindCUDA  Kind = "cuda"
	KindROCm  Kind = "rocm"
	KindMetal Kind = "metal"
)

// Classification buckets an accelerator by feature generation. The numeric
// thresholds follow the CUDA compute-capability scheme; runtimes that do not
// expose a capability number (ROCm, Metal) are classified directly.
type Classification string

const (
	ClassUnknown   Classification = "unknown"
	ClassVeryOld   Classification = "very_old"
	ClassOld       Classification = "old"
	ClassLegacy    Classification = "legacy"
	ClassPascalEra Classification = "pascal_era"
	ClassModern    Classification = "modern"
)

// Capability is a compute-capability-equivalent version number.
type Capability struct {
	Major int
	Minor int
}

func (c Capability) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// value folds major.minor into a comparable number (7.5 -> 75).
func (c Capability) value() int {
	return c.Major*10 + c.Minor
}

// Profile describes the accelerator discovered on the host. It is derived
// purely from read-only introspection and never mutated after Classify.
type Profile struct {
	Kind             Kind
	Name             string
	TotalMemoryBytes int64
	Capability       Capability
	HasCapability    bool
	Classification   Classification
	Supported        bool
	Modern           bool
}

// HasAccelerator reports whether any GPU was detected at all.
func (p Profile) HasAccelerator() bool {
	return p.Kind != KindCPU
}

// classifyCapability maps a capability number onto a generation bucket.
func classifyCapability(c Capability) Classification {
	switch v := c.value(); {
	case v < 35:
		return ClassVeryOld
	case v < 50:
		return ClassOld
	case v < 60:
		return ClassLegacy
	case v < 70:
		return ClassPascalEra
	default:
		return ClassModern
	}
}

// cudaProfile builds a fully classified profile for a CUDA device.
func cudaProfile(name string, memBytes int64, cap Capability) Profile {
	return Profile{
		Kind:             KindCUDA,
		Name:             name,
		TotalMemoryBytes: memBytes,
		Capability:       cap,
		HasCapability:    true,
		Classification:   classifyCapability(cap),
		Supported:        cap.value() >= 60,
		Modern:           cap.value() >= 70,
	}
}

// unknownGPUProfile is the conservative profile for a GPU that is present but
// whose properties could not be read: never selected, never probed.
func unknownGPUProfile(kind Kind, name string) Profile {
	return Profile{
		Kind:           kind,
		Name:           name,
		Classification: ClassUnknown,
	}
}

func cpuProfile() Profile {
	return Profile{Kind: KindCPU, Name: "cpu", Classification: ClassUnknown}
}
