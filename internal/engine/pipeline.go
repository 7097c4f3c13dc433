// Package engine owns the language-specific inference pipelines: spawning
// them, talking their wire protocol, and caching one handle per language.
package engine

import (
	"context"
	"fmt"

	"github.com/voxlocal/kokorod/internal/device"
)

// SampleRate is the fixed output rate of the Kokoro model.
const SampleRate = 24000

// Split patterns handed to the pipeline. Buffered delivery wants few, large
// segments since only the final concatenation matters; streaming wants small
// segments that arrive fast.
const (
	SplitBuffered  = `\n+`
	SplitStreaming = `[.!?;:,\n]+`
)

// Segment is one partial waveform corresponding to one split span of input
// text. Samples are mono float32 in [-1, 1] at SampleRate. The grapheme and
// phoneme spans are diagnostic only.
type Segment struct {
	Samples    []float32
	SampleRate int
	Graphemes  string
	Phonemes   string
}

// SegmentStream is a lazy, finite, non-restartable sequence of segments.
// Recv returns io.EOF after the final segment. A stream cannot be iterated
// twice, and every stream must be released with Close: a consumer that stops
// before EOF would otherwise leave the pipeline mid-conversation. Close is
// idempotent and a no-op on a fully consumed stream.
type SegmentStream interface {
	Recv() (*Segment, error)
	Close() error
}

// InvokeRequest is one synthesis call.
type InvokeRequest struct {
	Text         string
	Voice        string
	Speed        float64
	SplitPattern string
}

// Pipeline is an opaque, language-bound inference capability. Handles are
// owned exclusively by the Cache; callers never manage their lifetime.
type Pipeline interface {
	// Invoke starts one synthesis and returns its segment stream. Invocations
	// are serialized per pipeline. Cancelling ctx stops the stream from
	// yielding further segments.
	Invoke(ctx context.Context, req InvokeRequest) (SegmentStream, error)
	// Language returns the language code the pipeline was built for.
	Language() string
	// Device returns the placement the pipeline actually runs on, which can
	// differ from the requested placement after a fallback.
	Device() device.Device
	// Degraded reports whether placement on the requested device failed and
	// the pipeline fell back to its default placement.
	Degraded() bool
	Close() error
}

// Constructor builds a pipeline for a language under a device decision.
type Constructor func(ctx context.Context, lang string, d device.Decision) (Pipeline, error)

// InitError wraps a failed pipeline construction, e.g. missing language
// resources.
type InitError struct {
	Language string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("pipeline init for language %q: %v", e.Language, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
