package speech

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxlocal/kokorod/internal/audio"
	"github.com/voxlocal/kokorod/internal/device"
	"github.com/voxlocal/kokorod/internal/engine"
	"github.com/voxlocal/kokorod/internal/observability"
)

// Request carries the parameters of one generation call. Never persisted.
type Request struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Speed    float64 `json:"speed"`
	Language string  `json:"language"`
}

// Result is a fully materialized WAV response plus request diagnostics.
type Result struct {
	WAV                 []byte
	Voice               string
	Language            string
	VoiceSubstituted    bool
	LanguageSubstituted bool
	Segments            int
	Samples             int
}

// GenerationRecord is one row of the generation history.
type GenerationRecord struct {
	ID                string
	Mode              string
	Voice             string
	RequestedVoice    string
	Language          string
	RequestedLanguage string
	Speed             float64
	Device            string
	TextChars         int
	Segments          int
	Duration          time.Duration
	Outcome           string
}

// Recorder persists generation records. Optional; a nil recorder disables
// history.
type Recorder interface {
	Record(ctx context.Context, rec GenerationRecord) error
}

// Service orchestrates generation requests against the device manager and
// pipeline cache. All state it mutates lives in those collaborators; the
// service itself is stateless and safe for concurrent use.
type Service struct {
	devices      *device.Manager
	cache        *engine.Cache
	metrics      *observability.Metrics
	recorder     Recorder
	log          *zap.Logger
	defaultVoice string
	defaultLang  string
}

func New(devices *device.Manager, cache *engine.Cache, metrics *observability.Metrics, log *zap.Logger) *Service {
	return &Service{
		devices:      devices,
		cache:        cache,
		metrics:      metrics,
		log:          log,
		defaultVoice: DefaultVoice,
		defaultLang:  DefaultLanguage,
	}
}

// SetRecorder attaches a generation-history recorder.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// SetDefaults overrides the substitution defaults. Values outside the
// catalog are ignored and the built-in defaults stay in effect.
func (s *Service) SetDefaults(voice, lang string) {
	if knownVoice(voice) {
		s.defaultVoice = voice
	} else if voice != "" {
		s.log.Warn("configured default voice not in catalog, keeping built-in",
			zap.String("configured", voice))
	}
	if knownLanguage(lang) {
		s.defaultLang = lang
	} else if lang != "" {
		s.log.Warn("configured default language not in catalog, keeping built-in",
			zap.String("configured", lang))
	}
}

// Defaults reports the substitution defaults in effect.
func (s *Service) Defaults() (voice, language string) {
	return s.defaultVoice, s.defaultLang
}

type resolved struct {
	Text                string
	Voice               string
	Language            string
	Speed               float64
	RequestedVoice      string
	RequestedLanguage   string
	VoiceSubstituted    bool
	LanguageSubstituted bool
}

// resolve trims and validates the request, substituting defaults for unknown
// voice and language values rather than rejecting them.
func (s *Service) resolve(req Request) (resolved, error) {
	r := resolved{
		Text:     strings.TrimSpace(req.Text),
		Voice:    strings.TrimSpace(req.Voice),
		Language: strings.TrimSpace(req.Language),
		Speed:    req.Speed,
	}
	if r.Text == "" {
		return resolved{}, ErrEmptyText
	}
	r.RequestedVoice = r.Voice
	r.RequestedLanguage = r.Language
	if r.Voice == "" {
		r.Voice = s.defaultVoice
	} else if !knownVoice(r.Voice) {
		s.log.Warn("unknown voice requested, substituting default",
			zap.String("requested", r.Voice),
			zap.String("substituted", s.defaultVoice))
		s.metrics.Substitutions.WithLabelValues("voice").Inc()
		r.Voice = s.defaultVoice
		r.VoiceSubstituted = true
	}
	if r.Language == "" {
		r.Language = s.defaultLang
	} else if !knownLanguage(r.Language) {
		s.log.Warn("unknown language requested, substituting default",
			zap.String("requested", r.Language),
			zap.String("substituted", s.defaultLang))
		s.metrics.Substitutions.WithLabelValues("language").Inc()
		r.Language = s.defaultLang
		r.LanguageSubstituted = true
	}
	if r.Speed <= 0 {
		r.Speed = 1.0
	}
	return r, nil
}

// countingStream counts segments as they pass through.
type countingStream struct {
	inner engine.SegmentStream
	n     int
}

func (c *countingStream) Recv() (*engine.Segment, error) {
	seg, err := c.inner.Recv()
	if err == nil {
		c.n++
	}
	return seg, err
}

func (c *countingStream) Close() error { return c.inner.Close() }

// Generate synthesizes req into one WAV-encoded waveform.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	r, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	pipeline, err := s.cache.Get(ctx, r.Language)
	if err != nil {
		s.record(ctx, r, "generate", 0, start, "init_error")
		return nil, err
	}

	stream, err := pipeline.Invoke(ctx, engine.InvokeRequest{
		Text:         r.Text,
		Voice:        r.Voice,
		Speed:        r.Speed,
		SplitPattern: engine.SplitBuffered,
	})
	if err != nil {
		s.record(ctx, r, "generate", 0, start, "invoke_error")
		return nil, err
	}

	counted := &countingStream{inner: stream}
	samples, err := audio.Aggregate(counted)
	if err != nil {
		s.record(ctx, r, "generate", counted.n, start, "aggregate_error")
		return nil, err
	}

	wav, err := audio.EncodeWAV(samples, engine.SampleRate)
	if err != nil {
		s.record(ctx, r, "generate", counted.n, start, "encode_error")
		return nil, err
	}

	s.metrics.ObserveGeneration("generate", time.Since(start), counted.n)
	s.record(ctx, r, "generate", counted.n, start, "ok")
	s.log.Info("generated speech",
		zap.String("voice", r.Voice),
		zap.String("language", r.Language),
		zap.Int("segments", counted.n),
		zap.Int("samples", len(samples)),
		zap.Duration("took", time.Since(start)))

	return &Result{
		WAV:                 wav,
		Voice:               r.Voice,
		Language:            r.Language,
		VoiceSubstituted:    r.VoiceSubstituted,
		LanguageSubstituted: r.LanguageSubstituted,
		Segments:            counted.n,
		Samples:             len(samples),
	}, nil
}

// Stream synthesizes req and emits one PCM16LE frame per segment as soon as
// it is ready. Uses a finer split than Generate so the first frame arrives
// fast. Stops emitting when ctx is cancelled or emit returns an error.
func (s *Service) Stream(ctx context.Context, req Request, emit func([]byte) error) error {
	r, err := s.resolve(req)
	if err != nil {
		return err
	}
	start := time.Now()

	pipeline, err := s.cache.Get(ctx, r.Language)
	if err != nil {
		s.record(ctx, r, "stream", 0, start, "init_error")
		return err
	}

	stream, err := pipeline.Invoke(ctx, engine.InvokeRequest{
		Text:         r.Text,
		Voice:        r.Voice,
		Speed:        r.Speed,
		SplitPattern: engine.SplitStreaming,
	})
	if err != nil {
		s.record(ctx, r, "stream", 0, start, "invoke_error")
		return err
	}

	counted := &countingStream{inner: stream}
	if err := audio.StreamPCM(ctx, counted, emit); err != nil {
		s.record(ctx, r, "stream", counted.n, start, "stream_error")
		return err
	}

	s.metrics.ObserveGeneration("stream", time.Since(start), counted.n)
	s.record(ctx, r, "stream", counted.n, start, "ok")
	s.log.Info("streamed speech",
		zap.String("voice", r.Voice),
		zap.String("language", r.Language),
		zap.Int("segments", counted.n),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) record(ctx context.Context, r resolved, mode string, segments int, start time.Time, outcome string) {
	if s.recorder == nil {
		return
	}
	rec := GenerationRecord{
		ID:                uuid.NewString(),
		Mode:              mode,
		Voice:             r.Voice,
		RequestedVoice:    r.RequestedVoice,
		Language:          r.Language,
		RequestedLanguage: r.RequestedLanguage,
		Speed:             r.Speed,
		Device:            string(s.devices.Decision().Device),
		TextChars:         len(r.Text),
		Segments:          segments,
		Duration:          time.Since(start),
		Outcome:           outcome,
	}
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.log.Warn("recording generation history", zap.Error(err))
	}
}

// HealthSnapshot is the payload of the health endpoint.
type HealthSnapshot struct {
	Status             string   `json:"status"`
	Message            string   `json:"message"`
	AvailableLanguages []string `json:"available_languages,omitempty"`
	AvailableVoices    []string `json:"available_voices,omitempty"`
	Device             string   `json:"device,omitempty"`
}

// Health verifies readiness by ensuring the default-language pipeline
// constructs, mirroring what the first real request would do.
func (s *Service) Health(ctx context.Context) (HealthSnapshot, error) {
	if _, err := s.cache.Get(ctx, s.defaultLang); err != nil {
		return HealthSnapshot{
			Status:  "unhealthy",
			Message: "server is not ready: " + err.Error(),
		}, err
	}
	return HealthSnapshot{
		Status:             "healthy",
		Message:            "kokorod is running",
		AvailableLanguages: Languages(),
		AvailableVoices:    VoiceIDs(),
		Device:             string(s.devices.Decision().Device),
	}, nil
}

// SystemInfo is the diagnostic snapshot exposed over HTTP.
type SystemInfo struct {
	Device    DeviceInfo        `json:"device"`
	Policy    device.Policy     `json:"policy"`
	Pipelines []engine.Snapshot `json:"pipelines"`
	Runtime   RuntimeInfo       `json:"runtime"`
}

type DeviceInfo struct {
	Device         string `json:"device"`
	Rationale      string `json:"rationale"`
	ThreadCount    int    `json:"thread_count,omitempty"`
	Accelerator    string `json:"accelerator,omitempty"`
	Classification string `json:"classification,omitempty"`
	Capability     string `json:"compute_capability,omitempty"`
	MemoryBytes    int64  `json:"total_memory_bytes,omitempty"`
}

type RuntimeInfo struct {
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"num_cpu"`
	Goroutines int    `json:"goroutines"`
}

func (s *Service) SystemInfo() SystemInfo {
	d := s.devices.Decision()
	p := s.devices.Profile()
	info := SystemInfo{
		Device: DeviceInfo{
			Device:      string(d.Device),
			Rationale:   d.Rationale,
			ThreadCount: d.ThreadCount,
		},
		Policy:    s.devices.Policy(),
		Pipelines: s.cache.Snapshots(),
		Runtime: RuntimeInfo{
			GoVersion:  runtime.Version(),
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			NumCPU:     runtime.NumCPU(),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	if p.HasAccelerator() {
		info.Device.Accelerator = p.Name
		info.Device.Classification = string(p.Classification)
		info.Device.MemoryBytes = p.TotalMemoryBytes
		if p.HasCapability {
			info.Device.Capability = p.Capability.String()
		}
	}
	return info
}

// ForceCPU applies the manual device override and reports the new decision.
func (s *Service) ForceCPU() device.Decision {
	d := s.devices.ForceCPU()
	s.metrics.SetDevice(string(d.Device))
	return d
}

// Voices returns the voice catalog.
func (s *Service) Voices() []Voice { return Voices() }
