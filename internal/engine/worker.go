package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxlocal/kokorod/internal/device"
)

// WorkerConfig locates the Python inference worker.
type WorkerConfig struct {
	Python string
	Script string
	// StartTimeout bounds the spawn-and-handshake phase, which loads model
	// weights on first use.
	StartTimeout time.Duration
}

// NewWorkerConstructor returns a Constructor that spawns one Python worker
// process per (language, device) pipeline. The worker speaks JSON lines on
// stdin/stdout:
//
//	-> handshake          {"ok": true, "device": "cuda", "placement_error": ""}
//	<- request            {"id", "text", "voice", "speed", "split_pattern"}
//	-> segment (0..n)     {"id", "seq", "samples", "sample_rate", "graphemes", "phonemes"}
//	-> terminator         {"id", "done": true, "error": ""}
//	<- cancel (optional)  {"id", "cancel": true}
//
// Samples travel as base64 float32 little-endian. A cancel line asks the
// worker to stop between segments; the terminator still arrives.
func NewWorkerConstructor(cfg WorkerConfig, log *zap.Logger) Constructor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 120 * time.Second
	}
	return func(ctx context.Context, lang string, d device.Decision) (Pipeline, error) {
		p, err := startWorker(ctx, cfg, lang, d, log)
		if err != nil {
			return nil, &InitError{Language: lang, Err: err}
		}
		return p, nil
	}
}

type workerPipeline struct {
	lang     string
	dev      device.Device
	degraded bool
	log      *zap.Logger

	// sem serializes invocations; the JSON protocol is strictly one
	// request-response conversation at a time.
	sem chan struct{}

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	closed bool
}

type handshakeLine struct {
	OK             bool   `json:"ok"`
	Device         string `json:"device"`
	PlacementError string `json:"placement_error"`
	Error          string `json:"error"`
}

type requestLine struct {
	ID           string  `json:"id"`
	Text         string  `json:"text,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	SplitPattern string  `json:"split_pattern,omitempty"`
	Cancel       bool    `json:"cancel,omitempty"`
}

type responseLine struct {
	ID         string `json:"id"`
	Seq        int    `json:"seq"`
	Done       bool   `json:"done"`
	Error      string `json:"error"`
	Samples    string `json:"samples"`
	SampleRate int    `json:"sample_rate"`
	Graphemes  string `json:"graphemes"`
	Phonemes   string `json:"phonemes"`
}

func startWorker(ctx context.Context, cfg WorkerConfig, lang string, d device.Decision, log *zap.Logger) (*workerPipeline, error) {
	args := []string{"-u", cfg.Script, "--lang", lang, "--device", string(d.Device)}
	if d.Device == device.CPU && d.ThreadCount > 0 {
		args = append(args, "--threads", strconv.Itoa(d.ThreadCount))
	}
	cmd := exec.Command(cfg.Python, args...)
	cmd.Env = append(os.Environ(), "PYTORCH_ENABLE_MPS_FALLBACK=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(stdout)

	type handshakeResult struct {
		hs  handshakeLine
		err error
	}
	hsCh := make(chan handshakeResult, 1)
	go func() {
		var hs handshakeLine
		err := dec.Decode(&hs)
		hsCh <- handshakeResult{hs: hs, err: err}
	}()

	timeout := time.NewTimer(cfg.StartTimeout)
	defer timeout.Stop()

	var hs handshakeLine
	select {
	case res := <-hsCh:
		if res.err != nil {
			kill(cmd, stdin)
			return nil, workerStartError(res.err, &stderr)
		}
		hs = res.hs
	case <-timeout.C:
		kill(cmd, stdin)
		return nil, fmt.Errorf("worker handshake timed out after %s", cfg.StartTimeout)
	case <-ctx.Done():
		kill(cmd, stdin)
		return nil, ctx.Err()
	}

	if !hs.OK {
		kill(cmd, stdin)
		return nil, workerStartError(fmt.Errorf("%s", nonEmpty(hs.Error, "worker refused to start")), &stderr)
	}

	p := &workerPipeline{
		lang:  lang,
		dev:   device.Device(nonEmpty(hs.Device, string(device.CPU))),
		log:   log,
		sem:   make(chan struct{}, 1),
		cmd:   cmd,
		stdin: stdin,
		dec:   dec,
	}
	if hs.PlacementError != "" {
		// The device decision can be right and placement still fail for
		// transient driver reasons. The worker already fell back to its
		// default placement; treat the handle as degraded but usable.
		p.degraded = true
		log.Warn("pipeline placement failed, continuing on fallback device",
			zap.String("language", lang),
			zap.String("requested", string(d.Device)),
			zap.String("effective", string(p.dev)),
			zap.String("placement_error", hs.PlacementError))
	}
	log.Info("pipeline ready",
		zap.String("language", lang),
		zap.String("device", string(p.dev)))
	return p, nil
}

func workerStartError(err error, stderr *bytes.Buffer) error {
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
		return fmt.Errorf("worker failed to start: %s", msg)
	}
	return fmt.Errorf("worker failed to start: %w", err)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func kill(cmd *exec.Cmd, stdin io.WriteCloser) {
	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}

func (p *workerPipeline) Language() string      { return p.lang }
func (p *workerPipeline) Device() device.Device { return p.dev }
func (p *workerPipeline) Degraded() bool        { return p.degraded }

func (p *workerPipeline) Invoke(ctx context.Context, req InvokeRequest) (SegmentStream, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, fmt.Errorf("pipeline for language %q is closed", p.lang)
	}
	stdin, dec := p.stdin, p.dec
	p.mu.Unlock()

	id := uuid.NewString()
	line := requestLine{
		ID:           id,
		Text:         req.Text,
		Voice:        req.Voice,
		Speed:        req.Speed,
		SplitPattern: req.SplitPattern,
	}
	b, err := json.Marshal(line)
	if err != nil {
		<-p.sem
		return nil, err
	}
	b = append(b, '\n')
	if _, err := stdin.Write(b); err != nil {
		<-p.sem
		return nil, fmt.Errorf("write synthesis request: %w", err)
	}

	return &workerStream{pipeline: p, ctx: ctx, id: id, stdin: stdin, dec: dec}, nil
}

type workerStream struct {
	pipeline *workerPipeline
	ctx      context.Context
	id       string
	stdin    io.Writer
	dec      *json.Decoder

	finished  bool
	cancelled bool
}

// Recv returns the next segment, io.EOF at end of stream, or the first
// error. After the caller's context is cancelled the stream yields nothing
// further; the remaining worker output is drained in the background to keep
// the protocol in sync.
func (s *workerStream) Recv() (*Segment, error) {
	if s.finished {
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.abandon()
		return nil, err
	}

	var line responseLine
	if err := s.dec.Decode(&line); err != nil {
		s.finish()
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if line.ID != s.id {
		s.finish()
		return nil, fmt.Errorf("worker out of sync (got %q, expected %q)", line.ID, s.id)
	}
	if line.Done {
		s.finish()
		if line.Error != "" {
			return nil, fmt.Errorf("synthesis failed: %s", line.Error)
		}
		return nil, io.EOF
	}

	samples, err := decodeSamples(line.Samples)
	if err != nil {
		s.abandon()
		return nil, fmt.Errorf("segment %d: %w", line.Seq, err)
	}
	return &Segment{
		Samples:    samples,
		SampleRate: nonZero(line.SampleRate, SampleRate),
		Graphemes:  line.Graphemes,
		Phonemes:   line.Phonemes,
	}, nil
}

// finish marks the conversation complete and releases the pipeline for the
// next invocation.
func (s *workerStream) finish() {
	if s.finished {
		return
	}
	s.finished = true
	<-s.pipeline.sem
}

// Close releases the stream. Consuming to io.EOF already released the
// pipeline, so Close is a no-op then; a stream dropped mid-conversation is
// abandoned so the invocation slot is freed once the worker winds down.
func (s *workerStream) Close() error {
	s.abandon()
	return nil
}

// abandon stops yielding immediately, asks the worker to cut the request
// short, and drains the rest of the conversation off the main path.
func (s *workerStream) abandon() {
	if s.finished {
		return
	}
	s.finished = true
	if !s.cancelled {
		s.cancelled = true
		if b, err := json.Marshal(requestLine{ID: s.id, Cancel: true}); err == nil {
			_, _ = s.stdin.Write(append(b, '\n'))
		}
	}
	go func() {
		defer func() { <-s.pipeline.sem }()
		for {
			var line responseLine
			if err := s.dec.Decode(&line); err != nil {
				return
			}
			if line.ID == s.id && line.Done {
				return
			}
		}
	}()
}

func (p *workerPipeline) Close() error {
	// Let an in-flight invocation finish before tearing the process down.
	select {
	case p.sem <- struct{}{}:
	case <-time.After(60 * time.Second):
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stdin := p.stdin
	cmd := p.cmd
	p.stdin = nil
	p.cmd = nil
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-time.After(1200 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}

// decodeSamples unpacks base64 float32 little-endian sample data.
func decodeSamples(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("sample payload length %d not a multiple of 4", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
