package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxlocal/kokorod/internal/config"
	"github.com/voxlocal/kokorod/internal/device"
	"github.com/voxlocal/kokorod/internal/engine"
	"github.com/voxlocal/kokorod/internal/observability"
	"github.com/voxlocal/kokorod/internal/speech"
)

const samplesPerSegment = 64

type fakePipeline struct {
	lang string
	dev  device.Device
}

func (f *fakePipeline) Invoke(_ context.Context, req engine.InvokeRequest) (engine.SegmentStream, error) {
	var segs []*engine.Segment
	for _, span := range strings.Split(req.Text, "\n") {
		if strings.TrimSpace(span) == "" {
			continue
		}
		segs = append(segs, &engine.Segment{
			Samples:    make([]float32, samplesPerSegment),
			SampleRate: engine.SampleRate,
			Graphemes:  span,
		})
	}
	return &fakeStream{segs: segs}, nil
}

func (f *fakePipeline) Language() string      { return f.lang }
func (f *fakePipeline) Device() device.Device { return f.dev }
func (f *fakePipeline) Degraded() bool        { return false }
func (f *fakePipeline) Close() error          { return nil }

type fakeStream struct {
	segs []*engine.Segment
	pos  int
}

func (s *fakeStream) Recv() (*engine.Segment, error) {
	if s.pos >= len(s.segs) {
		return nil, io.EOF
	}
	seg := s.segs[s.pos]
	s.pos++
	return seg, nil
}

func (s *fakeStream) Close() error { return nil }

var metricsSeq atomic.Int64

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zap.NewNop()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))

	build := func(ctx context.Context, lang string, d device.Decision) (engine.Pipeline, error) {
		if lang == "z" {
			return nil, &engine.InitError{Language: lang, Err: errors.New("missing language resources")}
		}
		return &fakePipeline{lang: lang, dev: d.Device}, nil
	}
	mgr := device.NewManager(
		device.Decision{Device: device.CUDA, Rationale: "modern accelerator"},
		device.Profile{},
		device.DefaultPolicy(),
		log,
	)
	cache := engine.NewCache(build, mgr.Decision, log)
	mgr.AddInvalidator(cache)
	svc := speech.New(mgr, cache, metrics, log)

	srv := New(config.Config{AllowAnyOrigin: true}, svc, nil, metrics, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func TestGenerateReturnsWAV(t *testing.T) {
	ts := newTestServer(t)
	res := postJSON(t, ts.URL+"/generate", map[string]any{
		"text": "Hello.\nWorld.", "voice": "af_heart", "language": "a",
	})
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q", ct)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body[0:4]) != "RIFF" || string(body[8:12]) != "WAVE" {
		t.Fatalf("body is not a WAV container")
	}
	// Two newline segments concatenated: header + both segments' PCM16.
	want := 44 + 2*samplesPerSegment*2
	if len(body) != want {
		t.Fatalf("wav bytes = %d, want %d", len(body), want)
	}
}

func TestGenerateEmptyTextRejected(t *testing.T) {
	ts := newTestServer(t)
	res := postJSON(t, ts.URL+"/generate", map[string]any{"text": "   "})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestGenerateMissingBodyRejected(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Post(ts.URL+"/generate", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestGenerateTruncatedBodyRejected(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Post(ts.URL+"/generate", "application/json", strings.NewReader(`{"text":`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestGenerateUnknownVoiceSucceedsWithDefault(t *testing.T) {
	ts := newTestServer(t)
	res := postJSON(t, ts.URL+"/generate", map[string]any{"text": "hi", "voice": "unknown_voice"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (lenient substitution)", res.StatusCode)
	}
	if got := res.Header.Get("X-Applied-Voice"); got != speech.DefaultVoice {
		t.Fatalf("X-Applied-Voice = %q, want %q", got, speech.DefaultVoice)
	}
}

func TestGeneratePipelineInitFailure(t *testing.T) {
	ts := newTestServer(t)
	res := postJSON(t, ts.URL+"/generate", map[string]any{"text": "hi", "language": "z"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.StatusCode)
	}
}

func TestStreamReturnsRawPCM(t *testing.T) {
	ts := newTestServer(t)
	res := postJSON(t, ts.URL+"/stream", map[string]any{"text": "one\ntwo"})
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if sr := res.Header.Get("X-Sample-Rate"); sr != "24000" {
		t.Fatalf("sample rate header = %q", sr)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 2*samplesPerSegment*2 {
		t.Fatalf("pcm bytes = %d, want %d", len(body), 2*samplesPerSegment*2)
	}
}

func TestStreamEmptyTextRejected(t *testing.T) {
	ts := newTestServer(t)
	res := postJSON(t, ts.URL+"/stream", map[string]any{"text": ""})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var snap map[string]any
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap["status"] != "healthy" {
		t.Fatalf("status field = %v", snap["status"])
	}
	langs, _ := snap["available_languages"].([]any)
	if len(langs) != 9 {
		t.Fatalf("available_languages = %d entries, want 9", len(langs))
	}
}

func TestForceCPUThenSystemInfo(t *testing.T) {
	ts := newTestServer(t)

	res := postJSON(t, ts.URL+"/force-cpu", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("force-cpu status = %d", res.StatusCode)
	}
	var forced map[string]any
	if err := json.NewDecoder(res.Body).Decode(&forced); err != nil {
		t.Fatal(err)
	}
	if forced["device"] != "cpu" {
		t.Fatalf("force-cpu device = %v", forced["device"])
	}

	infoRes, err := http.Get(ts.URL + "/system-info")
	if err != nil {
		t.Fatal(err)
	}
	defer infoRes.Body.Close()
	var info struct {
		Device struct {
			Device string `json:"device"`
		} `json:"device"`
	}
	if err := json.NewDecoder(infoRes.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Device.Device != "cpu" {
		t.Fatalf("system-info device = %q, want cpu after override", info.Device.Device)
	}
}

func TestVoicesCatalog(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/voices")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out voicesResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.DefaultVoiceID != speech.DefaultVoice || len(out.Voices) != 9 || len(out.Languages) != 9 {
		t.Fatalf("catalog = %+v", out)
	}
}

func TestHistoryDisabled(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/history")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when history is disabled", res.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/generate", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestStreamWS(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"text": "one\ntwo"}); err != nil {
		t.Fatal(err)
	}

	var frames int
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				break
			}
			t.Fatalf("read error = %v", err)
		}
		if msgType != websocket.BinaryMessage {
			t.Fatalf("unexpected message type %d", msgType)
		}
		if len(data) != samplesPerSegment*2 {
			t.Fatalf("frame size = %d", len(data))
		}
		frames++
	}
	if frames != 2 {
		t.Fatalf("frames = %d, want 2", frames)
	}
}
