package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxlocal/kokorod/internal/config"
	"github.com/voxlocal/kokorod/internal/device"
	"github.com/voxlocal/kokorod/internal/history"
	"github.com/voxlocal/kokorod/internal/observability"
	"github.com/voxlocal/kokorod/internal/speech"
)

// Speech is the orchestrator surface the HTTP layer drives.
type Speech interface {
	Generate(ctx context.Context, req speech.Request) (*speech.Result, error)
	Stream(ctx context.Context, req speech.Request, emit func([]byte) error) error
	Health(ctx context.Context) (speech.HealthSnapshot, error)
	SystemInfo() speech.SystemInfo
	ForceCPU() device.Decision
	Voices() []speech.Voice
	Defaults() (voice, language string)
}

// History is the optional generation log.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

type Server struct {
	cfg      config.Config
	speech   Speech
	history  History
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sp Speech, hist History, metrics *observability.Metrics, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		speech:  sp,
		history: hist,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)
	r.Use(s.countRequests)

	r.Get("/health", s.handleHealth)
	r.Post("/generate", s.handleGenerate)
	r.Post("/stream", s.handleStream)
	r.Get("/stream/ws", s.handleStreamWS)
	r.Get("/system-info", s.handleSystemInfo)
	r.Post("/force-cpu", s.handleForceCPU)
	r.Get("/voices", s.handleVoices)
	r.Get("/history", s.handleHistory)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	return r
}

// cors mirrors the permissive policy the browser addon depends on.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.Requests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
