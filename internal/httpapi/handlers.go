package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/voxlocal/kokorod/internal/audio"
	"github.com/voxlocal/kokorod/internal/engine"
	"github.com/voxlocal/kokorod/internal/history"
	"github.com/voxlocal/kokorod/internal/speech"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.speech.Health(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, snap)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req speech.Request
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "no JSON data provided")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.speech.Generate(r.Context(), req)
	if err != nil {
		s.writeSpeechError(w, r, err)
		return
	}

	// The substitution policy stays observable from the outside.
	w.Header().Set("X-Applied-Voice", res.Voice)
	w.Header().Set("X-Applied-Language", res.Language)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.WAV)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.WAV)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req speech.Request
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "no JSON data provided")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported by transport")
		return
	}

	wroteAny := false
	err := s.speech.Stream(r.Context(), req, func(frame []byte) error {
		if !wroteAny {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("X-Sample-Rate", strconv.Itoa(engine.SampleRate))
			w.Header().Set("X-Sample-Format", "pcm_s16le")
			w.WriteHeader(http.StatusOK)
			wroteAny = true
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !wroteAny {
			s.writeSpeechError(w, r, err)
			return
		}
		// Headers are gone; all we can do is truncate the stream.
		s.log.Error("stream aborted mid-response", zap.Error(err))
	}
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.speech.SystemInfo())
}

func (s *Server) handleForceCPU(w http.ResponseWriter, _ *http.Request) {
	d := s.speech.ForceCPU()
	respondJSON(w, http.StatusOK, map[string]any{
		"device":       string(d.Device),
		"rationale":    d.Rationale,
		"thread_count": d.ThreadCount,
		"message":      "all new pipelines will run on cpu",
	})
}

type voicesResponse struct {
	DefaultVoiceID  string         `json:"default_voice_id"`
	DefaultLanguage string         `json:"default_language"`
	Voices          []speech.Voice `json:"voices"`
	Languages       []string       `json:"languages"`
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voice, lang := s.speech.Defaults()
	respondJSON(w, http.StatusOK, voicesResponse{
		DefaultVoiceID:  voice,
		DefaultLanguage: lang,
		Voices:          s.speech.Voices(),
		Languages:       speech.Languages(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "generation history is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("reading generation history", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"generations": entries})
}

// writeSpeechError is the single boundary translating the error taxonomy
// into HTTP statuses.
func (s *Server) writeSpeechError(w http.ResponseWriter, r *http.Request, err error) {
	var initErr *engine.InitError
	switch {
	case errors.Is(err, speech.ErrEmptyText):
		respondError(w, http.StatusBadRequest, "no text provided for speech generation")
	case errors.As(err, &initErr):
		s.log.Error("pipeline initialization failed",
			zap.String("language", initErr.Language), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "pipeline initialization failed: "+initErr.Error())
	case errors.Is(err, audio.ErrNoAudio):
		s.log.Error("generation produced no audio", zap.String("path", r.URL.Path))
		respondError(w, http.StatusInternalServerError, "failed to generate any audio segments")
	default:
		s.log.Error("speech generation failed", zap.String("path", r.URL.Path), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "an internal server error occurred: "+err.Error())
	}
}
