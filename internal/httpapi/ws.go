package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxlocal/kokorod/internal/speech"
)

// handleStreamWS streams PCM16LE frames over a websocket. The client sends
// exactly one JSON text message with the generation request; the server
// answers with one binary message per audio segment and then closes
// normally. A failed generation closes the socket with an error reason.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	var req speech.Request
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected one JSON request message"),
			time.Now().Add(5*time.Second))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Detect the client going away mid-generation: the read pump fails and
	// cancels the synthesis context, so no orphaned generation keeps running
	// after the last consumer disconnects.
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.speech.Stream(ctx, req, func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	})
	if err != nil {
		s.log.Warn("websocket stream ended with error", zap.Error(err))
		reason := err.Error()
		if len(reason) > 120 {
			reason = reason[:120]
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason),
			time.Now().Add(5*time.Second))
		return
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(5*time.Second))
}
