// ABOUTME: Server-sent events writer that delivers stream frames to one HTTP client
// ABOUTME: Every frame is flushed before the next is written so clients see events as they happen

package gateway

import (
	"fmt"
	"net/http"

	"github.com/2389/coven-chat/internal/stream"
)

// sseWriter implements conversation.FrameWriter over an HTTP response.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// startSSE writes the event-stream headers and returns a writer for frames.
func startSSE(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	_ = s.rc.Flush()
	return s
}

// WriteEvent encodes ev as one frame and flushes it.
func (s *sseWriter) WriteEvent(ev stream.Event) error {
	frame, err := stream.Encode(ev)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.rc.Flush()
}

// comment writes an SSE comment line, used as a keepalive.
func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}
