package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yllada/veilvpn/events"
)

// SSE event names.
const (
	eventStatus     = "status"
	eventTransition = "transition"
)

// handleEvents streams status transitions as server-sent events. The
// stream opens with the current status so clients never start blind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, fmt.Errorf("event stream: %w", errNotConfigured))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported", Code: CodeInternal})
		return
	}

	sub := s.opts.Events.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, eventStatus, s.status()); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, eventTransition, ev); err != nil {
				s.logger.Debug().Err(err).Msg("event stream closed")
				return
			}
		}
		flusher.Flush()
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// decodeTransition parses the data line of a transition event.
func decodeTransition(data []byte) (events.StatusEvent, error) {
	var ev events.StatusEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}
