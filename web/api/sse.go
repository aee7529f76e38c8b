package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeat = 25 * time.Second

// streamRunEvents serves a run's event log as server-sent events: the
// durable backlog after the client's cursor first, then live events.
// The event id field carries the sequence number so a reconnecting
// client can pass it back as ?since= and miss nothing.
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if _, err := s.store.GetRun(runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	since := parseCursor(r, "since")
	sub := s.hub.SubscribeRun(r.Context(), runID, since)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
			fmt.Fprintf(w, "event: %s\n", ev.Kind)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			// Comment line keeps intermediaries from timing out the
			// connection
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// streamTopicEvents serves an ask thread's messages as server-sent
// events with the same backlog-then-live contract
func (s *Server) streamTopicEvents(w http.ResponseWriter, r *http.Request, threadID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	since := parseCursor(r, "since")
	sub := s.hub.SubscribeTopic(r.Context(), threadID, since, sseHeartbeat)

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Heartbeat {
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
				continue
			}
			data, err := json.Marshal(askToResponse(ev.Message))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\n", ev.Message.ID)
			fmt.Fprintf(w, "event: message\n")
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
