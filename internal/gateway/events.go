// ABOUTME: Server-sent event stream of registry snapshots
// ABOUTME: Read-only monitoring feed of the connected agent identifiers

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseKeepaliveInterval = 30 * time.Second

// AgentsEvent is one registry snapshot on the event stream. Missed counts
// snapshots this subscriber skipped because it fell behind.
type AgentsEvent struct {
	Version uint64   `json:"version"`
	Agents  []string `json:"agents"`
	Missed  uint64   `json:"missed,omitempty"`
}

// handleAgentEvents handles GET /api/agents/events. The first event is the
// current snapshot, then one event per registry change.
func (g *Gateway) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	feed, subID := g.registry.Subscribe(r.Context())
	defer g.registry.Unsubscribe(subID)

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	var last uint64
	first := true
	for {
		select {
		case <-r.Context().Done():
			return

		case snap, ok := <-feed:
			if !ok {
				return
			}
			event := AgentsEvent{Version: snap.Version, Agents: snap.IDs()}
			if !first && snap.Version > last+1 {
				event.Missed = snap.Version - last - 1
			}
			first = false
			last = snap.Version

			g.writeSSEEvent(w, "agents", event)
			flusher.Flush()

		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
