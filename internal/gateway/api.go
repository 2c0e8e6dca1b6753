// ABOUTME: HTTP monitoring API over the client registry and report store
// ABOUTME: Lists agents, pulls fresh telemetry and serves report history

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/conure/internal/agent"
	"github.com/2389/conure/internal/store"
	"github.com/2389/conure/internal/sysinfo"
)

const (
	sysinfoTimeout     = 10 * time.Second
	defaultReportLimit = 50
	maxReportLimit     = 1000
)

// AgentsResponse is the JSON response for GET /api/agents.
type AgentsResponse struct {
	ServerID string       `json:"server_id"`
	Version  uint64       `json:"version"`
	Agents   []agent.Info `json:"agents"`
}

// ReportResponse is one stored report in API responses.
type ReportResponse struct {
	ID         int64              `json:"id"`
	SessionID  string             `json:"session_id"`
	Source     string             `json:"source"`
	Info       sysinfo.SystemInfo `json:"info"`
	ReceivedAt string             `json:"received_at"`
}

// ReportsResponse is the JSON response for GET /api/agents/{id}/reports.
type ReportsResponse struct {
	AgentID string           `json:"agent_id"`
	Reports []ReportResponse `json:"reports"`
}

// registerHTTPAPIRoutes registers the monitoring API on the mux.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/events", g.handleAgentEvents)
	mux.HandleFunc("POST /api/agents/{id}/sysinfo", g.handleRequestSysInfo)
	mux.HandleFunc("GET /api/agents/{id}/reports", g.handleListReports)
	mux.HandleFunc("GET /api/agents/{id}/shell", g.handleShell)
}

// handleListAgents handles GET /api/agents.
// It returns the registry's current snapshot.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	snap := g.registry.Snapshot()

	response := AgentsResponse{
		ServerID: g.serverID,
		Version:  snap.Version,
		Agents:   make([]agent.Info, 0, snap.Len()),
	}
	for _, c := range snap.Clients() {
		response.Agents = append(response.Agents, c.Info())
	}

	g.sendJSON(w, http.StatusOK, response)
}

// handleRequestSysInfo handles POST /api/agents/{id}/sysinfo.
// It pulls a fresh report through the agent's callback and stores it.
func (g *Gateway) handleRequestSysInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	client, err := g.registry.Get(id)
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sysinfoTimeout)
	defer cancel()

	info, err := client.RequestSystemInfo(ctx)
	switch {
	case errors.Is(err, agent.ErrDisconnected):
		g.sendJSONError(w, http.StatusServiceUnavailable, "agent disconnected")
		return
	case errors.Is(err, context.DeadlineExceeded):
		g.sendJSONError(w, http.StatusGatewayTimeout, "agent did not answer in time")
		return
	case err != nil:
		g.logger.Warn("system info request failed", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	if err := info.Validate(); err != nil {
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	client.SetLastReport(info)
	report := &store.Report{
		AgentID:   id,
		SessionID: client.SessionID(),
		Source:    store.SourcePull,
		Info:      *info,
	}
	if err := g.store.SaveReport(r.Context(), report); err != nil {
		g.logger.Error("failed to store pulled report", "agent_id", id, "error", err)
	}

	g.sendJSON(w, http.StatusOK, info)
}

// handleListReports handles GET /api/agents/{id}/reports?limit=N.
// History is served for disconnected agents too.
func (g *Gateway) handleListReports(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := g.store.ListReports(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("failed to list reports", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ReportsResponse{
		AgentID: id,
		Reports: make([]ReportResponse, 0, len(reports)),
	}
	for _, rep := range reports {
		response.Reports = append(response.Reports, ReportResponse{
			ID:         rep.ID,
			SessionID:  rep.SessionID,
			Source:     rep.Source,
			Info:       rep.Info,
			ReceivedAt: rep.ReceivedAt.Format(time.RFC3339),
		})
	}

	g.sendJSON(w, http.StatusOK, response)
}

// parseLimit reads the limit query parameter.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultReportLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return min(limit, maxReportLimit), nil
}

// sendJSON writes a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
