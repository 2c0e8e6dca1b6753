// ABOUTME: ReportStore interface and data types for gateway persistence
// ABOUTME: A Report is one accepted telemetry push or pull from an agent

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/conure/internal/sysinfo"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Report sources.
const (
	SourcePush = "push" // reported by the agent through its sink
	SourcePull = "pull" // requested by the gateway through the callback
)

// Report is one stored telemetry report.
type Report struct {
	ID         int64
	AgentID    string
	SessionID  string
	Source     string // "push" or "pull" (defaults to "push")
	Info       sysinfo.SystemInfo
	ReceivedAt time.Time
}

// ReportStore persists report history.
type ReportStore interface {
	// SaveReport stores r and sets r.ID. A zero ReceivedAt is set to now.
	SaveReport(ctx context.Context, r *Report) error

	// LatestReport returns the newest report for agentID, or ErrNotFound.
	LatestReport(ctx context.Context, agentID string) (*Report, error)

	// ListReports returns up to limit of the most recent reports for
	// agentID, oldest first. A limit of 0 or less returns all of them.
	ListReports(ctx context.Context, agentID string, limit int) ([]*Report, error)

	// DeleteReportsBefore removes reports received before cutoff and
	// returns how many were removed.
	DeleteReportsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
