// ABOUTME: Mock ReportStore implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockStore is an in-memory ReportStore implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	reports []*Report
	nextID  int64

	// SaveErr, when set, is returned by SaveReport.
	SaveErr error
}

var _ ReportStore = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// SaveReport stores a copy of r.
func (m *MockStore) SaveReport(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if r.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if r.Source == "" {
		r.Source = SourcePush
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}

	m.nextID++
	r.ID = m.nextID
	stored := *r
	m.reports = append(m.reports, &stored)
	return nil
}

// LatestReport returns the newest report for agentID.
func (m *MockStore) LatestReport(_ context.Context, agentID string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.reports) - 1; i >= 0; i-- {
		if m.reports[i].AgentID == agentID {
			r := *m.reports[i]
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// ListReports returns the most recent reports for agentID, oldest first.
func (m *MockStore) ListReports(_ context.Context, agentID string, limit int) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Report
	for _, r := range m.reports {
		if r.AgentID == agentID {
			c := *r
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DeleteReportsBefore removes reports received before cutoff.
func (m *MockStore) DeleteReportsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.reports[:0]
	var n int64
	for _, r := range m.reports {
		if r.ReceivedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.reports = kept
	return n, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
