// ABOUTME: SQLite implementation of ReportStore using modernc.org/sqlite
// ABOUTME: Stores report history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	memoryPath = ":memory:"

	// timeFormat is fixed-width so stored timestamps compare as strings.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore implements ReportStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ReportStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != memoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == memoryPath {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'push',
			client_id TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL,
			os_type TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			os_arch TEXT NOT NULL DEFAULT '',
			reported_at INTEGER NOT NULL,
			time_zone TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			received_at TEXT NOT NULL,

			CHECK (source IN ('push', 'pull'))
		);

		CREATE INDEX IF NOT EXISTS idx_reports_agent
			ON reports(agent_id, id);

		CREATE INDEX IF NOT EXISTS idx_reports_received
			ON reports(received_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveReport inserts a report and sets its ID.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *Report) error {
	if r.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if r.Source == "" {
		r.Source = SourcePush
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	r.ReceivedAt = r.ReceivedAt.UTC()

	query := `
		INSERT INTO reports (
			agent_id, session_id, source, client_id, hostname, os_type, os_version,
			os_arch, reported_at, time_zone, user_name, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		r.AgentID,
		r.SessionID,
		r.Source,
		r.Info.ClientID,
		r.Info.Hostname,
		r.Info.OSType,
		r.Info.OSVersion,
		r.Info.OSArch,
		r.Info.CurrentTime,
		r.Info.TimeZone,
		r.Info.UserName,
		r.ReceivedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading report id: %w", err)
	}
	r.ID = id

	s.logger.Debug("saved report", "agent_id", r.AgentID, "report_id", id, "source", r.Source)
	return nil
}

const reportColumns = `id, agent_id, session_id, source, client_id, hostname, os_type,
	os_version, os_arch, reported_at, time_zone, user_name, received_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*Report, error) {
	var r Report
	var receivedAt string
	if err := row.Scan(
		&r.ID,
		&r.AgentID,
		&r.SessionID,
		&r.Source,
		&r.Info.ClientID,
		&r.Info.Hostname,
		&r.Info.OSType,
		&r.Info.OSVersion,
		&r.Info.OSArch,
		&r.Info.CurrentTime,
		&r.Info.TimeZone,
		&r.Info.UserName,
		&receivedAt,
	); err != nil {
		return nil, err
	}

	t, err := time.Parse(timeFormat, receivedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing report received_at: %w", err)
	}
	r.ReceivedAt = t
	return &r, nil
}

// LatestReport returns the most recent report for an agent.
// Returns ErrNotFound if the agent has never reported.
func (s *SQLiteStore) LatestReport(ctx context.Context, agentID string) (*Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE agent_id = ? ORDER BY id DESC LIMIT 1`

	r, err := scanReport(s.db.QueryRowContext(ctx, query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest report: %w", err)
	}
	return r, nil
}

// ListReports retrieves reports for an agent, limited to the most recent
// `limit` reports. Reports are returned in chronological order (oldest first).
// If limit is 0 or negative, all reports are returned.
func (s *SQLiteStore) ListReports(ctx context.Context, agentID string, limit int) ([]*Report, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + reportColumns + `
			FROM (
				SELECT ` + reportColumns + `
				FROM reports
				WHERE agent_id = ?
				ORDER BY id DESC
				LIMIT ?
			)
			ORDER BY id ASC
		`
		args = []any{agentID, limit}
	} else {
		query = `SELECT ` + reportColumns + ` FROM reports WHERE agent_id = ? ORDER BY id ASC`
		args = []any{agentID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report row: %w", err)
		}
		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating report rows: %w", err)
	}

	return reports, nil
}

// DeleteReportsBefore removes reports received before cutoff.
func (s *SQLiteStore) DeleteReportsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reports WHERE received_at < ?`,
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting reports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted reports: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned report history", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
