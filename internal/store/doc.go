// Package store persists agent telemetry reports using SQLite.
//
// # Architecture
//
// ReportStore is the interface the gateway depends on. SQLiteStore is the
// production implementation (modernc.org/sqlite, WAL mode, schema created
// on open); MockStore is an in-memory implementation for tests.
//
// Only report history is stored. The registry of connected agents is
// rebuilt from live connections after a restart.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("~/.local/share/conure/gateway.db")
//	defer s.Close()
//
//	err = s.SaveReport(ctx, &store.Report{AgentID: "agentA", Info: *info})
//	latest, err := s.LatestReport(ctx, "agentA")
//	history, err := s.ListReports(ctx, "agentA", 50)
package store
