package indexdb

import (
	"context"
	"database/sql"
)

type SessionRecord struct {
	ID        string `json:"id"`
	Remote    string `json:"remote"`
	OpenedAt  string `json:"opened_at"`
	ClosedAt  string `json:"closed_at,omitempty"`
	CloseCode string `json:"close_code,omitempty"`
	Loads     int64  `json:"loads"`
	Unloads   int64  `json:"unloads"`
}

// RecentSessions returns up to limit sessions, newest first.
func RecentSessions(ctx context.Context, db *sql.DB, limit int) ([]SessionRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, remote, opened_at, COALESCE(closed_at,''), COALESCE(close_code,''), loads, unloads
		FROM sessions ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.Remote, &r.OpenedAt, &r.ClosedAt, &r.CloseCode, &r.Loads, &r.Unloads); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type LevelSummary struct {
	Level       int     `json:"level"`
	Attempts    int64   `json:"attempts"`
	Failures    int64   `json:"failures"`
	Empty       int64   `json:"empty"`
	FromStore   int64   `json:"from_store"`
	Bytes       int64   `json:"bytes"`
	AvgDuration float64 `json:"avg_duration_us"`
}

// GenerationsByLevel aggregates generation attempts per detail level.
func GenerationsByLevel(ctx context.Context, db *sql.DB) ([]LevelSummary, error) {
	rows, err := db.QueryContext(ctx, `SELECT level, COUNT(*),
			SUM(CASE WHEN COALESCE(err,'') <> '' THEN 1 ELSE 0 END),
			SUM(empty), SUM(from_store), SUM(bytes), AVG(duration_us)
		FROM generations GROUP BY level ORDER BY level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LevelSummary
	for rows.Next() {
		var r LevelSummary
		if err := rows.Scan(&r.Level, &r.Attempts, &r.Failures, &r.Empty, &r.FromStore, &r.Bytes, &r.AvgDuration); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
