// Package auditlog keeps an append-only record of every fan-out: the trigger,
// the per-subscriber outcome batch, and any persistence failure. Because the
// platform is at-most-once, this log is the operator's source of truth when a
// persist step fails after remote orders already went out.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"mirra/internal/dispatch"
	"mirra/internal/domain"
)

type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Record 代表一次分发的完整留痕。
type Record struct {
	ID          int64              `json:"id"`
	Timestamp   int64              `json:"ts"`
	Action      domain.Action      `json:"action"`
	Exchange    string             `json:"exchange"`
	RootOrderID uint64             `json:"root_order_id"`
	OKCount     int                `json:"ok_count"`
	FailCount   int                `json:"fail_count"`
	Outcomes    []dispatch.Outcome `json:"outcomes"`
	Error       string             `json:"error,omitempty"`
}

// Query filters ListRecent.
type Query struct {
	Action   domain.Action
	Exchange string
	Limit    int
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS dispatch_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		action TEXT NOT NULL,
		exchange TEXT NOT NULL,
		root_order_id INTEGER NOT NULL,
		ok_count INTEGER NOT NULL,
		fail_count INTEGER NOT NULL,
		outcomes_json TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_audit_ts ON dispatch_audit(ts);`)
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Append writes one record. Outcome marshaling failure degrades to an empty
// batch rather than losing the row.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	for _, out := range rec.Outcomes {
		if out.OK {
			rec.OKCount++
		} else {
			rec.FailCount++
		}
	}
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		outcomes = []byte("[]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("audit log store 已关闭")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dispatch_audit (ts, action, exchange, root_order_id, ok_count, fail_count, outcomes_json, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, string(rec.Action), rec.Exchange, rec.RootOrderID,
		rec.OKCount, rec.FailCount, string(outcomes), rec.Error)
	return err
}

// ListRecent returns records newest first.
func (s *Store) ListRecent(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, ts, action, exchange, root_order_id, ok_count, fail_count, outcomes_json, error
		FROM dispatch_audit WHERE 1=1`
	args := make([]any, 0, 3)
	if q.Action != "" {
		query += " AND action = ?"
		args = append(args, string(q.Action))
	}
	if q.Exchange != "" {
		query += " AND exchange = ?"
		args = append(args, q.Exchange)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("audit log store 已关闭")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var action, outcomesJSON string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &action, &rec.Exchange, &rec.RootOrderID,
			&rec.OKCount, &rec.FailCount, &outcomesJSON, &rec.Error); err != nil {
			return nil, err
		}
		rec.Action = domain.Action(action)
		if outcomesJSON != "" {
			_ = json.Unmarshal([]byte(outcomesJSON), &rec.Outcomes)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
