package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "pacer/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxRuns    int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRuns: maxRuns(cfg), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r.normalize()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, task_id, label, worker, started, queue_delay_ms, duration_ms, ok, panicked, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, int64(r.TaskID), r.Label, r.Worker, r.Started.UTC().Format(time.RFC3339Nano),
		r.QueueDelay.Milliseconds(), r.Duration.Milliseconds(), r.OK, r.Panicked, nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		if err := s.prune(ctx); err != nil {
			s.log.Debug("run history prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, label, worker, started, queue_delay_ms, duration_ms, ok, panicked, err
		 FROM (SELECT rowid AS rid, * FROM runs ORDER BY rowid DESC LIMIT ?) ORDER BY rid ASC`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r              RunRecord
			taskID         int64
			started        string
			queueMS, durMS int64
			errText        sql.NullString
		)
		if err := rows.Scan(&r.ID, &taskID, &r.Label, &r.Worker, &started, &queueMS, &durMS, &r.OK, &r.Panicked, &errText); err != nil {
			return nil, err
		}
		r.TaskID = uint64(taskID)
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.QueueDelay = time.Duration(queueMS) * time.Millisecond
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE rowid <= (SELECT rowid FROM runs ORDER BY rowid DESC LIMIT 1 OFFSET ?)`, s.maxRuns)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
