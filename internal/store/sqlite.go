package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/buildorch/internal/build"
)

// SQLiteStore implements Store on a single SQLite file.
// The build_queue autoincrement sequence is the FIFO order.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dbPath string, terminalTTL time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, ttl: terminalTTL, now: time.Now}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS active_builds (
		build_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		added_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS build_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS terminal_builds (
		build_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) AddActive(ctx context.Context, req build.Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO active_builds (build_id, payload, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(build_id) DO UPDATE SET payload = excluded.payload`,
		req.BuildID, payload, s.now().Unix(),
	)
	if err != nil {
		return storeErr(err, "add active build")
	}
	return nil
}

func (s *SQLiteStore) RemoveActive(ctx context.Context, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM active_builds WHERE build_id = ?", buildID); err != nil {
		return storeErr(err, "remove active build")
	}
	return nil
}

func (s *SQLiteStore) ActiveRequests(ctx context.Context) ([]build.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs, err := s.queryRequests(ctx, "SELECT payload FROM active_builds ORDER BY build_id")
	if err != nil {
		return nil, storeErr(err, "list active builds")
	}
	return reqs, nil
}

func (s *SQLiteStore) PushQueue(ctx context.Context, req build.Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT INTO build_queue (build_id, payload) VALUES (?, ?)", req.BuildID, payload); err != nil {
		return storeErr(err, "enqueue build")
	}
	return nil
}

// ClaimNext deletes the queue head and inserts it into active_builds in one
// transaction.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (build.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return build.Request{}, false, storeErr(err, "begin claim")
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		buildID string
		payload string
	)
	err = tx.QueryRowContext(ctx, "SELECT seq, build_id, payload FROM build_queue ORDER BY seq LIMIT 1").
		Scan(&seq, &buildID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return build.Request{}, false, nil
	}
	if err != nil {
		return build.Request{}, false, storeErr(err, "claim queued build")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM build_queue WHERE seq = ?", seq); err != nil {
		return build.Request{}, false, storeErr(err, "claim queued build")
	}

	req, decodeErr := decode(payload)
	if decodeErr == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO active_builds (build_id, payload, added_at) VALUES (?, ?, ?)
			 ON CONFLICT(build_id) DO UPDATE SET payload = excluded.payload`,
			buildID, payload, s.now().Unix(),
		)
		if err != nil {
			return build.Request{}, false, storeErr(err, "claim queued build")
		}
	}
	// An undecodable head is dropped so it cannot block the queue.
	if err := tx.Commit(); err != nil {
		return build.Request{}, false, storeErr(err, "commit claim")
	}
	if decodeErr != nil {
		return build.Request{}, false, decodeErr
	}
	return req, true, nil
}

// Unclaim inserts below the smallest sequence number; explicit rowids are
// allowed alongside AUTOINCREMENT.
func (s *SQLiteStore) Unclaim(ctx context.Context, req build.Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin unclaim")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM active_builds WHERE build_id = ?", req.BuildID); err != nil {
		return storeErr(err, "unclaim build")
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO build_queue (seq, build_id, payload) SELECT COALESCE(MIN(seq), 1) - 1, ?, ? FROM build_queue",
		req.BuildID, payload,
	)
	if err != nil {
		return storeErr(err, "unclaim build")
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "commit unclaim")
	}
	return nil
}

func (s *SQLiteStore) QueuedRequests(ctx context.Context) ([]build.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs, err := s.queryRequests(ctx, "SELECT payload FROM build_queue ORDER BY seq")
	if err != nil {
		return nil, storeErr(err, "list queued builds")
	}
	return reqs, nil
}

func (s *SQLiteStore) QueueLength(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM build_queue").Scan(&n); err != nil {
		return 0, storeErr(err, "queue length")
	}
	return n, nil
}

func (s *SQLiteStore) MarkTerminal(ctx context.Context, buildID string, status build.Status) error {
	expires := int64(0)
	if s.ttl > 0 {
		expires = s.now().Add(s.ttl).Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terminal_builds (build_id, status, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(build_id) DO UPDATE SET status = excluded.status, expires_at = excluded.expires_at`,
		buildID, string(status), expires,
	)
	if err != nil {
		return storeErr(err, "mark build terminal")
	}
	return nil
}

// TerminalStatus treats expires_at = 0 as "never expires".
func (s *SQLiteStore) TerminalStatus(ctx context.Context, buildID string) (build.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM terminal_builds WHERE build_id = ? AND (expires_at = 0 OR expires_at > ?)",
		buildID, s.now().Unix(),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(err, "read terminal status")
	}
	return build.Status(status), true, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr(err, "ping sqlite")
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) queryRequests(ctx context.Context, query string) ([]build.Request, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []build.Request
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		req, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
