package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store on a local sqlite database. The
// conditional UPDATE in UpdateIfStatus is the atomicity primitive: two
// racing decisions produce one affected row and one ErrConflict.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and runs
// migrations. Use ":memory:" for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open approval db: %w", err)
	}
	// sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent decisions.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			sub_command TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '{}',
			requester TEXT NOT NULL,
			requester_identity TEXT NOT NULL,
			approval_code TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			decided_at TIMESTAMP,
			decided_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT ''
		)`,
		// Codes are unique only while pending; decided requests release
		// their code for reuse.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_pending_code
			ON approval_requests(approval_code) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_approval_status_created
			ON approval_requests(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requester
			ON approval_requests(requester_identity, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate approval db: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, req *Request) error {
	args, err := json.Marshal(req.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	requester, err := json.Marshal(req.Requester)
	if err != nil {
		return fmt.Errorf("marshal requester: %w", err)
	}
	if req.Status == StatusPending {
		var taken int
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM approval_requests WHERE approval_code = ? AND status = 'pending'`,
			req.ApprovalCode).Scan(&taken)
		if err != nil {
			return fmt.Errorf("check approval code: %w", err)
		}
		if taken > 0 {
			return ErrCodeConflict
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests
			(id, command, sub_command, args, requester, requester_identity,
			 approval_code, status, created_at, expires_at, decided_at, decided_by, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Command, req.SubCommand, string(args), string(requester),
		req.Requester.Identity, req.ApprovalCode, string(req.Status),
		req.CreatedAt, req.ExpiresAt, req.DecidedAt, req.DecidedBy, req.Reason)
	if err != nil {
		// The partial unique index closes the check-then-insert race.
		if req.Status == StatusPending {
			return ErrCodeConflict
		}
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

const selectColumns = `id, command, sub_command, args, requester,
	approval_code, status, created_at, expires_at, decided_at, decided_by, reason`

func (s *SQLiteStore) Get(ctx context.Context, idOrCode string) (*Request, error) {
	// Prefer the id match, then the pending holder of the code, then
	// the most recent decided holder.
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM approval_requests
		 WHERE id = ? OR approval_code = ?
		 ORDER BY (id = ?) DESC, (status = 'pending') DESC, created_at DESC
		 LIMIT 1`,
		idOrCode, idOrCode, idOrCode)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) UpdateIfStatus(ctx context.Context, id string, expected Status, d Decision) (*Request, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = ?, decided_at = ?, decided_by = ?,
		     reason = CASE WHEN ? != '' THEN ? ELSE reason END
		 WHERE id = ? AND status = ?`,
		string(d.Status), d.DecidedAt, d.DecidedBy, d.Reason, d.Reason, id, string(expected))
	if err != nil {
		return nil, fmt.Errorf("update approval request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update approval request: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM approval_requests WHERE id = ?`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("update approval request: %w", err)
		}
		if exists == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]*Request, error) {
	return s.list(ctx,
		`SELECT `+selectColumns+` FROM approval_requests
		 WHERE status = 'pending' ORDER BY created_at ASC`)
}

func (s *SQLiteStore) ListExpired(ctx context.Context, cutoff time.Time) ([]*Request, error) {
	return s.list(ctx,
		`SELECT `+selectColumns+` FROM approval_requests
		 WHERE status = 'pending' AND expires_at <= ? ORDER BY created_at ASC`, cutoff)
}

func (s *SQLiteStore) CountPendingBy(ctx context.Context, requesterIdentity string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM approval_requests WHERE requester_identity = ? AND status = 'pending'`,
		requesterIdentity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending requests: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req           Request
		argsJSON      string
		requesterJSON string
		status        string
		decidedAt     sql.NullTime
	)
	err := row.Scan(&req.ID, &req.Command, &req.SubCommand, &argsJSON, &requesterJSON,
		&req.ApprovalCode, &status, &req.CreatedAt, &req.ExpiresAt,
		&decidedAt, &req.DecidedBy, &req.Reason)
	if err != nil {
		return nil, err
	}
	req.Status = Status(status)
	if err := json.Unmarshal([]byte(argsJSON), &req.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(requesterJSON), &req.Requester); err != nil {
		return nil, fmt.Errorf("unmarshal requester: %w", err)
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return &req, nil
}
