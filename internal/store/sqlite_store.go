package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markus-barta/edgefleet/internal/protocol"
)

// sqliteStore is the Store implementation backed by modernc.org/sqlite,
// generalizing the teacher's InitDatabase/createTables pair (WAL mode,
// CREATE TABLE IF NOT EXISTS) into migration-managed schema plus the
// four-entity surface the coordinator depends on (spec §4.7).
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already-migrated *sql.DB (see OpenSQLite).
func NewSQLiteStore(db *sql.DB) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	return s.scanNode(s.db.QueryRowContext(ctx, `
		SELECT id, name, ip, status, cpu_percent, mem_percent, last_heartbeat, registered_at
		FROM nodes WHERE id = ?`, id))
}

func (s *sqliteStore) GetNodeByName(ctx context.Context, name string) (*Node, error) {
	return s.scanNode(s.db.QueryRowContext(ctx, `
		SELECT id, name, ip, status, cpu_percent, mem_percent, last_heartbeat, registered_at
		FROM nodes WHERE name = ?`, name))
}

func (s *sqliteStore) scanNode(row *sql.Row) (*Node, error) {
	var n Node
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&n.ID, &n.Name, &n.IP, &n.Status, &n.CPUPercent, &n.MemPercent, &lastHeartbeat, &n.RegisteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastHeartbeat.Valid {
		n.LastHeartbeat = lastHeartbeat.Time
	}
	return &n, nil
}

func (s *sqliteStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, ip, status, cpu_percent, mem_percent, last_heartbeat, registered_at
		FROM nodes ORDER BY registered_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var n Node
		var lastHeartbeat sql.NullTime
		if err := rows.Scan(&n.ID, &n.Name, &n.IP, &n.Status, &n.CPUPercent, &n.MemPercent, &lastHeartbeat, &n.RegisteredAt); err != nil {
			return nil, err
		}
		if lastHeartbeat.Valid {
			n.LastHeartbeat = lastHeartbeat.Time
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// UpsertNodeByName implements the node-name collision rule (spec §3):
// if a row for name already exists it is reused (same identity) with
// refreshed IP/status/heartbeat; otherwise a new identity is minted,
// retrying on a uniqueness violation per spec §9.
func (s *sqliteStore) UpsertNodeByName(ctx context.Context, name, ip string, now time.Time) (*Node, error) {
	existing, err := s.GetNodeByName(ctx, name)
	if err == nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE nodes SET ip = ?, status = ?, last_heartbeat = ? WHERE id = ?`,
			ip, protocol.StatusOnline, now, existing.ID)
		if err != nil {
			return nil, err
		}
		return s.GetNode(ctx, existing.ID)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		id, err := newID()
		if err != nil {
			return nil, err
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO nodes (id, name, ip, status, cpu_percent, mem_percent, last_heartbeat, registered_at)
			VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
			id, name, ip, protocol.StatusOnline, now, now)
		if err == nil {
			return s.GetNode(ctx, id)
		}
		if isUniqueConstraintErr(err) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("store: exhausted id generation attempts for node %q", name)
}

func (s *sqliteStore) UpdateHeartbeat(ctx context.Context, id, status string, cpuPercent, memPercent float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = ?, cpu_percent = ?, mem_percent = ?, last_heartbeat = ? WHERE id = ?`,
		status, cpuPercent, memPercent, at, id)
	return err
}

func (s *sqliteStore) SetNodeStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *sqliteStore) ScanStaleNodes(ctx context.Context, cutoff time.Time) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, ip, status, cpu_percent, mem_percent, last_heartbeat, registered_at
		FROM nodes WHERE status != 'offline' AND (last_heartbeat IS NULL OR last_heartbeat < ?)`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var n Node
		var lastHeartbeat sql.NullTime
		if err := rows.Scan(&n.ID, &n.Name, &n.IP, &n.Status, &n.CPUPercent, &n.MemPercent, &lastHeartbeat, &n.RegisteredAt); err != nil {
			return nil, err
		}
		if lastHeartbeat.Valid {
			n.LastHeartbeat = lastHeartbeat.Time
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (s *sqliteStore) InsertExecution(ctx context.Context, nodeID, command string, createdAt time.Time) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := newID()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO executions (id, node_id, command, status, created_at)
			VALUES (?, ?, ?, ?, ?)`, id, nodeID, command, ExecutionRunning, createdAt)
		if err == nil {
			return id, nil
		}
		if isUniqueConstraintErr(err) {
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("store: exhausted id generation attempts for execution on node %q", nodeID)
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	var exitCode sql.NullInt64
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, command, status, exit_code, created_at, finished_at
		FROM executions WHERE id = ?`, id).
		Scan(&e.ID, &e.NodeID, &e.Command, &e.Status, &exitCode, &e.CreatedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	return &e, nil
}

// CompleteExecution is idempotent: applying it twice (spec §4.1 duplicate
// tolerance for cmd_done) yields the same terminal state, because the
// WHERE clause only matches rows still running.
func (s *sqliteStore) CompleteExecution(ctx context.Context, id string, exitCode int, finishedAt time.Time) error {
	status := ExecutionFailed
	if exitCode == 0 {
		status = ExecutionSuccess
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, exit_code = ?, finished_at = ?
		WHERE id = ? AND status = ?`, status, exitCode, finishedAt, id, ExecutionRunning)
	return err
}

func (s *sqliteStore) FailRunningExecutionForNode(ctx context.Context, nodeID string, exitCode int, finishedAt time.Time) (string, bool, error) {
	var execID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM executions WHERE node_id = ? AND status = ? LIMIT 1`, nodeID, ExecutionRunning).Scan(&execID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}

	if err := s.CompleteExecution(ctx, execID, exitCode, finishedAt); err != nil {
		return "", false, err
	}
	return execID, true, nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, nodeID string, limit int) ([]*Execution, error) {
	query := `SELECT id, node_id, command, status, exit_code, created_at, finished_at FROM executions`
	args := []any{}
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		var exitCode sql.NullInt64
		var finishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.NodeID, &e.Command, &e.Status, &exitCode, &e.CreatedAt, &finishedAt); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			e.ExitCode = &v
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			e.FinishedAt = &t
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

func (s *sqliteStore) InsertLogLine(ctx context.Context, line LogLine) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO log_lines (exec_id, stream, line, timestamp) VALUES (?, ?, ?, ?)`,
		line.ExecID, line.Stream, line.Line, line.Timestamp)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListLogLines(ctx context.Context, execID string) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, exec_id, stream, line, timestamp FROM log_lines
		WHERE exec_id = ? ORDER BY seq ASC`, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.Seq, &l.ExecID, &l.Stream, &l.Line, &l.Timestamp); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}
