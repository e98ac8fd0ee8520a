package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/avandra/agora/pkg/schema"
)

// statusLockShards bounds the lock striping table for status mutations.
const statusLockShards = 64

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
// Status mutations for a given message ID are serialized through a striped
// lock so concurrent transitions observe a consistent current status.
type LibSQLStore struct {
	db    *sql.DB
	locks [statusLockShards]sync.Mutex
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/agora.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Messages ---

func (s *LibSQLStore) WriteMessage(ctx context.Context, msg *StoredMessage) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE id = ?`, msg.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return schema.NewErrorf(schema.ErrCodeDuplicateID, "message %q already exists", msg.ID)
	}

	status := msg.Status
	if status == "" {
		status = schema.StatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, timestamp, sender, target, type, content, status, result, processed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, timeOrNow(msg.Timestamp), msg.Sender, msg.Target, string(msg.Type),
		string(msg.Content), string(status), nullRaw(msg.Result), nullTime(msg.ProcessedAt), timeOrNow(msg.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeDuplicateID, "message %q already exists", msg.ID)
	}
	return err
}

func (s *LibSQLStore) GetMessage(ctx context.Context, id string) (*StoredMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, sender, target, type, content, status, result, processed_at, created_at
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("message", id)
	}
	return msg, err
}

func (s *LibSQLStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*StoredMessage, error) {
	var where []string
	var args []any

	if filter.Target != "" {
		// A read for target X also returns broadcasts.
		where = append(where, "(target = ? OR target = '*')")
		args = append(args, filter.Target)
	}
	if filter.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, filter.Sender)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.Until)
	}

	query := `SELECT id, timestamp, sender, target, type, content, status, result, processed_at, created_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// UpdateMessageStatus transitions a message from pending to a terminal
// status, recording the optional result payload. Repeating an update
// with the same terminal status succeeds without effect; transitions to
// a different terminal status are rejected. Concurrent transitions on
// the same ID are serialized.
func (s *LibSQLStore) UpdateMessageStatus(ctx context.Context, id string, status string, result json.RawMessage) error {
	next := schema.MessageStatus(status)
	if next != schema.StatusProcessed && next != schema.StatusFailed {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot transition to %q", status)
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("message", id)
	}
	if err != nil {
		return err
	}
	if current == string(next) {
		return nil
	}
	if schema.MessageStatus(current).IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"message %q is already %s", id, current)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, result = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(next), nullRaw(result), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "message", id)
}

func (s *LibSQLStore) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%statusLockShards]
}

// --- Agents ---

func (s *LibSQLStore) UpsertAgent(ctx context.Context, agent *AgentRecord) error {
	state := agent.State
	if state == "" {
		state = schema.AgentIdle
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, state, last_seen, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, last_seen=excluded.last_seen`,
		agent.ID, string(state), timeOrNow(agent.LastSeen), timeOrNow(agent.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	a := &AgentRecord{}
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, last_seen, created_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &state, &a.LastSeen, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.State = schema.AgentState(state)
	return a, nil
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, last_seen, created_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		a := &AgentRecord{}
		var state string
		if err := rows.Scan(&a.ID, &state, &a.LastSeen, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.State = schema.AgentState(state)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *LibSQLStore) TouchAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

// --- Workflow runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *RunRecord) error {
	status := run.Status
	if status == "" {
		status = schema.RunPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_name, request_id, definition, status, error, created_at, started_at, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, nullStr(run.RequestID), string(run.Definition),
		string(status), nullStr(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.FinishedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, request_id, definition, status, error, created_at, started_at, finished_at, updated_at
		 FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_name, request_id, definition, status, error, created_at, started_at, finished_at, updated_at FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Step executions ---

func (s *LibSQLStore) UpsertStepExecution(ctx context.Context, exec *StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (run_id, step_name, status, attempts, output, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_name) DO UPDATE SET
		   status=excluded.status, attempts=excluded.attempts, output=excluded.output,
		   error=excluded.error, started_at=excluded.started_at, finished_at=excluded.finished_at`,
		exec.RunID, exec.StepName, string(exec.Status), exec.Attempts,
		nullRaw(exec.Output), nullStr(exec.Error), nullTime(exec.StartedAt), nullTime(exec.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_name, status, attempts, output, error, started_at, finished_at
		 FROM step_executions WHERE run_id = ? ORDER BY step_name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*StepRecord
	for rows.Next() {
		e := &StepRecord{}
		var status string
		var output, errMsg sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&e.RunID, &e.StepName, &status, &e.Attempts,
			&output, &errMsg, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		e.Status = schema.StepStatus(status)
		e.Output = rawOrNil(output)
		e.Error = errMsg.String
		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			e.FinishedAt = &finishedAt.Time
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepName, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepName, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepName = stepName.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Cleanup ---

// ArchiveMessages copies messages older than the cutoff into
// archived_messages and deletes the originals, in one transaction.
// Re-running with the same cutoff is a no-op.
func (s *LibSQLStore) ArchiveMessages(ctx context.Context, cutoff CutoffFilter) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	where := "timestamp < ?"
	args := []any{cutoff.Before}
	if cutoff.TerminalOnly {
		where += " AND status IN ('processed', 'failed')"
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO archived_messages (id, timestamp, sender, target, type, content, status, result, processed_at, created_at)
		 SELECT id, timestamp, sender, target, type, content, status, result, processed_at, created_at
		 FROM messages WHERE %s`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("archive messages: %w", err)
	}
	archived, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM messages WHERE %s`, where), args...); err != nil {
		return 0, fmt.Errorf("delete archived messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return archived, nil
}

// PurgeMessages deletes messages older than the cutoff without
// archiving them.
func (s *LibSQLStore) PurgeMessages(ctx context.Context, cutoff CutoffFilter) (int64, error) {
	where := "timestamp < ?"
	args := []any{cutoff.Before}
	if cutoff.TerminalOnly {
		where += " AND status IN ('processed', 'failed')"
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM messages WHERE %s`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *LibSQLStore) CountArchived(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM archived_messages`).Scan(&n)
	return n, err
}

// --- Scan helpers ---

func scanMessage(scan func(...any) error) (*StoredMessage, error) {
	m := &StoredMessage{}
	var mtype, status string
	var result sql.NullString
	var processedAt sql.NullTime
	var content string
	if err := scan(&m.ID, &m.Timestamp, &m.Sender, &m.Target, &mtype,
		&content, &status, &result, &processedAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Type = schema.MessageType(mtype)
	m.Status = schema.MessageStatus(status)
	m.Content = json.RawMessage(content)
	m.Result = rawOrNil(result)
	if processedAt.Valid {
		m.ProcessedAt = &processedAt.Time
	}
	return m, nil
}

func scanRun(scan func(...any) error) (*RunRecord, error) {
	run := &RunRecord{}
	var requestID, errMsg sql.NullString
	var defJSON, status string
	var startedAt, finishedAt sql.NullTime
	if err := scan(&run.ID, &run.WorkflowName, &requestID, &defJSON, &status,
		&errMsg, &run.CreatedAt, &startedAt, &finishedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.RequestID = requestID.String
	run.Definition = json.RawMessage(defJSON)
	run.Status = schema.RunStatus(status)
	run.Error = errMsg.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AgoraError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
