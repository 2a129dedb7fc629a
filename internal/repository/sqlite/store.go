// Package sqlite persists orchestration state in a single SQLite file.
// It is the only durable, shared mutable resource in the engine; every
// other component's caches are rebuilt from it.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/jaakkos/showrunner/internal/domain"
)

// Store wraps the SQLite database with typed per-entity operations.
// Writes are serialized in-process; cross-process writers are handled by
// WAL mode plus the busy timeout.
type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	signalPath string
	logger     zerolog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithSignalFile makes the store touch path after every committed write so
// fsnotify watchers can react without polling the database.
func WithSignalFile(path string) Option {
	return func(s *Store) { s.signalPath = path }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (creating if needed) the database at path, applies embedded
// migrations and returns the store.
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// signal touches the notify file after a committed write. Best-effort:
// a failed touch only delays watchers until their next poll.
func (s *Store) signal() {
	if s.signalPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.signalPath), 0755); err != nil {
		s.logger.Debug().Err(err).Msg("notify signal dir")
		return
	}
	rev := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(s.signalPath, []byte(rev), 0644); err != nil {
		s.logger.Debug().Err(err).Msg("notify signal write")
	}
}

// encodeList renders a string slice as its stored JSON form. The column
// defaults are '[]', so empty stays '[]' rather than ''.
func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	return domain.EncodeList(items)
}

// timeToDB renders t for storage; zero times become NULL.
func timeToDB(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// timeFromDB parses a nullable stored timestamp.
func timeFromDB(v sql.NullString, context string) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, v.String, err)
	}
	return t, nil
}

// --- project ---

// SaveProject upserts the singleton project row.
func (s *Store) SaveProject(ctx context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project (id, name, dir, phase, started_at, completed_at, brief)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			dir = excluded.dir,
			phase = excluded.phase,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			brief = excluded.brief`,
		p.Name, p.Dir, string(p.Phase), timeToDB(p.StartedAt), timeToDB(p.CompletedAt), p.Brief)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	s.signal()
	return nil
}

// Project returns the singleton project row, or domain.ErrNotInitialized
// when none exists yet.
func (s *Store) Project(ctx context.Context) (*domain.Project, error) {
	var (
		p           domain.Project
		phase       string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, dir, phase, started_at, completed_at, brief FROM project WHERE id = 1`).
		Scan(&p.Name, &p.Dir, &phase, &startedAt, &completedAt, &p.Brief)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	p.Phase = domain.ProjectPhase(phase)
	if p.StartedAt, err = timeFromDB(startedAt, "project.started_at"); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = timeFromDB(completedAt, "project.completed_at"); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- agents ---

// UpsertAgent writes an agent row keyed by its normalized role.
func (s *Store) UpsertAgent(ctx context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	role := domain.NormalizeRole(a.Role)
	if role == "" {
		return domain.Validationf("agent role must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (role, worker_kind, status, dependencies, task_id,
			spawned_at, completed_at, last_heartbeat_at, timeout_at,
			retry_count, last_message, last_error, recovery_context,
			estimated_context_usage, artifacts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(role) DO UPDATE SET
			worker_kind = excluded.worker_kind,
			status = excluded.status,
			dependencies = excluded.dependencies,
			task_id = excluded.task_id,
			spawned_at = excluded.spawned_at,
			completed_at = excluded.completed_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			timeout_at = excluded.timeout_at,
			retry_count = excluded.retry_count,
			last_message = excluded.last_message,
			last_error = excluded.last_error,
			recovery_context = excluded.recovery_context,
			estimated_context_usage = excluded.estimated_context_usage,
			artifacts = excluded.artifacts`,
		role, a.WorkerKind, string(a.Status), encodeList(a.Dependencies), a.TaskID,
		timeToDB(a.SpawnedAt), timeToDB(a.CompletedAt), timeToDB(a.LastHeartbeatAt), timeToDB(a.TimeoutAt),
		a.RetryCount, a.LastMessage, a.LastError, a.RecoveryContext,
		a.EstimatedContextUsage, encodeList(a.Artifacts))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", role, err)
	}
	s.signal()
	return nil
}

const agentColumns = `role, worker_kind, status, dependencies, task_id,
	spawned_at, completed_at, last_heartbeat_at, timeout_at,
	retry_count, last_message, last_error, recovery_context,
	estimated_context_usage, artifacts`

func scanAgent(scan func(...any) error) (*domain.Agent, error) {
	var (
		a            domain.Agent
		status       string
		deps         string
		spawnedAt    sql.NullString
		completedAt  sql.NullString
		heartbeatAt  sql.NullString
		timeoutAt    sql.NullString
		artifactsRaw string
	)
	err := scan(&a.Role, &a.WorkerKind, &status, &deps, &a.TaskID,
		&spawnedAt, &completedAt, &heartbeatAt, &timeoutAt,
		&a.RetryCount, &a.LastMessage, &a.LastError, &a.RecoveryContext,
		&a.EstimatedContextUsage, &artifactsRaw)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	if items, ok := domain.DecodeList(deps); ok {
		a.Dependencies = items
	}
	if items, ok := domain.DecodeList(artifactsRaw); ok {
		a.Artifacts = items
	}
	if a.SpawnedAt, err = timeFromDB(spawnedAt, "agent.spawned_at"); err != nil {
		return nil, err
	}
	if a.CompletedAt, err = timeFromDB(completedAt, "agent.completed_at"); err != nil {
		return nil, err
	}
	if a.LastHeartbeatAt, err = timeFromDB(heartbeatAt, "agent.last_heartbeat_at"); err != nil {
		return nil, err
	}
	if a.TimeoutAt, err = timeFromDB(timeoutAt, "agent.timeout_at"); err != nil {
		return nil, err
	}
	return &a, nil
}

// Agent returns the agent row for role, or domain.ErrRoleNotFound.
func (s *Store) Agent(ctx context.Context, role string) (*domain.Agent, error) {
	role = domain.NormalizeRole(role)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE role = ?`, role)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoleNotFound, role)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", role, err)
	}
	return a, nil
}

// Agents returns every agent row ordered by role.
func (s *Store) Agents(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agents iteration: %w", err)
	}
	return agents, nil
}

// --- checkpoints ---

// AppendCheckpoint persists a checkpoint and fills in its assigned ID.
// CreatedAt defaults to now when unset.
func (s *Store) AppendCheckpoint(ctx context.Context, c *domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Role = domain.NormalizeRole(c.Role)
	if c.Role == "" {
		return domain.Validationf("checkpoint role must not be empty")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (role, created_at, summary, completed_items,
			pending_items, active_files, notes, estimated_context_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Role, c.CreatedAt.UTC().Format(time.RFC3339Nano), c.Summary, c.CompletedItems,
		c.PendingItems, c.ActiveFiles, c.Notes, c.EstimatedContextUsage)
	if err != nil {
		return fmt.Errorf("append checkpoint for %s: %w", c.Role, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	s.signal()
	return nil
}

const checkpointColumns = `id, role, created_at, summary, completed_items,
	pending_items, active_files, notes, estimated_context_usage`

func scanCheckpoint(scan func(...any) error) (*domain.Checkpoint, error) {
	var (
		c         domain.Checkpoint
		createdAt string
	)
	err := scan(&c.ID, &c.Role, &createdAt, &c.Summary, &c.CompletedItems,
		&c.PendingItems, &c.ActiveFiles, &c.Notes, &c.EstimatedContextUsage)
	if err != nil {
		return nil, err
	}
	c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("checkpoint.created_at: parse timestamp %q: %w", createdAt, err)
	}
	return &c, nil
}

// LatestCheckpoint returns the newest checkpoint for role, or nil when the
// role has never checkpointed.
func (s *Store) LatestCheckpoint(ctx context.Context, role string) (*domain.Checkpoint, error) {
	role = domain.NormalizeRole(role)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE role = ? ORDER BY created_at DESC, id DESC LIMIT 1`, role)
	c, err := scanCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint for %s: %w", role, err)
	}
	return c, nil
}

// Checkpoints returns checkpoints for role, newest first. limit <= 0 means
// no limit.
func (s *Store) Checkpoints(ctx context.Context, role string, limit int) ([]*domain.Checkpoint, error) {
	role = domain.NormalizeRole(role)
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints
		WHERE role = ? ORDER BY created_at DESC, id DESC`
	args := []any{role}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoints for %s: %w", role, err)
	}
	defer rows.Close()

	var out []*domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoints iteration: %w", err)
	}
	return out, nil
}

// --- messages ---

// AppendMessage persists m if its id has not been seen before. Returns
// false when the id already existed; the caller then skips live fan-out,
// keeping delivery at-least-once rather than duplicated.
func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		return false, domain.Validationf("message id must not be empty")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, from_role, to_role, type, timestamp,
			content, artifacts, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, domain.NormalizeRole(m.From), normalizeTo(m.To), string(m.Type),
		m.Timestamp.UTC().Format(time.RFC3339Nano), m.Content, m.Artifacts, m.Metadata)
	if err != nil {
		return false, fmt.Errorf("append message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append message %s: %w", m.ID, err)
	}
	if n == 0 {
		return false, nil
	}
	s.signal()
	return true, nil
}

// normalizeTo keeps the broadcast sentinel intact while normalizing
// ordinary role names.
func normalizeTo(to string) string {
	if to == domain.BroadcastRole {
		return to
	}
	return domain.NormalizeRole(to)
}

const messageColumns = `id, from_role, to_role, type, timestamp, content, artifacts, metadata`

func scanMessage(scan func(...any) error) (*domain.Message, error) {
	var (
		m     domain.Message
		mtype string
		ts    string
	)
	err := scan(&m.ID, &m.From, &m.To, &mtype, &ts, &m.Content, &m.Artifacts, &m.Metadata)
	if err != nil {
		return nil, err
	}
	m.Type = domain.MessageType(mtype)
	m.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("message.timestamp: parse timestamp %q: %w", ts, err)
	}
	return &m, nil
}

// MessagesForRole returns messages visible to role (addressed to it,
// broadcast, or sent by it), in persistence order. A non-zero since
// filters to messages strictly newer than it.
func (s *Store) MessagesForRole(ctx context.Context, role string, since time.Time) ([]*domain.Message, error) {
	role = domain.NormalizeRole(role)
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE (to_role = ? OR to_role = ? OR from_role = ?)`
	args := []any{role, domain.BroadcastRole, role}
	if !since.IsZero() {
		query += ` AND timestamp > ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("messages for %s: %w", role, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// Messages returns the most recent messages, newest first. limit <= 0
// means no limit.
func (s *Store) Messages(ctx context.Context, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages ORDER BY timestamp DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*domain.Message, error) {
	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages iteration: %w", err)
	}
	return out, nil
}

// --- tasks ---

// AppendTask records a spawn attempt in the task ledger.
func (s *Store) AppendTask(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		return domain.Validationf("task id must not be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, role, worker_kind, status, pid, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, domain.NormalizeRole(t.Role), t.WorkerKind, t.Status, t.PID,
		t.CreatedAt.UTC().Format(time.RFC3339Nano), timeToDB(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("append task %s: %w", t.ID, err)
	}
	s.signal()
	return nil
}

// FinishTask marks a ledger row finished with the given status.
func (s *Store) FinishTask(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	s.signal()
	return nil
}

// Tasks returns ledger rows for role (or every role when role is empty),
// newest first. limit <= 0 means no limit.
func (s *Store) Tasks(ctx context.Context, role string, limit int) ([]*domain.Task, error) {
	query := `SELECT id, role, worker_kind, status, pid, created_at, finished_at FROM tasks`
	var args []any
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, domain.NormalizeRole(role))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		var (
			t          domain.Task
			createdAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Role, &t.WorkerKind, &t.Status, &t.PID, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("task.created_at: parse timestamp %q: %w", createdAt, err)
		}
		if t.FinishedAt, err = timeFromDB(finishedAt, "task.finished_at"); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks iteration: %w", err)
	}
	return out, nil
}
