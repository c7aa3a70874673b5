package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	logx "github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteRegistry struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (creating if needed) a SQLite-backed Registry.
func OpenSQLite(cfg SQLiteConfig, log logx.Logger) (Registry, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, newError(CodeBackend, "open", errors.New("sqlite path is required"))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, newError(CodeBackend, "open", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, newError(CodeBackend, "open", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	r := &sqliteRegistry{db: db, log: log}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, newError(CodeBackend, "migrate", err)
	}
	log.Debug("sqlite task registry opened", logx.String("path", cfg.Path))
	return r, nil
}

func (r *sqliteRegistry) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, string(b))
	return err
}

func (r *sqliteRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const taskColumns = `id, name, description, schedule_type, status, priority, handler, handler_args,
	scheduled_time, schedule_expression, interval_spec, dependencies,
	created_at, updated_at, last_executed_at, expected_completion, metadata`

func (r *sqliteRegistry) Store(ctx context.Context, t *task.Task) error {
	row, err := encodeTask(t)
	if err != nil {
		return newError(CodeSerialization, "store", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   schedule_type=excluded.schedule_type, status=excluded.status,
		   priority=excluded.priority, handler=excluded.handler,
		   handler_args=excluded.handler_args, scheduled_time=excluded.scheduled_time,
		   schedule_expression=excluded.schedule_expression,
		   interval_spec=excluded.interval_spec, dependencies=excluded.dependencies,
		   created_at=excluded.created_at, updated_at=excluded.updated_at,
		   last_executed_at=excluded.last_executed_at,
		   expected_completion=excluded.expected_completion, metadata=excluded.metadata`,
		row...)
	if err != nil {
		return newError(CodeBackend, "store", err)
	}
	return nil
}

func (r *sqliteRegistry) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(CodeNotFound, "get", nil)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *sqliteRegistry) Update(ctx context.Context, t *task.Task) error {
	row, err := encodeTask(t)
	if err != nil {
		return newError(CodeSerialization, "update", err)
	}
	// Shift id to the WHERE position.
	args := append(row[1:], row[0])
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET
		   name=?, description=?, schedule_type=?, status=?, priority=?, handler=?,
		   handler_args=?, scheduled_time=?, schedule_expression=?, interval_spec=?,
		   dependencies=?, created_at=?, updated_at=?, last_executed_at=?,
		   expected_completion=?, metadata=?
		 WHERE id = ?`, args...)
	if err != nil {
		return newError(CodeBackend, "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError(CodeBackend, "update", err)
	}
	if n == 0 {
		return newError(CodeNotFound, "update", nil)
	}
	return nil
}

func (r *sqliteRegistry) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, newError(CodeBackend, "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newError(CodeBackend, "delete", err)
	}
	return n > 0, nil
}

func (r *sqliteRegistry) Find(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	all, err := r.query(ctx, f)
	if err != nil {
		return nil, err
	}
	return f.Apply(all, time.Now()), nil
}

func (r *sqliteRegistry) Count(ctx context.Context, f task.Filter) (int, error) {
	all, err := r.query(ctx, f)
	if err != nil {
		return 0, err
	}
	f.Limit = 0
	f.Offset = 0
	return len(f.Apply(all, time.Now())), nil
}

func (r *sqliteRegistry) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return newError(CodeBackend, "clear", err)
	}
	return nil
}

// query pushes the cheap predicates down to SQL; Filter.Apply remains the
// authoritative post-pass (tags, metadata, ranges, pagination, sorting).
func (r *sqliteRegistry) query(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.ScheduleTypes) > 0 {
		where = append(where, "schedule_type IN ("+placeholders(len(f.ScheduleTypes))+")")
		for _, st := range f.ScheduleTypes {
			args = append(args, string(st))
		}
	}
	if f.PriorityMin != nil {
		where = append(where, "priority >= ?")
		args = append(args, int(*f.PriorityMin))
	}
	if f.PriorityMax != nil {
		where = append(where, "priority <= ?")
		args = append(args, int(*f.PriorityMax))
	}

	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, newError(CodeBackend, "find", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, newError(CodeBackend, "find", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ---- row codec ----

func encodeTask(t *task.Task) ([]any, error) {
	if t == nil || t.ID == "" {
		return nil, errTaskIDRequired
	}
	handlerArgs, err := jsonOrNull(t.HandlerArgs, len(t.HandlerArgs) > 0)
	if err != nil {
		return nil, err
	}
	interval, err := jsonOrNull(t.Interval, t.Interval != nil)
	if err != nil {
		return nil, err
	}
	deps, err := jsonOrNull(t.Dependencies, len(t.Dependencies) > 0)
	if err != nil {
		return nil, err
	}
	meta, err := jsonOrNull(t.Metadata, true)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.Name, nullStr(t.Description), string(t.ScheduleType), string(t.Status),
		int(t.Priority), nullStr(t.Handler), handlerArgs,
		nullTime(t.ScheduledTime), nullStr(t.ScheduleExpression), interval, deps,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
		nullTime(t.LastExecutedAt), nullTime(t.ExpectedCompletionTime), meta,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                                       task.Task
		description, handler, scheduleExpr      sql.NullString
		handlerArgs, interval, deps, meta       sql.NullString
		scheduledTime, lastExecuted, expectedAt sql.NullString
		createdAt, updatedAt                    string
		scheduleType, status                    string
		priority                                int
	)
	err := row.Scan(
		&t.ID, &t.Name, &description, &scheduleType, &status, &priority,
		&handler, &handlerArgs, &scheduledTime, &scheduleExpr, &interval, &deps,
		&createdAt, &updatedAt, &lastExecuted, &expectedAt, &meta,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, newError(CodeBackend, "scan", err)
	}

	t.Description = description.String
	t.ScheduleType = task.ScheduleType(scheduleType)
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.Handler = handler.String
	t.ScheduleExpression = scheduleExpr.String

	if handlerArgs.Valid {
		if err := json.Unmarshal([]byte(handlerArgs.String), &t.HandlerArgs); err != nil {
			return nil, newError(CodeSerialization, "scan", err)
		}
	}
	if t.HandlerArgs == nil {
		t.HandlerArgs = map[string]any{}
	}
	if interval.Valid {
		t.Interval = &task.IntervalSpec{}
		if err := json.Unmarshal([]byte(interval.String), t.Interval); err != nil {
			return nil, newError(CodeSerialization, "scan", err)
		}
	}
	if deps.Valid {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, newError(CodeSerialization, "scan", err)
		}
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, newError(CodeSerialization, "scan", err)
		}
	}

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, newError(CodeSerialization, "scan", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, newError(CodeSerialization, "scan", err)
	}
	if t.ScheduledTime, err = parseNullTime(scheduledTime); err != nil {
		return nil, newError(CodeSerialization, "scan", err)
	}
	if t.LastExecutedAt, err = parseNullTime(lastExecuted); err != nil {
		return nil, newError(CodeSerialization, "scan", err)
	}
	if t.ExpectedCompletionTime, err = parseNullTime(expectedAt); err != nil {
		return nil, newError(CodeSerialization, "scan", err)
	}
	return &t, nil
}

func jsonOrNull(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}
