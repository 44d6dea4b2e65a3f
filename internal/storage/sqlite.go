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
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"geppetto/internal/model"
	"geppetto/internal/schedule"
	"geppetto/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeFormat keeps fractional seconds fixed-width so lexicographic ordering
// of stored timestamps matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
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

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
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

// ---- jobs ----

const jobCols = `id, name, cron_expr, timezone, allow_concurrent, config, active, created_at, updated_at`

func (s *sqliteStore) FetchActiveJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE active = 1 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) UpsertJob(ctx context.Context, job model.Job) error {
	if err := schedule.Validate(job.CronExpr, job.Timezone); err != nil {
		return fmt.Errorf("job %q: %w", job.ID, err)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, cron_expr=excluded.cron_expr, timezone=excluded.timezone,
		   allow_concurrent=excluded.allow_concurrent, config=excluded.config,
		   active=excluded.active, updated_at=excluded.updated_at`,
		job.ID, job.Name, job.CronExpr, job.Timezone, boolInt(job.AllowConcurrent),
		nullStr(string(job.Config)), boolInt(job.Active),
		job.CreatedAt.Format(timeFormat), job.UpdatedAt.Format(timeFormat),
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return nil
}

// ---- rules ----

func (s *sqliteStore) FetchJobRules(ctx context.Context, jobID string) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, name, definition, created_at FROM rules WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		var def sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &r.JobID, &r.Name, &def, &created); err != nil {
			return nil, err
		}
		if def.Valid {
			r.Definition = []byte(def.String)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddRule(ctx context.Context, rule model.Rule) (string, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(id, job_id, name, definition, created_at) VALUES(?,?,?,?,?)`,
		rule.ID, rule.JobID, rule.Name, nullStr(string(rule.Definition)),
		rule.CreatedAt.Format(timeFormat),
	)
	return rule.ID, err
}

// ---- executions ----

const execCols = `id, job_id, status, scheduled_for, started_at, finished_at, exit_code, error_message, created_at`

func (s *sqliteStore) CreateExecution(ctx context.Context, jobID string, scheduledFor time.Time) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, job_id, status, scheduled_for, created_at) VALUES(?,?,?,?,?)`,
		id, jobID, model.StatusPending.String(),
		scheduledFor.UTC().Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) error {
	var cur string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM executions WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !model.ValidTransition(model.Status(cur), upd.Status) {
		return fmt.Errorf("execution %q: %s -> %s: %w", id, cur, upd.Status, ErrInvalidTransition)
	}

	sets := []string{"status = ?"}
	args := []any{upd.Status.String()}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, upd.StartedAt.UTC().Format(timeFormat))
	}
	if upd.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, upd.FinishedAt.UTC().Format(timeFormat))
	}
	if upd.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *upd.ExitCode)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*upd.ErrorMessage))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (model.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+execCols+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *sqliteStore) GetRunningExecution(ctx context.Context, jobID string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+execCols+` FROM executions WHERE job_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		jobID, model.StatusRunning.String())
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]model.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execCols+` FROM executions WHERE job_id = ? ORDER BY created_at DESC LIMIT ?`,
		jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetExecutionStats(ctx context.Context) (map[model.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[model.Status]int64, len(model.AllStatuses))
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats[model.Status(st)] = n
	}
	return stats, rows.Err()
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var j model.Job
	var allowConcurrent, active int
	var config sql.NullString
	var created, updated string
	err := row.Scan(&j.ID, &j.Name, &j.CronExpr, &j.Timezone, &allowConcurrent,
		&config, &active, &created, &updated)
	if err != nil {
		return model.Job{}, err
	}
	j.AllowConcurrent = allowConcurrent != 0
	j.Active = active != 0
	if config.Valid {
		j.Config = []byte(config.String)
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return j, nil
}

func scanExecution(row rowScanner) (model.Execution, error) {
	var e model.Execution
	var status, scheduled, created string
	var started, finished, errMsg sql.NullString
	var exitCode sql.NullInt64
	err := row.Scan(&e.ID, &e.JobID, &status, &scheduled, &started, &finished,
		&exitCode, &errMsg, &created)
	if err != nil {
		return model.Execution{}, err
	}
	e.Status = model.Status(status)
	e.ScheduledFor = parseTime(scheduled)
	e.CreatedAt = parseTime(created)
	if started.Valid {
		t := parseTime(started.String)
		e.StartedAt = &t
	}
	if finished.Valid {
		t := parseTime(finished.String)
		e.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		e.ExitCode = &c
	}
	if errMsg.Valid {
		e.ErrorMessage = errMsg.String
	}
	return e, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
