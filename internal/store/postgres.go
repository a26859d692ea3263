package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"jobflow/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_status (
	job_id       TEXT PRIMARY KEY,
	build_number INTEGER NOT NULL DEFAULT 0,
	flow         TEXT NOT NULL,
	scope        TEXT NOT NULL,
	failed_at    TIMESTAMPTZ,
	flagged_at   TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS builds (
	job_id       TEXT NOT NULL,
	number       INTEGER NOT NULL,
	phase        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	cause        TEXT NOT NULL DEFAULT '',
	queued_at    TIMESTAMPTZ,
	started_at   TIMESTAMPTZ,
	finalized_at TIMESTAMPTZ,
	PRIMARY KEY (job_id, number)
);

CREATE TABLE IF NOT EXISTS checkup_logs (
	seq            BIGSERIAL,
	id             TEXT PRIMARY KEY,
	checkup_id     TEXT NOT NULL,
	job_id         TEXT NOT NULL,
	build_number   INTEGER NOT NULL,
	query          TEXT NOT NULL,
	conditional    TEXT NOT NULL,
	threshold      TEXT NOT NULL,
	observed       TEXT NOT NULL,
	action         TEXT NOT NULL,
	scope          TEXT NOT NULL,
	pre_validation BOOLEAN NOT NULL,
	success        BOOLEAN NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	commands       JSONB NOT NULL DEFAULT '[]',
	at             TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS checkup_logs_job_build ON checkup_logs (job_id, build_number);

CREATE TABLE IF NOT EXISTS approvals (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	build_number INTEGER NOT NULL,
	state        TEXT NOT NULL,
	superseded   BOOLEAN NOT NULL DEFAULT FALSE,
	reason       TEXT NOT NULL DEFAULT '',
	approver     TEXT NOT NULL DEFAULT '',
	resolved_by  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	resolved_at  TIMESTAMPTZ
);
`

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) GetStatus(ctx context.Context, jobID string) (model.JobStatus, bool, error) {
	query := `
		SELECT job_id, build_number, flow, scope, failed_at, flagged_at, updated_at
		FROM job_status
		WHERE job_id = $1
	`
	st, err := scanStatus(p.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return model.JobStatus{}, false, nil
	}
	if err != nil {
		return model.JobStatus{}, false, fmt.Errorf("get status %s: %w", jobID, err)
	}
	return st, true, nil
}

func (p *Postgres) PutStatus(ctx context.Context, st model.JobStatus) error {
	query := `
		INSERT INTO job_status (job_id, build_number, flow, scope, failed_at, flagged_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET
			build_number = EXCLUDED.build_number,
			flow = EXCLUDED.flow,
			scope = EXCLUDED.scope,
			failed_at = EXCLUDED.failed_at,
			flagged_at = EXCLUDED.flagged_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := p.db.ExecContext(ctx, query,
		st.JobID,
		st.BuildNumber,
		st.Flow,
		st.Scope,
		nullTime(st.FailedAt),
		nullTime(st.FlaggedAt),
		nullTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put status %s: %w", st.JobID, err)
	}
	return nil
}

func (p *Postgres) Statuses(ctx context.Context) ([]model.JobStatus, error) {
	query := `
		SELECT job_id, build_number, flow, scope, failed_at, flagged_at, updated_at
		FROM job_status
		ORDER BY job_id
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []model.JobStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (model.JobStatus, error) {
	var st model.JobStatus
	var flow, scope string
	var failedAt, flaggedAt, updatedAt sql.NullTime
	if err := row.Scan(&st.JobID, &st.BuildNumber, &flow, &scope, &failedAt, &flaggedAt, &updatedAt); err != nil {
		return st, err
	}
	st.Flow = model.Flow(flow)
	st.Scope = model.Scope(scope)
	st.FailedAt = timeOf(failedAt)
	st.FlaggedAt = timeOf(flaggedAt)
	st.UpdatedAt = timeOf(updatedAt)
	return st, nil
}

func (p *Postgres) SaveBuild(ctx context.Context, b model.Build) error {
	query := `
		INSERT INTO builds (job_id, number, phase, status, cause, queued_at, started_at, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, number) DO UPDATE SET
			phase = EXCLUDED.phase,
			status = EXCLUDED.status,
			queued_at = COALESCE(builds.queued_at, EXCLUDED.queued_at),
			started_at = COALESCE(builds.started_at, EXCLUDED.started_at),
			finalized_at = COALESCE(builds.finalized_at, EXCLUDED.finalized_at)
	`
	_, err := p.db.ExecContext(ctx, query,
		b.JobID,
		b.Number,
		b.Phase,
		b.Status,
		b.Cause,
		nullTime(b.QueuedAt),
		nullTime(b.StartedAt),
		nullTime(b.FinalizedAt),
	)
	if err != nil {
		return fmt.Errorf("save build %s#%d: %w", b.JobID, b.Number, err)
	}
	return nil
}

func (p *Postgres) Builds(ctx context.Context) ([]model.Build, error) {
	query := `
		SELECT job_id, number, phase, status, cause, queued_at, started_at, finalized_at
		FROM builds
		ORDER BY job_id, number
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []model.Build
	for rows.Next() {
		var b model.Build
		var phase, status, cause string
		var queuedAt, startedAt, finalizedAt sql.NullTime
		if err := rows.Scan(&b.JobID, &b.Number, &phase, &status, &cause, &queuedAt, &startedAt, &finalizedAt); err != nil {
			return nil, err
		}
		b.Phase = model.Phase(phase)
		b.Status = model.BuildStatus(status)
		b.Cause = model.BuildCause(cause)
		b.QueuedAt = timeOf(queuedAt)
		b.StartedAt = timeOf(startedAt)
		b.FinalizedAt = timeOf(finalizedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendCheckupLog(ctx context.Context, l model.CheckupLog) error {
	commands, err := json.Marshal(l.Commands)
	if err != nil {
		return fmt.Errorf("encode command logs: %w", err)
	}
	if l.Commands == nil {
		commands = []byte("[]")
	}
	query := `
		INSERT INTO checkup_logs (
			id, checkup_id, job_id, build_number, query, conditional, threshold, observed,
			action, scope, pre_validation, success, error, commands, at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = p.db.ExecContext(ctx, query,
		l.ID,
		l.CheckupID,
		l.JobID,
		l.BuildNumber,
		l.Query,
		l.Conditional,
		l.Threshold,
		l.Observed,
		l.Action,
		l.Scope,
		l.PreValidation,
		l.Success,
		l.Error,
		string(commands),
		l.At,
	)
	if err != nil {
		return fmt.Errorf("append checkup log %s: %w", l.ID, err)
	}
	return nil
}

func (p *Postgres) CheckupLogs(ctx context.Context, q model.LogQuery) ([]model.CheckupLog, error) {
	var where []string
	var args []any
	if q.JobID != "" {
		args = append(args, q.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if q.CheckupID != "" {
		args = append(args, q.CheckupID)
		where = append(where, fmt.Sprintf("checkup_id = $%d", len(args)))
	}
	if q.BuildNumber > 0 {
		args = append(args, q.BuildNumber)
		where = append(where, fmt.Sprintf("build_number = $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, checkup_id, job_id, build_number, query, conditional, threshold, observed,
			action, scope, pre_validation, success, error, commands, at
		FROM checkup_logs`)
	if len(where) > 0 {
		sb.WriteString("\n\t\tWHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString("\n\t\tORDER BY seq DESC")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, "\n\t\tLIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list checkup logs: %w", err)
	}
	defer rows.Close()

	var out []model.CheckupLog
	for rows.Next() {
		var l model.CheckupLog
		var conditional, action, scope string
		var commands []byte
		if err := rows.Scan(&l.ID, &l.CheckupID, &l.JobID, &l.BuildNumber, &l.Query, &conditional, &l.Threshold, &l.Observed,
			&action, &scope, &l.PreValidation, &l.Success, &l.Error, &commands, &l.At); err != nil {
			return nil, err
		}
		l.Conditional = model.Conditional(conditional)
		l.Action = model.Action(action)
		l.Scope = model.Scope(scope)
		if len(commands) > 0 {
			if err := json.Unmarshal(commands, &l.Commands); err != nil {
				return nil, fmt.Errorf("decode command logs of %s: %w", l.ID, err)
			}
		}
		if len(l.Commands) == 0 {
			l.Commands = nil
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveApproval(ctx context.Context, a model.Approval) error {
	query := `
		INSERT INTO approvals (id, job_id, build_number, state, superseded, reason, approver, resolved_by, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			superseded = EXCLUDED.superseded,
			resolved_by = EXCLUDED.resolved_by,
			resolved_at = EXCLUDED.resolved_at
	`
	_, err := p.db.ExecContext(ctx, query,
		a.ID,
		a.JobID,
		a.BuildNumber,
		a.State,
		a.Superseded,
		a.Reason,
		a.Approver,
		a.ResolvedBy,
		a.CreatedAt,
		nullTime(a.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("save approval %s: %w", a.ID, err)
	}
	return nil
}

func (p *Postgres) Approvals(ctx context.Context) ([]model.Approval, error) {
	query := `
		SELECT id, job_id, build_number, state, superseded, reason, approver, resolved_by, created_at, resolved_at
		FROM approvals
		ORDER BY created_at, id
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []model.Approval
	for rows.Next() {
		var a model.Approval
		var state string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.JobID, &a.BuildNumber, &state, &a.Superseded, &a.Reason, &a.Approver, &a.ResolvedBy, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		a.State = model.ApprovalState(state)
		a.ResolvedAt = timeOf(resolvedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timeOf(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}
