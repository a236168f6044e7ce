// Package postgres provides the Postgres-backed job registry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxCASAttempts bounds retries when a concurrent writer changes the row
// between read and conditional update.
const maxCASAttempts = 3

// JobStoreConfig controls the Postgres connection pool used for the registry.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobStore implements crawler.JobStore on a single table. Transitions are
// conditional updates on the state read, so two racing writers cannot both
// win.
type JobStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewJobStore connects a pool from cfg.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("registry.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{
		pool:  p,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Schema returns the DDL for the registry table.
func (s *JobStore) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          TEXT PRIMARY KEY,
	seed_url    TEXT NOT NULL,
	scope       JSONB NOT NULL,
	format      TEXT NOT NULL,
	options     JSONB NOT NULL,
	max_pages   INTEGER NOT NULL,
	state       TEXT NOT NULL,
	discovered  INTEGER NOT NULL DEFAULT 0,
	processed   INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	reason      TEXT NOT NULL DEFAULT '',
	partial     BOOLEAN NOT NULL DEFAULT FALSE,
	artifact    JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_expiry_idx ON %[1]s (expires_at) WHERE state = 'complete';`, s.table)
}

// Migrate creates the registry table when missing.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.Schema()); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

const jobColumns = `id, seed_url, scope, format, options, max_pages, state,
	discovered, processed, succeeded, skipped, reason, partial, artifact,
	created_at, updated_at, expires_at`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	scope, options, artifact, err := encodeJSON(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO NOTHING`, s.table, jobColumns)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		job.SeedURL,
		scope,
		string(job.Format),
		options,
		job.MaxPages,
		string(job.State),
		job.Counters.Discovered,
		job.Counters.Processed,
		job.Counters.Succeeded,
		job.Counters.Skipped,
		job.Reason,
		job.Partial,
		artifact,
		job.CreatedAt,
		job.UpdatedAt,
		job.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	return nil
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("select job %s: %w", jobID, err)
	}
	return job, nil
}

// Transition reads the row, applies mutate, and writes it back only if the
// state is still the one read. Counters are max-merged in SQL.
func (s *JobStore) Transition(
	ctx context.Context,
	jobID string,
	from []crawler.JobState,
	next crawler.JobState,
	mutate func(*crawler.Job),
) (crawler.Job, error) {
	for range maxCASAttempts {
		current, err := s.GetJob(ctx, jobID)
		if err != nil {
			return crawler.Job{}, err
		}
		if !slices.Contains(from, current.State) || !current.State.CanTransition(next) {
			return current, fmt.Errorf("%s -> %s: %w", current.State, next, crawler.ErrInvalidTransition)
		}
		updated := current
		updated.State = next
		if mutate != nil {
			mutate(&updated)
		}
		updated.UpdatedAt = s.now()

		job, err := s.conditionalUpdate(ctx, current.State, updated)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return crawler.Job{}, err
		}
		return job, nil
	}
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	return current, fmt.Errorf("%s -> %s after concurrent updates: %w", current.State, next, crawler.ErrInvalidTransition)
}

func (s *JobStore) conditionalUpdate(ctx context.Context, expected crawler.JobState, job crawler.Job) (crawler.Job, error) {
	_, _, artifact, err := encodeJSON(job)
	if err != nil {
		return crawler.Job{}, err
	}
	query := fmt.Sprintf(`UPDATE %s SET
	state = $3,
	discovered = GREATEST(discovered, $4),
	processed = GREATEST(processed, $5),
	succeeded = GREATEST(succeeded, $6),
	skipped = GREATEST(skipped, $7),
	reason = $8,
	partial = $9,
	artifact = $10,
	updated_at = $11,
	expires_at = $12
WHERE id = $1 AND state = $2
RETURNING %s`, s.table, jobColumns)
	out, err := scanJob(s.pool.QueryRow(ctx, query,
		job.ID,
		string(expected),
		string(job.State),
		job.Counters.Discovered,
		job.Counters.Processed,
		job.Counters.Succeeded,
		job.Counters.Skipped,
		job.Reason,
		job.Partial,
		artifact,
		job.UpdatedAt,
		job.ExpiresAt,
	))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return out, err
}

// UpdateCounters raises the stored counters to at least counters.
func (s *JobStore) UpdateCounters(ctx context.Context, jobID string, counters crawler.JobCounters) (crawler.Job, error) {
	query := fmt.Sprintf(`UPDATE %s SET
	discovered = GREATEST(discovered, $2),
	processed = GREATEST(processed, $3),
	succeeded = GREATEST(succeeded, $4),
	skipped = GREATEST(skipped, $5),
	updated_at = $6
WHERE id = $1
RETURNING %s`, s.table, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		jobID,
		counters.Discovered,
		counters.Processed,
		counters.Succeeded,
		counters.Skipped,
		s.now(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("update counters %s: %w", jobID, err)
	}
	return job, nil
}

// ListExpired returns complete jobs whose expiry is at or before now.
func (s *JobStore) ListExpired(ctx context.Context, now time.Time) ([]crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE state = $1 AND expires_at <= $2
ORDER BY expires_at`, jobColumns, s.table)
	rows, err := s.pool.Query(ctx, query, string(crawler.JobStateComplete), now)
	if err != nil {
		return nil, fmt.Errorf("select expired jobs: %w", err)
	}
	defer rows.Close()
	var out []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired jobs: %w", err)
	}
	return out, nil
}

func encodeJSON(job crawler.Job) (scope, options, artifact []byte, err error) {
	if scope, err = json.Marshal(job.Scope); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal scope: %w", err)
	}
	if options, err = json.Marshal(job.Options); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal options: %w", err)
	}
	if job.Artifact != nil {
		if artifact, err = json.Marshal(job.Artifact); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal artifact: %w", err)
		}
	}
	return scope, options, artifact, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job                      crawler.Job
		format, state            string
		scope, options, artifact []byte
	)
	err := row.Scan(
		&job.ID,
		&job.SeedURL,
		&scope,
		&format,
		&options,
		&job.MaxPages,
		&state,
		&job.Counters.Discovered,
		&job.Counters.Processed,
		&job.Counters.Succeeded,
		&job.Counters.Skipped,
		&job.Reason,
		&job.Partial,
		&artifact,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ExpiresAt,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Format = crawler.OutputFormat(format)
	job.State = crawler.JobState(state)
	if err := json.Unmarshal(scope, &job.Scope); err != nil {
		return crawler.Job{}, fmt.Errorf("decode scope: %w", err)
	}
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return crawler.Job{}, fmt.Errorf("decode options: %w", err)
	}
	if len(artifact) > 0 && string(artifact) != "null" {
		job.Artifact = new(crawler.Artifact)
		if err := json.Unmarshal(artifact, job.Artifact); err != nil {
			return crawler.Job{}, fmt.Errorf("decode artifact: %w", err)
		}
	}
	return job, nil
}
