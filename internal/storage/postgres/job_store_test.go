package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

var (
	created = time.Unix(1700000000, 0).UTC()
	updated = created.Add(time.Minute)
)

var columns = []string{
	"id", "seed_url", "scope", "format", "options", "max_pages", "state",
	"discovered", "processed", "succeeded", "skipped", "reason", "partial", "artifact",
	"created_at", "updated_at", "expires_at",
}

func jobRow(rows *pgxmock.Rows, id string, state crawler.JobState, counters crawler.JobCounters, artifact []byte, expires *time.Time) *pgxmock.Rows {
	return rows.AddRow(
		id,
		"https://docs.example.com/",
		[]byte(`{"path_prefix":"/docs"}`),
		"single",
		[]byte(`{"frontmatter":true,"embed_images":false}`),
		1000,
		string(state),
		counters.Discovered,
		counters.Processed,
		counters.Succeeded,
		counters.Skipped,
		"",
		false,
		artifact,
		created,
		updated,
		expires,
	)
}

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStoreWithPool(mock, "jobs")
	require.NoError(t, err)
	store.now = func() time.Time { return updated }
	return store, mock
}

func TestNewJobStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJobStoreWithPool(nil, "jobs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewJobStoreWithPool(mock, "jobs; DROP TABLE x")
	require.Error(t, err)

	store, err := NewJobStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "jobs", store.table)
	require.Contains(t, store.Schema(), "CREATE TABLE IF NOT EXISTS jobs")
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := crawler.Job{
		ID:        "job-1",
		SeedURL:   "https://docs.example.com/",
		Scope:     crawler.ScopeConfig{PathPrefix: "/docs"},
		Format:    crawler.FormatSingle,
		Options:   crawler.MarkdownOptions{Frontmatter: true},
		MaxPages:  1000,
		State:     crawler.JobStateQueued,
		CreatedAt: created,
		UpdatedAt: created,
	}
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			"job-1",
			"https://docs.example.com/",
			[]byte(`{"path_prefix":"/docs"}`),
			"single",
			[]byte(`{"frontmatter":true,"embed_images":false}`),
			1000,
			"queued",
			0, 0, 0, 0,
			"",
			false,
			[]byte(nil),
			created,
			created,
			(*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateJob(context.Background(), job))

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.ErrorIs(t, store.CreateJob(context.Background(), job), crawler.ErrJobExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	expires := created.Add(time.Hour)
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(columns), "job-1", crawler.JobStateComplete,
			crawler.JobCounters{Discovered: 3, Processed: 3, Succeeded: 3},
			[]byte(`{"key":"job-1/out.md","filename":"out.md"}`), &expires))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateComplete, job.State)
	require.Equal(t, "/docs", job.Scope.PathPrefix)
	require.True(t, job.Options.Frontmatter)
	require.Equal(t, "job-1/out.md", job.Artifact.Key)
	require.Equal(t, expires, *job.ExpiresAt)
	require.Equal(t, 3, job.Counters.Succeeded)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columns))
	_, err = store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionConditionalUpdate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	counters := crawler.JobCounters{Discovered: 2, Processed: 1}
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(columns), "job-1", crawler.JobStateQueued, counters, nil, (*time.Time)(nil)))
	mock.ExpectQuery(`UPDATE jobs SET .+ WHERE id = \$1 AND state = \$2`).
		WithArgs("job-1", "queued", "crawling", 2, 1, 0, 0, "", false, []byte(nil), updated, (*time.Time)(nil)).
		WillReturnRows(jobRow(pgxmock.NewRows(columns), "job-1", crawler.JobStateCrawling, counters, nil, (*time.Time)(nil)))

	job, err := store.Transition(context.Background(), "job-1",
		[]crawler.JobState{crawler.JobStateQueued}, crawler.JobStateCrawling, nil)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateCrawling, job.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRejectsRegression(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(columns), "job-1", crawler.JobStateFailed, crawler.JobCounters{}, nil, (*time.Time)(nil)))

	_, err := store.Transition(context.Background(), "job-1",
		crawler.NonTerminalStates(), crawler.JobStateFailed, nil)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRetriesWhenRowChanged(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(columns), "job-1", crawler.JobStateQueued, crawler.JobCounters{}, nil, (*time.Time)(nil)))
	// A concurrent writer moved the row: the conditional update matches nothing.
	mock.ExpectQuery(`UPDATE jobs SET`).
		WithArgs(pgxmock.AnyArg(), "queued", "failed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			crawler.ReasonCancelled, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(columns), "job-1", crawler.JobStateCrawling, crawler.JobCounters{}, nil, (*time.Time)(nil)))
	mock.ExpectQuery(`UPDATE jobs SET`).
		WithArgs(pgxmock.AnyArg(), "crawling", "failed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			crawler.ReasonCancelled, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(jobRow(pgxmock.NewRows(columns), "job-1", crawler.JobStateFailed, crawler.JobCounters{}, nil, (*time.Time)(nil)))

	job, err := store.Transition(context.Background(), "job-1", crawler.NonTerminalStates(), crawler.JobStateFailed,
		func(j *crawler.Job) { j.Reason = crawler.ReasonCancelled })
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateFailed, job.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCounters(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	counters := crawler.JobCounters{Discovered: 5, Processed: 4, Succeeded: 3, Skipped: 1}
	mock.ExpectQuery(`UPDATE jobs SET\s+discovered = GREATEST\(discovered, \$2\)`).
		WithArgs("job-1", 5, 4, 3, 1, updated).
		WillReturnRows(jobRow(pgxmock.NewRows(columns), "job-1", crawler.JobStateCrawling, counters, nil, (*time.Time)(nil)))
	job, err := store.UpdateCounters(context.Background(), "job-1", counters)
	require.NoError(t, err)
	require.Equal(t, counters, job.Counters)

	mock.ExpectQuery(`UPDATE jobs SET`).
		WithArgs("missing", 0, 0, 0, 0, updated).
		WillReturnRows(pgxmock.NewRows(columns))
	_, err = store.UpdateCounters(context.Background(), "missing", crawler.JobCounters{})
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListExpired(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := created.Add(2 * time.Hour)
	expires := created.Add(time.Hour)
	rows := pgxmock.NewRows(columns)
	jobRow(rows, "job-1", crawler.JobStateComplete, crawler.JobCounters{}, []byte(`{"key":"job-1/a.md"}`), &expires)
	jobRow(rows, "job-2", crawler.JobStateComplete, crawler.JobCounters{}, []byte(`{"key":"job-2/b.zip"}`), &expires)
	mock.ExpectQuery(`SELECT .+ FROM jobs\s+WHERE state = \$1 AND expires_at <= \$2`).
		WithArgs("complete", now).
		WillReturnRows(rows)

	jobs, err := store.ListExpired(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-2/b.zip", jobs[1].Artifact.Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewJobStoreWithPool(mock, "jobs")
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
