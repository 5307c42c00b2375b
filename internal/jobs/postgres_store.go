package jobs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS pagesnap_jobs (
	id           uuid PRIMARY KEY,
	status       text        NOT NULL,
	created_at   timestamptz NOT NULL,
	started_at   timestamptz,
	completed_at timestamptz,
	url          text        NOT NULL,
	metadata     jsonb,
	result       jsonb,
	error        text        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS pagesnap_jobs_terminal_created_idx
	ON pagesnap_jobs (created_at) WHERE status IN ('completed', 'failed');
`

const selectJob = `
	SELECT id::text, status, created_at, started_at, completed_at, url, metadata, result, error
	FROM pagesnap_jobs
	WHERE id=$1
`

// PostgresStore keeps jobs in Postgres so several API replicas can answer
// status queries for each other's jobs.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the jobs table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, job Job) error {
	metadata, result, err := encodeJSONColumns(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO pagesnap_jobs (id, status, created_at, started_at, completed_at, url, metadata, result, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, job.ID, string(job.Status), job.CreatedAt, job.StartedAt, job.CompletedAt, job.URL, metadata, result, job.Error)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.CodeInternal, "job %s already exists", job.ID)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, selectJob, id))
	if stderrors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return Job{}, errors.NotFound("job", id)
	}
	return j, err
}

// Update locks the row for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Job) error) (Job, error) {
	var out Job
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, selectJob+" FOR UPDATE", id))
		if stderrors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return errors.NotFound("job", id)
		}
		if err != nil {
			return err
		}
		if err := fn(&j); err != nil {
			return err
		}
		metadata, result, err := encodeJSONColumns(j)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE pagesnap_jobs
			SET status=$2, started_at=$3, completed_at=$4, metadata=$5, result=$6, error=$7
			WHERE id=$1
		`, j.ID, string(j.Status), j.StartedAt, j.CompletedAt, metadata, result, j.Error)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cmd, err := s.db.Exec(ctx, `
		DELETE FROM pagesnap_jobs
		WHERE status IN ('completed', 'failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM pagesnap_jobs`).Scan(&n)
	return n, err
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		j        Job
		status   string
		metadata []byte
		result   []byte
	)
	err := row.Scan(&j.ID, &status, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.URL, &metadata, &result, &j.Error)
	if err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return Job{}, err
		}
	}
	if len(result) > 0 {
		var out ports.PutObjectOutput
		if err := json.Unmarshal(result, &out); err != nil {
			return Job{}, err
		}
		j.Result = &out
	}
	return j, nil
}

func encodeJSONColumns(j Job) (metadata, result []byte, err error) {
	if j.Metadata != nil {
		if metadata, err = json.Marshal(j.Metadata); err != nil {
			return nil, nil, err
		}
	}
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return nil, nil, err
		}
	}
	return metadata, result, nil
}

// 23505 = unique_violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// 22P02 = invalid_text_representation, raised for ids that are not uuids.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "22P02"
	}
	return false
}
