package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, batch_id, position, status, provider, correlation_id, attempts, payload,
	duration_hint, output_url, thumbnail_url, duration_sec, size_bytes, artifact_url, error,
	created_at, updated_at`

const batchColumns = `id, owner_id, callback_url, status, reason, created_at, updated_at, completed_at`

const attemptColumns = `id, job_id, provider, correlation_id, outcome, error, created_at, updated_at`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *Batch, jobs []*Job) error {
	now := s.now().UTC().Truncate(time.Second)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt
	if b.Status == "" {
		b.Status = BatchStatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, owner_id, callback_url, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ID, nullString(b.OwnerID), nullString(b.CallbackURL), b.Status, nullString(b.Reason),
		b.CreatedAt.Format(time.RFC3339), b.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}

	for i, j := range jobs {
		j.BatchID = b.ID
		j.Position = i
		if j.Status == "" {
			j.Status = StatusQueued
		}
		j.CreatedAt = b.CreatedAt
		j.UpdatedAt = b.CreatedAt

		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, batch_id, position, status, provider, correlation_id, attempts, payload,
				duration_hint, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.ID, j.BatchID, j.Position, j.Status, nullString(j.Provider), nullString(j.CorrelationID),
			j.Attempts, nullString(string(j.Payload)), j.DurationHint,
			j.CreatedAt.Format(time.RFC3339), j.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(row scanner) (*Batch, error) {
	var b Batch
	var ownerID, callbackURL, reason, completedAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&b.ID, &ownerID, &callbackURL, &b.Status, &reason, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	b.OwnerID = ownerID.String
	b.CallbackURL = callbackURL.String
	b.Reason = reason.String
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err == nil {
			b.CompletedAt = &t
		}
	}
	return &b, nil
}

func (s *SQLiteStore) UpdateBatch(ctx context.Context, id string, cond BatchCondition, upd BatchUpdate) (bool, error) {
	now := s.timestamp()
	sets := []string{"updated_at = ?"}
	args := []any{now}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
		if *upd.Status == BatchStatusCompleted || *upd.Status == BatchStatusFailed {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		}
	}
	if upd.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, nullString(*upd.Reason))
	}

	where := []string{"id = ?"}
	args = append(args, id)
	if len(cond.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(cond.Statuses))+")")
		for _, st := range cond.Statuses {
			args = append(args, st)
		}
	}

	query := "UPDATE batches SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	return s.execApplied(ctx, query, args...)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *SQLiteStore) FindJobByCorrelationID(ctx context.Context, correlationID string) (*Job, error) {
	if correlationID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE correlation_id = ?`, correlationID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *SQLiteStore) ListJobsByBatch(ctx context.Context, batchID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE batch_id = ? ORDER BY position
	`, batchID)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// ListJobsByStatus lists jobs in status; an empty provider matches any.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, provider, status string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
	args := []any{status}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at, batch_id, position`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var provider, correlationID, payload, outputURL, thumbnailURL, artifactURL, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.BatchID, &j.Position, &j.Status, &provider, &correlationID, &j.Attempts, &payload,
		&j.DurationHint, &outputURL, &thumbnailURL, &j.DurationSec, &j.SizeBytes, &artifactURL, &errMsg,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.Provider = provider.String
	j.CorrelationID = correlationID.String
	if payload.Valid && payload.String != "" {
		j.Payload = []byte(payload.String)
	}
	j.OutputURL = outputURL.String
	j.ThumbnailURL = thumbnailURL.String
	j.ArtifactURL = artifactURL.String
	j.Error = errMsg.String
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, cond JobCondition, upd JobUpdate) (bool, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.timestamp()}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Provider != nil {
		sets = append(sets, "provider = ?")
		args = append(args, nullString(*upd.Provider))
	}
	if upd.CorrelationID != nil {
		sets = append(sets, "correlation_id = ?")
		args = append(args, nullString(*upd.CorrelationID))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*upd.Error))
	}
	if upd.Output != nil {
		sets = append(sets, "output_url = ?", "thumbnail_url = ?", "duration_sec = ?", "size_bytes = ?")
		args = append(args, nullString(upd.Output.URL), nullString(upd.Output.ThumbnailURL),
			upd.Output.DurationSec, upd.Output.SizeBytes)
	}
	if upd.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}

	where := []string{"id = ?"}
	args = append(args, id)
	if len(cond.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(cond.Statuses))+")")
		for _, st := range cond.Statuses {
			args = append(args, st)
		}
	}
	if cond.CorrelationID != nil {
		if *cond.CorrelationID == "" {
			where = append(where, "correlation_id IS NULL")
		} else {
			where = append(where, "correlation_id = ?")
			args = append(args, *cond.CorrelationID)
		}
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	return s.execApplied(ctx, query, args...)
}

func (s *SQLiteStore) SetJobArtifact(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET artifact_url = ?, updated_at = ? WHERE id = ?
	`, nullString(url), s.timestamp(), id)
	return err
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	now := s.now().UTC().Truncate(time.Second)
	a.CreatedAt = now
	a.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_attempts (job_id, provider, correlation_id, outcome, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.JobID, a.Provider, nullString(a.CorrelationID), a.Outcome, nullString(a.Error),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return err
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) FindAttempt(ctx context.Context, correlationID string) (*Attempt, error) {
	if correlationID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM job_attempts WHERE correlation_id = ?`, correlationID)

	var a Attempt
	var cid, errMsg sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.JobID, &a.Provider, &cid, &a.Outcome, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.CorrelationID = cid.String
	a.Error = errMsg.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

// SetAttemptOutcome updates the attempt with correlationID. An empty errMsg
// keeps any error already recorded.
func (s *SQLiteStore) SetAttemptOutcome(ctx context.Context, correlationID, outcome, errMsg string) error {
	if correlationID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_attempts SET outcome = ?, error = COALESCE(?, error), updated_at = ?
		WHERE correlation_id = ?
	`, outcome, nullString(errMsg), s.timestamp(), correlationID)
	return err
}

func (s *SQLiteStore) execApplied(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
