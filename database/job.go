/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const jobColumns = `id, type, business_key, status, payload, attempts, max_retries, last_error, run_at, created_at, updated_at`

func scanJob(row scanner) (*model.Job, error) {
	j := &model.Job{}
	var payload []byte
	var lastError sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.BusinessKey, &j.Status, &payload, &j.Attempts, &j.MaxRetries, &lastError,
		&j.RunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.LastError = lastError.String
	if j.Payload, err = unmarshalMeta(payload); err != nil {
		return nil, err
	}
	return j, nil
}

// EnqueueJob upserts the job keyed by type and business key. Re-enqueueing a
// PENDING job keeps its attempts and schedule; a FAILED or COMPLETED job is
// reset so it runs again.
func (d Datasource) EnqueueJob(ctx context.Context, j *model.Job) (*model.Job, error) {
	ctx, span := otel.Tracer("escrow.database").Start(ctx, "EnqueueJob")
	defer span.End()

	if j.ID == "" {
		j.ID = model.JobID(j.Type, j.BusinessKey)
	}
	span.SetAttributes(attribute.String("job.id", j.ID))
	now := time.Now().UTC()
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	payload, err := marshalMeta(j.Payload)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal job payload", err)
	}

	row := d.q().QueryRowContext(ctx, `
		INSERT INTO escrow.jobs (id, type, business_key, status, payload, attempts, max_retries, last_error, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'PENDING', $4, 0, $5, NULL, $6, $7, $7)
		ON CONFLICT (type, business_key) DO UPDATE SET
			status = CASE WHEN escrow.jobs.status = 'PENDING' THEN escrow.jobs.status ELSE 'PENDING' END,
			attempts = CASE WHEN escrow.jobs.status = 'PENDING' THEN escrow.jobs.attempts ELSE 0 END,
			last_error = CASE WHEN escrow.jobs.status = 'PENDING' THEN escrow.jobs.last_error ELSE NULL END,
			run_at = CASE WHEN escrow.jobs.status = 'PENDING' THEN escrow.jobs.run_at ELSE EXCLUDED.run_at END,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
		RETURNING `+jobColumns,
		j.ID, j.Type, j.BusinessKey, payload, j.MaxRetries, j.RunAt, now)
	stored, err := scanJob(row)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue job", errors.Wrap(err, "upsert job"))
	}
	return stored, nil
}

func (d Datasource) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := d.q().QueryContext(ctx, `
		SELECT id FROM escrow.jobs
		WHERE status = 'PENDING' AND run_at <= $1
		ORDER BY run_at ASC, id ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list due jobs", errors.Wrap(err, "select due jobs"))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan job id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimJob must run inside a transaction: the row lock it takes is what makes
// job execution single-flight across workers.
func (d Datasource) ClaimJob(ctx context.Context, id string, now time.Time) (*model.Job, error) {
	row := d.q().QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM escrow.jobs
		WHERE id = $1 AND status = 'PENDING' AND run_at <= $2
		FOR UPDATE SKIP LOCKED`, id, now)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim job", errors.Wrap(err, "claim job"))
	}
	return j, nil
}

func (d Datasource) CompleteJob(ctx context.Context, id string) error {
	_, err := d.q().ExecContext(ctx, `
		UPDATE escrow.jobs SET status = 'COMPLETED', last_error = NULL, updated_at = $2
		WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to complete job", errors.Wrap(err, "complete job"))
	}
	return nil
}

func (d Datasource) RecordJobFailure(ctx context.Context, id string, attempts int, status model.JobStatus, lastError string, runAt time.Time) error {
	result, err := d.q().ExecContext(ctx, `
		UPDATE escrow.jobs SET attempts = $2, status = $3, last_error = $4, run_at = $5, updated_at = $6
		WHERE id = $1 AND status = 'PENDING'`, id, attempts, status, lastError, runAt, time.Now().UTC())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record job failure", errors.Wrap(err, "record job failure"))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("Job '%s' is no longer pending", id), nil)
	}
	return nil
}

func (d Datasource) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := d.q().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM escrow.jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Job with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve job", errors.Wrap(err, "select job"))
	}
	return j, nil
}

func (d Datasource) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM escrow.jobs`
	args := []interface{}{}
	if status != "" {
		args = append(args, status)
		query += ` WHERE status = $1`
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY updated_at DESC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list jobs", errors.Wrap(err, "select jobs"))
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (d Datasource) ResetJob(ctx context.Context, id string, runAt time.Time) error {
	result, err := d.q().ExecContext(ctx, `
		UPDATE escrow.jobs SET status = 'PENDING', attempts = 0, last_error = NULL, run_at = $2, updated_at = $3
		WHERE id = $1`, id, runAt, time.Now().UTC())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset job", errors.Wrap(err, "reset job"))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Job with ID '%s' not found", id), nil)
	}
	return nil
}
