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

package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/internal/notification"
	"github.com/blnkfinance/escrow/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// jobHandler runs inside the transaction that claimed the job. The returned
// func, if any, runs after that transaction commits.
type jobHandler func(ctx context.Context, ds database.IDataSource, job *model.Job) (func(context.Context), error)

type JobOutcome string

const (
	JobOutcomeCompleted JobOutcome = "COMPLETED"
	JobOutcomeRetrying  JobOutcome = "RETRYING"
	JobOutcomeFailed    JobOutcome = "FAILED"
	JobOutcomeSkipped   JobOutcome = "SKIPPED"
)

// maxRetryDelay caps the backoff between two attempts of a job.
const maxRetryDelay = time.Hour

func (e *Escrow) handlerFor(t model.JobType) (jobHandler, bool) {
	switch t {
	case model.JobFinalizeOrder:
		return e.finalizeOrder, true
	}
	return nil, false
}

// enqueueJob writes the job in the caller's transaction so it exists exactly
// when the business change that needs it does.
func (e *Escrow) enqueueJob(ctx context.Context, ds database.IDataSource, jobType model.JobType, businessKey string, payload map[string]interface{}) (*model.Job, error) {
	now := e.clock()
	return ds.EnqueueJob(ctx, &model.Job{
		ID:          model.JobID(jobType, businessKey),
		Type:        jobType,
		BusinessKey: businessKey,
		Status:      model.JobPending,
		Payload:     payload,
		MaxRetries:  e.conf.Jobs.Retries(),
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// wakeJob asks a worker to run the job at its run time. The sweeper picks the
// job up anyway, so a failed wake-up is only logged.
func (e *Escrow) wakeJob(ctx context.Context, job *model.Job) {
	if e.queue == nil {
		return
	}
	if err := e.queue.EnqueueJobWakeup(ctx, job.ID, job.RunAt); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Warn("failed to enqueue job wake-up")
	}
}

// ProcessPendingJobs runs up to maxCount due jobs and reports what happened.
func (e *Escrow) ProcessPendingJobs(ctx context.Context, maxCount int) (*model.JobRunSummary, error) {
	ctx, span := tracer.Start(ctx, "ProcessPendingJobs")
	defer span.End()

	if maxCount <= 0 {
		maxCount = e.conf.Jobs.Batch()
	}
	ids, err := e.datasource.ListDueJobs(ctx, e.clock(), maxCount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return e.processJobs(ctx, ids, e.conf.Jobs.Workers()), nil
}

// processJobs runs the given jobs on a bounded pool of workers.
func (e *Escrow) processJobs(ctx context.Context, ids []string, workers int) *model.JobRunSummary {
	summary := &model.JobRunSummary{}
	if len(ids) == 0 {
		return summary
	}
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for _, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome, err := e.ProcessJob(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", id, err))
			}
			switch outcome {
			case JobOutcomeSkipped:
				return
			case JobOutcomeCompleted:
				summary.Completed++
			case JobOutcomeRetrying:
				summary.Retrying++
			case JobOutcomeFailed:
				summary.Failed++
			}
			summary.Claimed++
		}(id)
	}
	wg.Wait()
	return summary
}

// ProcessJob claims one job and runs its handler in the claiming transaction.
// A job that is not due, already terminal or locked by another worker is
// skipped. A handler error rolls the transaction back and the failure is
// recorded separately.
func (e *Escrow) ProcessJob(ctx context.Context, id string) (JobOutcome, error) {
	ctx, span := tracer.Start(ctx, "ProcessJob")
	defer span.End()

	var claimed *model.Job
	var after func(context.Context)
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		claimed, after = nil, nil
		job, err := ds.ClaimJob(ctx, id, e.clock())
		if err != nil || job == nil {
			return err
		}
		claimed = job

		handler, ok := e.handlerFor(job.Type)
		if !ok {
			return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("no handler for job type %s", job.Type), nil)
		}
		after, err = handler(ctx, ds, job)
		if err != nil {
			return err
		}
		return ds.CompleteJob(ctx, job.ID)
	})

	if claimed == nil {
		if err != nil {
			span.RecordError(err)
			return JobOutcomeSkipped, err
		}
		return JobOutcomeSkipped, nil
	}
	if err != nil {
		span.RecordError(err)
		return e.recordJobFailure(ctx, claimed, err), err
	}

	logrus.WithFields(logrus.Fields{"job_id": claimed.ID, "attempts": claimed.Attempts}).Info("job completed")
	if after != nil {
		after(ctx)
	}
	return JobOutcomeCompleted, nil
}

// isTerminalJobError reports errors that no retry can fix.
func isTerminalJobError(err error) bool {
	return apierror.HasCode(err, apierror.ErrNotFound, apierror.ErrInvalidStatus, apierror.ErrConservationViolation, apierror.ErrInvalidInput)
}

func (e *Escrow) recordJobFailure(ctx context.Context, job *model.Job, cause error) JobOutcome {
	attempts := job.Attempts + 1
	status := model.JobPending
	runAt := e.clock().Add(retryDelay(e.conf.Jobs.RetryBaseDelay(), attempts))
	outcome := JobOutcomeRetrying
	if isTerminalJobError(cause) || attempts > job.MaxRetries {
		status = model.JobFailed
		runAt = e.clock()
		outcome = JobOutcomeFailed
	}

	fields := logrus.Fields{"job_id": job.ID, "attempts": attempts, "status": status}
	if err := e.datasource.RecordJobFailure(ctx, job.ID, attempts, status, cause.Error(), runAt); err != nil {
		logrus.WithFields(fields).WithError(err).Error("failed to record job failure")
		return outcome
	}

	if outcome == JobOutcomeFailed {
		logrus.WithFields(fields).WithError(cause).Error("job failed permanently")
		notification.NotifyErrorWithContext(cause, map[string]string{
			"job_id":   job.ID,
			"attempts": fmt.Sprintf("%d", attempts),
		})
		return outcome
	}

	logrus.WithFields(fields).WithError(cause).Warn("job failed, will retry")
	job.RunAt = runAt
	e.wakeJob(ctx, job)
	return outcome
}

// retryDelay grows exponentially from base with the number of failed attempts.
func retryDelay(base time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// ListJobs returns jobs for the operational dashboard, newest first.
func (e *Escrow) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return e.datasource.ListJobs(ctx, status, limit, offset)
}

// RetryJob puts a failed or completed job back in the queue with a fresh
// attempt budget.
func (e *Escrow) RetryJob(ctx context.Context, id string) (*model.Job, error) {
	ctx, span := tracer.Start(ctx, "RetryJob")
	defer span.End()

	job, err := e.datasource.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobPending {
		return job, nil
	}
	if err := e.datasource.ResetJob(ctx, id, e.clock()); err != nil {
		span.RecordError(err)
		return nil, err
	}
	job, err = e.datasource.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	e.wakeJob(ctx, job)
	return job, nil
}
