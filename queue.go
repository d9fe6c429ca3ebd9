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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/escrow/config"
	redis_db "github.com/blnkfinance/escrow/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	jobQueue  string
	noteQueue string
}

// JobWakeupPayload names the durable job a worker should try to run.
type JobWakeupPayload struct {
	JobID string `json:"job_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opts, err := redis_db.AsynqOptions(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parse redis address: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(opts),
		Inspector: asynq.NewInspector(opts),
		jobQueue:  conf.Queue.JobQueue,
		noteQueue: conf.Queue.NotificationQueue,
	}, nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close queue inspector")
	}
	return q.Client.Close()
}

// EnqueueJobWakeup schedules a worker run of the job at runAt. The task id is
// derived from the job and run time so the same wake-up is never queued twice.
func (q *Queue) EnqueueJobWakeup(ctx context.Context, jobID string, runAt time.Time) error {
	payload, err := json.Marshal(JobWakeupPayload{JobID: jobID})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s@%d", jobID, runAt.Unix())),
		asynq.Queue(q.jobQueue),
		asynq.ProcessAt(runAt),
		asynq.MaxRetry(0),
	}
	task := asynq.NewTask(q.jobQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	logrus.WithFields(logrus.Fields{"job_id": jobID, "task_id": info.ID}).Debug("job wake-up enqueued")
	return nil
}

// EnqueueNotification hands a user notification to the delivery workers.
func (q *Queue) EnqueueNotification(ctx context.Context, n NotificationPayload) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.noteQueue, payload, asynq.Queue(q.noteQueue), asynq.MaxRetry(5))
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil {
		return err
	}
	return nil
}

// ProcessJobTask is the worker side of a job wake-up.
func (e *Escrow) ProcessJobTask(ctx context.Context, task *asynq.Task) error {
	var payload JobWakeupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("invalid job wake-up payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	outcome, err := e.ProcessJob(ctx, payload.JobID)
	logrus.WithFields(logrus.Fields{"job_id": payload.JobID, "outcome": outcome}).Info("job wake-up processed")
	if err != nil && outcome == JobOutcomeSkipped {
		return err
	}
	// Failures are recorded on the job row and rescheduled there.
	return nil
}
