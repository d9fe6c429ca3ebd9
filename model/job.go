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

package model

import (
	"fmt"
	"time"
)

type JobType string

const (
	JobFinalizeOrder JobType = "FINALIZE_ORDER"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobFailed    JobStatus = "FAILED"
	JobCompleted JobStatus = "COMPLETED"
)

// Job is a durable unit of deferred work. Its id is derived from the type
// and business key so that at most one row exists per pair.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	BusinessKey string                 `json:"business_key"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Attempts    int                    `json:"attempts"`
	MaxRetries  int                    `json:"max_retries"`
	LastError   string                 `json:"last_error,omitempty"`
	RunAt       time.Time              `json:"run_at"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func JobID(jobType JobType, businessKey string) string {
	return fmt.Sprintf("%s:%s", jobType, businessKey)
}

func (j *Job) IsTerminal() bool {
	return j.Status == JobFailed || j.Status == JobCompleted
}

// JobRunSummary reports one pass over the due jobs.
type JobRunSummary struct {
	Claimed   int      `json:"claimed"`
	Completed int      `json:"completed"`
	Retrying  int      `json:"retrying"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}
