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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper periodically runs due jobs and releases payouts whose hold window
// has elapsed. It is the safety net behind inline finalization and queue
// wake-ups.
type Sweeper struct {
	escrow       *Escrow
	batchSize    int
	maxWorkers   int
	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

// SweepResult reports one pass of the sweeper.
type SweepResult struct {
	JobsClaimed     int `json:"jobs_claimed"`
	JobsFailed      int `json:"jobs_failed"`
	OrdersReleased  int `json:"orders_released"`
	ReleaseFailures int `json:"release_failures"`
}

func NewSweeper(e *Escrow) *Sweeper {
	return &Sweeper{
		escrow:       e,
		batchSize:    e.conf.Jobs.Batch(),
		maxWorkers:   e.conf.Jobs.Workers(),
		pollInterval: e.conf.Jobs.SweepInterval(),
		stopCh:       make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	logrus.WithField("interval", s.pollInterval).Info("sweeper started")
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logrus.Info("sweeper stopped")
}

func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("sweeper context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: due jobs first, so freshly finalized orders start
// their hold window, then due releases.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	e := s.escrow

	ids, err := e.datasource.ListDueJobs(ctx, e.clock(), s.batchSize)
	if err != nil {
		logrus.WithError(err).Error("failed to list due jobs")
	} else if len(ids) > 0 {
		logrus.Infof("processing %d due jobs with %d workers", len(ids), s.maxWorkers)
		summary := e.processJobs(ctx, ids, s.maxWorkers)
		result.JobsClaimed = summary.Claimed
		result.JobsFailed = summary.Failed
	}

	released, err := e.ReleaseDuePayouts(ctx, s.batchSize)
	if err != nil {
		logrus.WithError(err).Error("failed to release due payouts")
		return result
	}
	result.OrdersReleased = released.Released
	result.ReleaseFailures = len(released.Errors)
	return result
}
