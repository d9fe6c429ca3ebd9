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
	"embed"
	"time"

	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/cache"
	"github.com/blnkfinance/escrow/internal/dispatch"
	"github.com/blnkfinance/escrow/internal/payout"
	"github.com/blnkfinance/escrow/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("escrow")

//go:embed sql/*.sql
var SQLFiles embed.FS

// orderLedgerTTL bounds how long a cached order ledger view may be served.
const orderLedgerTTL = 5 * time.Minute

// Escrow is the settlement engine. It owns every mutation of wallets, ledger
// entries and payout state; collaborators are injected through options.
type Escrow struct {
	datasource database.IDataSource
	provider   payout.Provider
	dispatcher dispatch.Dispatcher
	notifier   Notifier
	queue      *Queue
	redis      redis.UniversalClient
	cache      cache.Cache
	schedule   model.CommissionSchedule
	conf       *config.Configuration
	now        func() time.Time
}

type Option func(*Escrow)

func WithProvider(p payout.Provider) Option {
	return func(e *Escrow) { e.provider = p }
}

func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(e *Escrow) { e.dispatcher = d }
}

func WithNotifier(n Notifier) Option {
	return func(e *Escrow) { e.notifier = n }
}

// WithQueue enables asynq wake-ups for jobs and queued notification delivery.
func WithQueue(q *Queue) Option {
	return func(e *Escrow) { e.queue = q }
}

// WithRedis enables the distributed withdrawal lock.
func WithRedis(client redis.UniversalClient) Option {
	return func(e *Escrow) { e.redis = client }
}

func WithCache(c cache.Cache) Option {
	return func(e *Escrow) { e.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Escrow) { e.now = now }
}

// NewEscrow builds the engine on top of a datasource. The commission schedule
// and the settlement windows are read from the loaded configuration.
func NewEscrow(db database.IDataSource, opts ...Option) (*Escrow, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	versions, rates, err := conf.Settlement.CommissionVersions()
	if err != nil {
		return nil, err
	}
	schedule := make(model.CommissionSchedule, len(versions))
	for i, v := range versions {
		schedule[i] = model.CommissionRate{Rate: rates[i], EffectiveFrom: v.EffectiveFrom}
	}

	e := &Escrow{
		datasource: db,
		schedule:   schedule,
		conf:       conf,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		if e.queue != nil {
			e.notifier = NewQueueNotifier(e.queue)
		} else {
			e.notifier = LogNotifier{}
		}
	}
	return e, nil
}

// Datasource exposes the underlying store for callers composing their own
// transactions around Post, Deposit or Release.
func (e *Escrow) Datasource() database.IDataSource {
	return e.datasource
}

func (e *Escrow) clock() time.Time {
	return e.now().UTC()
}

// CommissionRateAt returns the commission rate in force at t.
func (e *Escrow) CommissionRateAt(t time.Time) string {
	return e.schedule.RateAt(t).String()
}

func orderLedgerKey(orderID string) string {
	return "order-ledger:" + orderID
}

// invalidateOrder drops the cached ledger view of an order. Called after commit.
func (e *Escrow) invalidateOrder(ctx context.Context, orderID string) {
	if e.cache == nil || orderID == "" {
		return
	}
	if err := e.cache.Delete(ctx, orderLedgerKey(orderID)); err != nil {
		logrus.WithField("order_id", orderID).WithError(err).Warn("failed to invalidate order ledger cache")
	}
}

// notify hands a message to the notifier. Delivery problems never fail the
// operation that produced the message.
func (e *Escrow) notify(ctx context.Context, userID, title, message string) {
	if userID == "" {
		return
	}
	if err := e.notifier.Notify(ctx, userID, title, message); err != nil {
		logrus.WithFields(logrus.Fields{"user_id": userID, "title": title}).WithError(err).Warn("notification not delivered")
	}
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
