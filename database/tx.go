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
	"time"

	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// maxTxRetries bounds how many times a transaction aborted by a
// serialization conflict is replayed.
const maxTxRetries = 5

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// replayableConstraints are the unique keys a concurrent writer can win while
// our transaction is in flight. A replay then reads the winner's row and
// proceeds. Violations of any other unique key are permanent conflicts.
var replayableConstraints = map[string]bool{
	"transactions_reference_key":   true,
	"ledger_entries_reference_key": true,
	"wallets_owner_id_key":         true,
	"jobs_pkey":                    true,
}

// TxFunc is the body of a transaction. The datasource it receives is bound to
// the open transaction.
type TxFunc func(ctx context.Context, ds IDataSource) error

// IsRetryable reports whether err is a transient conflict that a fresh
// attempt of the whole transaction can resolve: a serialization failure, a
// deadlock or a lost race on a replayable unique key.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return true
	case sqlStateUniqueViolation:
		return replayableConstraints[pqErr.Constraint]
	}
	return false
}

func txBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, maxTxRetries), ctx)
}

// WithTx runs fn inside one SERIALIZABLE transaction. Serialization failures
// and reference races replay fn from the start; any other error rolls back
// and is returned unchanged. Called on a datasource that is already inside a
// transaction, fn joins it.
func (d Datasource) WithTx(ctx context.Context, fn TxFunc) error {
	if d.tx != nil {
		return fn(ctx, d)
	}

	ctx, span := otel.Tracer("escrow.database").Start(ctx, "WithTx")
	defer span.End()

	attempt := 0
	op := func() error {
		attempt++
		err := d.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			logrus.WithField("attempt", attempt).WithError(err).Warn("retrying conflicted transaction")
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, txBackOff(ctx))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (d Datasource) runTx(ctx context.Context, fn TxFunc) (err error) {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", errors.Wrap(err, "begin"))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	bound := Datasource{Conn: d.Conn, tx: tx}
	if err = fn(ctx, bound); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err = tx.Commit(); err != nil {
		if IsRetryable(err) {
			return err
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", errors.Wrap(err, "commit"))
	}
	return nil
}
