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
	"strings"
	"time"

	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const entryColumns = `entry_id, order_id, role, entry_type, amount, withdrawn_amount, status, reference, beneficiary_id, group_id, created_at, meta_data`

func scanEntry(row scanner) (*model.LedgerEntry, error) {
	e := &model.LedgerEntry{}
	var meta []byte
	err := row.Scan(&e.EntryID, &e.OrderID, &e.Role, &e.EntryType, &e.Amount, &e.WithdrawnAmount, &e.Status,
		&e.Reference, &e.BeneficiaryID, &e.GroupID, &e.CreatedAt, &meta)
	if err != nil {
		return nil, err
	}
	if e.MetaData, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*model.LedgerEntry, error) {
	defer rows.Close()
	var out []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateLedgerEntry writes the entry once per reference. A second call with
// the same reference returns the stored row untouched.
func (d Datasource) CreateLedgerEntry(ctx context.Context, e *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	ctx, span := otel.Tracer("escrow.database").Start(ctx, "CreateLedgerEntry")
	defer span.End()
	span.SetAttributes(attribute.String("reference", e.Reference))

	if err := e.Validate(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	if e.EntryID == "" {
		e.EntryID = GenerateUUIDWithSuffix("ent")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalMeta(e.MetaData)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	var id string
	err = d.q().QueryRowContext(ctx, `
		INSERT INTO escrow.ledger_entries (entry_id, order_id, role, entry_type, amount, withdrawn_amount, status, reference, beneficiary_id, group_id, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (reference) DO NOTHING
		RETURNING entry_id
	`, e.EntryID, e.OrderID, e.Role, e.EntryType, e.Amount, e.WithdrawnAmount, e.Status, e.Reference,
		e.BeneficiaryID, e.GroupID, e.CreatedAt, meta).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := d.GetLedgerEntryByRef(ctx, e.Reference)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create ledger entry", errors.Wrap(err, "insert ledger entry"))
	}
	return e, true, nil
}

func (d Datasource) GetLedgerEntryByRef(ctx context.Context, reference string) (*model.LedgerEntry, error) {
	row := d.q().QueryRowContext(ctx, `SELECT `+entryColumns+` FROM escrow.ledger_entries WHERE reference = $1`, reference)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Ledger entry with reference '%s' not found", reference), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve ledger entry", errors.Wrap(err, "select ledger entry"))
	}
	return e, nil
}

func (d Datasource) GetOrderEntries(ctx context.Context, orderID string, forUpdate bool) ([]*model.LedgerEntry, error) {
	rows, err := d.q().QueryContext(ctx, `
		SELECT `+entryColumns+` FROM escrow.ledger_entries
		WHERE order_id = $1
		ORDER BY created_at ASC, entry_id ASC`+forUpdateClause(forUpdate), orderID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order entries", errors.Wrap(err, "select order entries"))
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan order entries", err)
	}
	return entries, nil
}

// UpdateLedgerEntry persists status, withdrawn amount and metadata. Amount
// and reference are immutable.
func (d Datasource) UpdateLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	if err := e.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	meta, err := marshalMeta(e.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	result, err := d.q().ExecContext(ctx, `
		UPDATE escrow.ledger_entries
		SET status = $2, withdrawn_amount = $3, beneficiary_id = $4, meta_data = $5
		WHERE entry_id = $1
	`, e.EntryID, e.Status, e.WithdrawnAmount, e.BeneficiaryID, meta)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update ledger entry", errors.Wrap(err, "update ledger entry"))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Ledger entry with ID '%s' not found", e.EntryID), nil)
	}
	return nil
}

func releasedFilterSQL(filter model.EntryFilter) (string, []interface{}) {
	clauses := []string{"status = 'RELEASED'", "amount > withdrawn_amount"}
	var args []interface{}
	if filter.BeneficiaryID != nil {
		args = append(args, *filter.BeneficiaryID)
		clauses = append(clauses, fmt.Sprintf("beneficiary_id = $%d", len(args)))
	}
	if len(filter.Roles) > 0 {
		roles := make([]string, len(filter.Roles))
		for i, r := range filter.Roles {
			roles[i] = string(r)
		}
		args = append(args, pq.Array(roles))
		clauses = append(clauses, fmt.Sprintf("role = ANY($%d)", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// GetReleasedEntries locks the matching RELEASED entries in FIFO order.
func (d Datasource) GetReleasedEntries(ctx context.Context, filter model.EntryFilter) ([]*model.LedgerEntry, error) {
	ctx, span := otel.Tracer("escrow.database").Start(ctx, "GetReleasedEntries")
	defer span.End()

	where, args := releasedFilterSQL(filter)
	rows, err := d.q().QueryContext(ctx, `
		SELECT `+entryColumns+` FROM escrow.ledger_entries
		WHERE `+where+`
		ORDER BY created_at ASC, entry_id ASC
		FOR UPDATE`, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve released entries", errors.Wrap(err, "select released entries"))
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan released entries", err)
	}
	return entries, nil
}

func (d Datasource) SumReleasedRemaining(ctx context.Context, filter model.EntryFilter) (int64, error) {
	where, args := releasedFilterSQL(filter)
	var sum int64
	err := d.q().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount - withdrawn_amount), 0) FROM escrow.ledger_entries
		WHERE `+where, args...).Scan(&sum)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sum released entries", errors.Wrap(err, "sum released entries"))
	}
	return sum, nil
}
