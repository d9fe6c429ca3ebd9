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
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

const transactionColumns = `transaction_id, wallet_id, source_wallet_id, destination_wallet_id, source_resolved, destination_resolved, user_id, order_id, type, amount, status, reference, description, created_at, meta_data`

func scanTransaction(row scanner) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var meta []byte
	var description sql.NullString
	err := row.Scan(&txn.TransactionID, &txn.WalletID, &txn.SourceWalletID, &txn.DestinationWalletID,
		&txn.SourceResolved, &txn.DestinationResolved, &txn.UserID, &txn.OrderID, &txn.Type, &txn.Amount,
		&txn.Status, &txn.Reference, &description, &txn.CreatedAt, &meta)
	if err != nil {
		return nil, err
	}
	txn.Description = description.String
	if txn.MetaData, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return txn, nil
}

// RecordTransaction appends one row to the posting log. A duplicate
// reference surfaces as CONFLICT; the enclosing transaction is retried and
// the caller then finds the existing row.
func (d Datasource) RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := otel.Tracer("escrow.database").Start(ctx, "RecordTransaction")
	defer span.End()

	if txn.TransactionID == "" {
		txn.TransactionID = GenerateUUIDWithSuffix("txn")
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if txn.Status == "" {
		txn.Status = model.TxnSuccess
	}
	meta, err := marshalMeta(txn.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.q().ExecContext(ctx, `
		INSERT INTO escrow.transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, txn.TransactionID, txn.WalletID, txn.SourceWalletID, txn.DestinationWalletID, txn.SourceResolved,
		txn.DestinationResolved, txn.UserID, txn.OrderID, txn.Type, txn.Amount, txn.Status, txn.Reference,
		txn.Description, txn.CreatedAt, meta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction with reference '%s' already exists", txn.Reference), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", errors.Wrap(err, "insert transaction"))
	}
	return txn, nil
}

func (d Datasource) GetTransactionByRef(ctx context.Context, reference string) (*model.Transaction, error) {
	row := d.q().QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow.transactions WHERE reference = $1`, reference)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with reference '%s' not found", reference), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", errors.Wrap(err, "select transaction"))
	}
	return txn, nil
}

func (d Datasource) TransactionExistsByRef(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := d.q().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrow.transactions WHERE reference = $1)`, reference).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check if transaction exists", errors.Wrap(err, "transaction exists"))
	}
	return exists, nil
}

func (d Datasource) GetOrderTransactions(ctx context.Context, orderID string) ([]*model.Transaction, error) {
	rows, err := d.q().QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM escrow.transactions
		WHERE order_id = $1
		ORDER BY created_at ASC, transaction_id ASC`, orderID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order transactions", errors.Wrap(err, "select order transactions"))
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate transactions", err)
	}
	return out, nil
}
