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
)

const withdrawalColumns = `withdrawal_id, wallet_id, user_id, role, amount, status, method, destination, account_info, failure_reason, processed_at, created_at`

func scanWithdrawal(row scanner) (*model.Withdrawal, error) {
	w := &model.Withdrawal{}
	var method, destination, reason sql.NullString
	var info []byte
	err := row.Scan(&w.WithdrawalID, &w.WalletID, &w.UserID, &w.Role, &w.Amount, &w.Status, &method, &destination,
		&info, &reason, &w.ProcessedAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.Method = method.String
	w.Destination = destination.String
	w.FailureReason = reason.String
	if w.AccountInfo, err = unmarshalMeta(info); err != nil {
		return nil, err
	}
	return w, nil
}

func (d Datasource) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	if w.WithdrawalID == "" {
		w.WithdrawalID = GenerateUUIDWithSuffix("wdr")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Status == "" {
		w.Status = model.WithdrawalPending
	}
	info, err := marshalMeta(w.AccountInfo)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal account info", err)
	}
	_, err = d.q().ExecContext(ctx, `
		INSERT INTO escrow.withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, w.WithdrawalID, w.WalletID, w.UserID, w.Role, w.Amount, w.Status, nullString(w.Method), nullString(w.Destination),
		info, nullString(w.FailureReason), w.ProcessedAt, w.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create withdrawal", errors.Wrap(err, "insert withdrawal"))
	}
	return nil
}

func (d Datasource) GetWithdrawal(ctx context.Context, id string, forUpdate bool) (*model.Withdrawal, error) {
	row := d.q().QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM escrow.withdrawals WHERE withdrawal_id = $1`+forUpdateClause(forUpdate), id)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Withdrawal with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve withdrawal", errors.Wrap(err, "select withdrawal"))
	}
	return w, nil
}

func (d Datasource) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	info, err := marshalMeta(w.AccountInfo)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal account info", err)
	}
	result, err := d.q().ExecContext(ctx, `
		UPDATE escrow.withdrawals
		SET status = $2, account_info = $3, failure_reason = $4, processed_at = $5
		WHERE withdrawal_id = $1
	`, w.WithdrawalID, w.Status, info, nullString(w.FailureReason), w.ProcessedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update withdrawal", errors.Wrap(err, "update withdrawal"))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Withdrawal with ID '%s' not found", w.WithdrawalID), nil)
	}
	return nil
}

func (d Datasource) SumOpenWithdrawals(ctx context.Context, walletID string) (int64, error) {
	var sum int64
	err := d.q().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow.withdrawals
		WHERE wallet_id = $1 AND status IN ('PENDING', 'PROCESSING')
	`, walletID).Scan(&sum)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sum open withdrawals", errors.Wrap(err, "sum open withdrawals"))
	}
	return sum, nil
}
