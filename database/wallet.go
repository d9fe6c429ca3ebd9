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
	"sort"
	"time"

	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

const walletColumns = `wallet_id, owner_id, kind, balance, currency, created_at, meta_data`

func scanWallet(row scanner) (*model.Wallet, error) {
	w := &model.Wallet{}
	var meta []byte
	if err := row.Scan(&w.WalletID, &w.OwnerID, &w.Kind, &w.Balance, &w.Currency, &w.CreatedAt, &meta); err != nil {
		return nil, err
	}
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, err
	}
	w.MetaData = m
	return w, nil
}

func (d Datasource) CreateWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, error) {
	ctx, span := otel.Tracer("escrow.database").Start(ctx, "CreateWallet")
	defer span.End()

	if w.WalletID == "" {
		w.WalletID = GenerateUUIDWithSuffix("wal")
	}
	if w.Kind == "" {
		w.Kind = model.WalletKindUser
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalMeta(w.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.q().ExecContext(ctx, `
		INSERT INTO escrow.wallets (wallet_id, owner_id, kind, balance, currency, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.WalletID, w.OwnerID, w.Kind, w.Balance, w.Currency, w.CreatedAt, meta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Wallet already exists", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create wallet", errors.Wrap(err, "insert wallet"))
	}
	return w, nil
}

func (d Datasource) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	row := d.q().QueryRowContext(ctx, `SELECT `+walletColumns+` FROM escrow.wallets WHERE wallet_id = $1`, id)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Wallet with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve wallet", errors.Wrap(err, "select wallet"))
	}
	return w, nil
}

func (d Datasource) GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error) {
	row := d.q().QueryRowContext(ctx, `SELECT `+walletColumns+` FROM escrow.wallets WHERE owner_id = $1`, ownerID)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No wallet for owner '%s'", ownerID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve wallet", errors.Wrap(err, "select wallet by owner"))
	}
	return w, nil
}

// LockWallets takes row locks in ascending wallet id order so that two
// postings touching the same pair of wallets cannot deadlock.
func (d Datasource) LockWallets(ctx context.Context, ids ...string) (map[string]*model.Wallet, error) {
	ctx, span := otel.Tracer("escrow.database").Start(ctx, "LockWallets")
	defer span.End()

	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)

	rows, err := d.q().QueryContext(ctx, `
		SELECT `+walletColumns+` FROM escrow.wallets
		WHERE wallet_id = ANY($1)
		ORDER BY wallet_id
		FOR UPDATE
	`, pq.Array(unique))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock wallets", errors.Wrap(err, "lock wallets"))
	}
	defer rows.Close()

	out := make(map[string]*model.Wallet, len(unique))
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan wallet", err)
		}
		out[w.WalletID] = w
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock wallets", errors.Wrap(err, "iterate wallets"))
	}

	for _, id := range unique {
		if _, ok := out[id]; !ok {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Wallet with ID '%s' not found", id), nil)
		}
	}
	return out, nil
}

func (d Datasource) UpdateWalletBalance(ctx context.Context, id string, delta int64) error {
	result, err := d.q().ExecContext(ctx, `UPDATE escrow.wallets SET balance = balance + $2 WHERE wallet_id = $1`, id, delta)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update wallet balance", errors.Wrap(err, "update wallet balance"))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Wallet with ID '%s' not found", id), nil)
	}
	return nil
}

func (d Datasource) SumWalletTransactions(ctx context.Context, id string) (int64, error) {
	var sum int64
	err := d.q().QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN destination_resolved AND destination_wallet_id = $1 THEN amount ELSE 0 END), 0) -
			COALESCE(SUM(CASE WHEN source_resolved AND source_wallet_id = $1 THEN amount ELSE 0 END), 0)
		FROM escrow.transactions
		WHERE status = 'SUCCESS' AND (source_wallet_id = $1 OR destination_wallet_id = $1)
	`, id).Scan(&sum)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sum wallet transactions", errors.Wrap(err, "sum wallet transactions"))
	}
	return sum, nil
}
