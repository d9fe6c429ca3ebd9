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
	"strings"

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/wacul/ptr"
)

// EnsureWallet returns the user's wallet, creating it on first use.
func (e *Escrow) EnsureWallet(ctx context.Context, ownerID string) (*model.Wallet, error) {
	ctx, span := tracer.Start(ctx, "EnsureWallet")
	defer span.End()

	if strings.TrimSpace(ownerID) == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "owner id is required", nil)
	}
	var wallet *model.Wallet
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		var err error
		wallet, err = e.ensureWallet(ctx, ds, ownerID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return wallet, nil
}

func (e *Escrow) ensureWallet(ctx context.Context, ds database.IDataSource, ownerID string) (*model.Wallet, error) {
	wallet, err := ds.GetWalletByOwner(ctx, ownerID)
	if err == nil {
		return wallet, nil
	}
	if !apierror.HasCode(err, apierror.ErrNotFound) {
		return nil, err
	}
	return ds.CreateWallet(ctx, &model.Wallet{
		OwnerID:   ptr.String(ownerID),
		Kind:      model.WalletKindUser,
		Currency:  e.conf.Settlement.Currency,
		CreatedAt: e.clock(),
	})
}

func (e *Escrow) GetWallet(ctx context.Context, walletID string) (*model.Wallet, error) {
	return e.datasource.GetWallet(ctx, walletID)
}

// VerifyWallet recomputes a wallet's balance from its transactions and
// compares it with the stored balance.
func (e *Escrow) VerifyWallet(ctx context.Context, walletID string) (*model.WalletVerification, error) {
	ctx, span := tracer.Start(ctx, "VerifyWallet")
	defer span.End()

	var result *model.WalletVerification
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		wallet, err := ds.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		computed, err := ds.SumWalletTransactions(ctx, walletID)
		if err != nil {
			return err
		}
		result = &model.WalletVerification{
			WalletID:        walletID,
			StoredBalance:   wallet.Balance,
			ComputedBalance: computed,
			Consistent:      wallet.Balance == computed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
