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
	"fmt"

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/sirupsen/logrus"
)

// Posting is one movement of value between two sides. A side that is not
// resolved is an external rail and has no balance in this ledger.
type Posting struct {
	FromWalletID      *string
	ToWalletID        *string
	Amount            int64
	Type              model.TransactionType
	Reference         string
	ResolveFromWallet bool
	ResolveToWallet   bool
	UserID            *string
	OrderID           *string
	Description       string
	MetaData          map[string]interface{}
}

func (p Posting) validate() error {
	if p.Amount <= 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Posting amount must be positive", nil)
	}
	if p.Reference == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Posting reference is required", nil)
	}
	if p.ResolveFromWallet && p.FromWalletID == nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Resolved source requires a wallet", nil)
	}
	if p.ResolveToWallet && p.ToWalletID == nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Resolved destination requires a wallet", nil)
	}
	if p.ResolveFromWallet && p.ResolveToWallet && *p.FromWalletID == *p.ToWalletID {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Source and destination must differ", nil)
	}
	return nil
}

// filedUnder picks the wallet the transaction row is listed under.
func (p Posting) filedUnder() *string {
	if p.ResolveToWallet {
		return p.ToWalletID
	}
	if p.FromWalletID != nil {
		return p.FromWalletID
	}
	return p.ToWalletID
}

// Post moves value and writes exactly one transaction row. It runs inside the
// caller's transaction: ds must be bound to it. A reference that was already
// posted returns the stored transaction without moving anything.
func (e *Escrow) Post(ctx context.Context, ds database.IDataSource, p Posting) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Post")
	defer span.End()

	if err := p.validate(); err != nil {
		return nil, err
	}

	existing, err := ds.GetTransactionByRef(ctx, p.Reference)
	if err == nil {
		return existing, nil
	}
	if !apierror.HasCode(err, apierror.ErrNotFound) {
		span.RecordError(err)
		return nil, err
	}

	var ids []string
	if p.ResolveFromWallet {
		ids = append(ids, *p.FromWalletID)
	}
	if p.ResolveToWallet {
		ids = append(ids, *p.ToWalletID)
	}
	if len(ids) > 0 {
		wallets, err := ds.LockWallets(ctx, ids...)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if p.ResolveFromWallet {
			from := wallets[*p.FromWalletID]
			if from.Balance < p.Amount {
				return nil, apierror.NewAPIError(apierror.ErrInsufficientFunds,
					fmt.Sprintf("Wallet %s has %d, needs %d", from.WalletID, from.Balance, p.Amount), nil)
			}
			if err := ds.UpdateWalletBalance(ctx, from.WalletID, -p.Amount); err != nil {
				return nil, err
			}
		}
		if p.ResolveToWallet {
			if err := ds.UpdateWalletBalance(ctx, *p.ToWalletID, p.Amount); err != nil {
				return nil, err
			}
		}
	}

	txn, err := ds.RecordTransaction(ctx, &model.Transaction{
		WalletID:            p.filedUnder(),
		SourceWalletID:      p.FromWalletID,
		DestinationWalletID: p.ToWalletID,
		SourceResolved:      p.ResolveFromWallet,
		DestinationResolved: p.ResolveToWallet,
		UserID:              p.UserID,
		OrderID:             p.OrderID,
		Type:                p.Type,
		Amount:              p.Amount,
		Status:              model.TxnSuccess,
		Reference:           p.Reference,
		Description:         p.Description,
		MetaData:            p.MetaData,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"reference": p.Reference, "type": p.Type, "amount": p.Amount}).Debug("posted")
	return txn, nil
}
