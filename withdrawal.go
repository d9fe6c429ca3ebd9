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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	redlock "github.com/blnkfinance/escrow/internal/lock"
	"github.com/blnkfinance/escrow/internal/notification"
	"github.com/blnkfinance/escrow/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

// withdrawalLockTTL bounds how long one approval may hold the withdrawal.
const withdrawalLockTTL = 60 * time.Second

// WithdrawalRequest is a payee asking to move released funds out.
type WithdrawalRequest struct {
	Role        model.WithdrawalRole `json:"role"`
	Amount      int64                `json:"amount"`
	Method      string               `json:"method"`
	Destination string               `json:"destination"`
}

// releasedFilter selects the entries a withdrawal of this role draws from.
// Sellers and riders both withdraw through the SELLER role from their own
// wallet; the platform draws on commission entries.
func releasedFilter(w *model.Withdrawal) model.EntryFilter {
	if w.Role == model.WithdrawalPlatform {
		return model.EntryFilter{Roles: []model.EntryRole{model.RolePlatform}}
	}
	return model.EntryFilter{
		BeneficiaryID: w.UserID,
		Roles:         []model.EntryRole{model.RoleSeller, model.RoleRider},
	}
}

// RequestWithdrawal records a PENDING withdrawal after checking that the
// released, not yet withdrawn or reserved, balance covers it.
func (e *Escrow) RequestWithdrawal(ctx context.Context, actor Actor, req WithdrawalRequest) (*model.Withdrawal, error) {
	ctx, span := tracer.Start(ctx, "RequestWithdrawal")
	defer span.End()

	if req.Amount <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "amount must be positive", nil)
	}
	if req.Role == "" {
		req.Role = model.WithdrawalSeller
	}

	w := &model.Withdrawal{
		Role:        req.Role,
		Amount:      req.Amount,
		Status:      model.WithdrawalPending,
		Method:      req.Method,
		Destination: strings.TrimSpace(req.Destination),
		CreatedAt:   e.clock(),
	}
	switch req.Role {
	case model.WithdrawalSeller:
		if actor.UserID == "" || actor.Role == RoleBuyer {
			return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "Only sellers and riders can withdraw earnings", nil)
		}
		if w.Destination == "" {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "destination is required", nil)
		}
		w.UserID = ptr.String(actor.UserID)
	case model.WithdrawalPlatform:
		if err := requireAdmin(actor); err != nil {
			return nil, err
		}
		w.WalletID = model.PlatformWalletID
		w.UserID = ptr.String(actor.UserID)
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown withdrawal role %s", req.Role), nil)
	}

	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		if w.Role == model.WithdrawalSeller {
			wallet, err := ds.GetWalletByOwner(ctx, actor.UserID)
			if err != nil {
				return err
			}
			w.WalletID = wallet.WalletID
		}
		if _, err := ds.LockWallets(ctx, w.WalletID); err != nil {
			return err
		}
		released, err := ds.SumReleasedRemaining(ctx, releasedFilter(w))
		if err != nil {
			return err
		}
		reserved, err := ds.SumOpenWithdrawals(ctx, w.WalletID)
		if err != nil {
			return err
		}
		if available := released - reserved; w.Amount > available {
			return apierror.NewAPIError(apierror.ErrInsufficientReleasedFunds,
				fmt.Sprintf("requested %d, available %d", w.Amount, available), nil)
		}
		return ds.CreateWithdrawal(ctx, w)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return w, nil
}

// GetWithdrawal returns a withdrawal to its owner or an admin.
func (e *Escrow) GetWithdrawal(ctx context.Context, actor Actor, id string) (*model.Withdrawal, error) {
	w, err := e.datasource.GetWithdrawal(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && (w.UserID == nil || *w.UserID != actor.UserID) {
		return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "Not your withdrawal", nil)
	}
	return w, nil
}

// ApproveSellerWithdrawal pays a seller or rider withdrawal out through the
// provider and settles it against released entries. Calling it again on a
// completed withdrawal returns the stored receipt.
func (e *Escrow) ApproveSellerWithdrawal(ctx context.Context, actor Actor, id string) (*model.Receipt, error) {
	return e.approveWithdrawal(ctx, actor, id, model.WithdrawalSeller)
}

// ApprovePlatformWithdrawal moves platform commission to the treasury.
func (e *Escrow) ApprovePlatformWithdrawal(ctx context.Context, actor Actor, id string) (*model.Receipt, error) {
	return e.approveWithdrawal(ctx, actor, id, model.WithdrawalPlatform)
}

func (e *Escrow) approveWithdrawal(ctx context.Context, actor Actor, id string, role model.WithdrawalRole) (*model.Receipt, error) {
	ctx, span := tracer.Start(ctx, "ApproveWithdrawal")
	defer span.End()

	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	if e.redis != nil {
		locker, err := redlock.Acquire(ctx, e.redis, "withdrawal:"+id, withdrawalLockTTL)
		if err != nil {
			if errors.Is(err, redlock.ErrLockHeld) {
				return nil, apierror.NewAPIError(apierror.ErrConflict, "withdrawal is being approved elsewhere", nil)
			}
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to lock withdrawal", err)
		}
		defer func() {
			if err := locker.Unlock(context.Background()); err != nil {
				logrus.WithField("withdrawal_id", id).WithError(err).Warn("failed to release withdrawal lock")
			}
		}()
	}

	w, err := e.datasource.GetWithdrawal(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if w.Role != role {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("withdrawal %s is a %s withdrawal", id, w.Role), nil)
	}
	if w.Status == model.WithdrawalCompleted {
		return w.Receipt(), nil
	}
	if !w.IsOpen() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("withdrawal is %s", w.Status), nil)
	}
	if e.provider == nil {
		return nil, apierror.NewAPIError(apierror.ErrProviderFailure, "no payout provider configured", nil)
	}

	if w.Status == model.WithdrawalPending {
		w.Status = model.WithdrawalProcessing
		if err := e.datasource.UpdateWithdrawal(ctx, w); err != nil {
			logrus.WithField("withdrawal_id", id).WithError(err).Warn("failed to mark withdrawal processing")
		}
	}

	transferID, err := e.callProvider(ctx, w)
	if err != nil {
		span.RecordError(err)
		return nil, e.rejectWithdrawal(ctx, w, err)
	}

	receipt, err := e.settleWithdrawal(ctx, id, transferID)
	if err != nil {
		span.RecordError(err)
		if apierror.HasCode(err, apierror.ErrInsufficientReleasedFunds) {
			notification.NotifyErrorWithContext(err, map[string]string{
				"withdrawal_id": id,
				"transfer_id":   transferID,
			})
		}
		return nil, err
	}

	e.notify(ctx, stringValue(w.UserID), "Withdrawal completed",
		fmt.Sprintf("Your withdrawal of %d has been paid out.", w.Amount))
	return receipt, nil
}

// callProvider is the only step that talks to the outside world. It runs
// outside any database transaction and is bounded by the provider timeout.
func (e *Escrow) callProvider(ctx context.Context, w *model.Withdrawal) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.conf.Provider.Timeout())
	defer cancel()

	if w.Role == model.WithdrawalPlatform {
		return e.provider.CreatePayout(ctx, w.Amount, w.SettlementReference())
	}
	return e.provider.CreateTransfer(ctx, w.Destination, w.Amount, w.SettlementReference())
}

func (e *Escrow) rejectWithdrawal(ctx context.Context, w *model.Withdrawal, cause error) error {
	reason := cause.Error()
	now := e.clock()
	w.Status = model.WithdrawalRejected
	w.FailureReason = reason
	w.ProcessedAt = &now
	if err := e.datasource.UpdateWithdrawal(ctx, w); err != nil {
		logrus.WithField("withdrawal_id", w.WithdrawalID).WithError(err).Error("failed to mark withdrawal rejected")
	}
	e.notify(ctx, stringValue(w.UserID), "Withdrawal rejected",
		fmt.Sprintf("Your withdrawal of %d could not be paid out: %s", w.Amount, reason))
	return apierror.NewAPIError(apierror.ErrProviderFailure, "payout provider rejected the withdrawal", cause)
}

// settleWithdrawal records a successful provider call: FIFO consumption of
// released entries, the settlement posting, the receipt and the COMPLETED
// status, all in one transaction.
func (e *Escrow) settleWithdrawal(ctx context.Context, id, transferID string) (*model.Receipt, error) {
	var receipt *model.Receipt
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		w, err := ds.GetWithdrawal(ctx, id, true)
		if err != nil {
			return err
		}
		if w.Status == model.WithdrawalCompleted {
			receipt = w.Receipt()
			return nil
		}
		if w.Status != model.WithdrawalProcessing {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("withdrawal is %s", w.Status), nil)
		}

		settled, err := ds.TransactionExistsByRef(ctx, w.SettlementReference())
		if err != nil {
			return err
		}
		if !settled {
			if err := e.consumeReleased(ctx, ds, w); err != nil {
				return err
			}
			if _, err := e.Post(ctx, ds, settlementPosting(w, transferID)); err != nil {
				return err
			}
		}

		providerName := e.provider.Name()
		if _, err := e.Post(ctx, ds, Posting{
			FromWalletID: ptr.String(w.WalletID),
			Amount:       w.Amount,
			Type:         model.TxnWithdrawalReceipt,
			Reference:    w.ReceiptReference(),
			UserID:       w.UserID,
			Description:  "Provider receipt",
			MetaData: map[string]interface{}{
				"provider":      providerName,
				"transfer_id":   transferID,
				"withdrawal_id": w.WithdrawalID,
			},
		}); err != nil {
			return err
		}

		now := e.clock()
		w.Status = model.WithdrawalCompleted
		w.ProcessedAt = &now
		w.FailureReason = ""
		w.AccountInfo = map[string]interface{}{"provider": providerName, "transfer_id": transferID}
		if err := ds.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		receipt = w.Receipt()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// consumeReleased allocates the withdrawal over RELEASED entries, oldest
// first, and writes the new withdrawn amounts.
func (e *Escrow) consumeReleased(ctx context.Context, ds database.IDataSource, w *model.Withdrawal) error {
	entries, err := ds.GetReleasedEntries(ctx, releasedFilter(w))
	if err != nil {
		return err
	}
	allocations, err := model.AllocateFIFO(entries, w.Amount)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientReleased) {
			return apierror.NewAPIError(apierror.ErrInsufficientReleasedFunds, err.Error(), nil)
		}
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	for _, a := range allocations {
		a.Apply()
		if err := ds.UpdateLedgerEntry(ctx, a.Entry); err != nil {
			return err
		}
	}
	return nil
}

func settlementPosting(w *model.Withdrawal, transferID string) Posting {
	p := Posting{
		FromWalletID:      ptr.String(w.WalletID),
		Amount:            w.Amount,
		Reference:         w.SettlementReference(),
		ResolveFromWallet: true,
		UserID:            w.UserID,
		MetaData:          map[string]interface{}{"transfer_id": transferID, "withdrawal_id": w.WithdrawalID},
	}
	if w.Role == model.WithdrawalPlatform {
		p.Type = model.TxnPlatformWithdrawal
		p.ToWalletID = ptr.String(model.TreasuryWalletID)
		p.ResolveToWallet = true
		p.Description = "Platform commission moved to treasury"
		return p
	}
	p.Type = model.TxnWithdrawal
	p.Description = "Withdrawal to " + w.Destination
	p.MetaData["destination"] = w.Destination
	return p
}
