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
	"github.com/wacul/ptr"
)

type SkipReason string

const (
	SkipAlreadyReleased SkipReason = "PAYOUT_ALREADY_RELEASED"
	SkipNotFinalized    SkipReason = "NOT_FINALIZED"
	SkipDisputeActive   SkipReason = "DISPUTE_ACTIVE"
	SkipPayoutLocked    SkipReason = "PAYOUT_LOCKED"
	SkipNotEligible     SkipReason = "NOT_ELIGIBLE"
	SkipRiderUnassigned SkipReason = "RIDER_UNASSIGNED"
)

type ReleaseOptions struct {
	// AllowDisputedOrder skips the dispute, lock and hold window checks. Only
	// the dispute resolver sets it.
	AllowDisputedOrder bool
}

// ReleaseOutcome is either a release or a skip with its reason.
type ReleaseOutcome struct {
	OrderID  string               `json:"order_id"`
	Released bool                 `json:"released"`
	Amount   int64                `json:"amount,omitempty"`
	Entries  []*model.LedgerEntry `json:"entries,omitempty"`
	Skipped  bool                 `json:"skipped"`
	Reason   SkipReason           `json:"reason,omitempty"`
}

func skipped(orderID string, reason SkipReason) *ReleaseOutcome {
	return &ReleaseOutcome{OrderID: orderID, Skipped: true, Reason: reason}
}

// ReleaseSummary reports one sweep over the due orders.
type ReleaseSummary struct {
	Checked  int                `json:"checked"`
	Released int                `json:"released"`
	Amount   int64              `json:"amount"`
	Skipped  map[SkipReason]int `json:"skipped,omitempty"`
	Errors   []string           `json:"errors,omitempty"`
}

// Release pays every HELD leg of the order out of escrow into the party
// wallets. It runs in the caller's transaction.
func (e *Escrow) Release(ctx context.Context, ds database.IDataSource, orderID string, opts ReleaseOptions) (*ReleaseOutcome, error) {
	ctx, span := tracer.Start(ctx, "Release")
	defer span.End()

	order, err := ds.GetOrder(ctx, orderID, true)
	if err != nil {
		return nil, err
	}
	if !order.IsPaid {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("order %s is not paid", orderID), nil)
	}
	if order.PayoutReleased {
		return skipped(orderID, SkipAlreadyReleased), nil
	}
	if !order.PostPaymentFinalized {
		return skipped(orderID, SkipNotFinalized), nil
	}
	if !opts.AllowDisputedOrder {
		if order.DisputeActive() {
			return skipped(orderID, SkipDisputeActive), nil
		}
		if order.PayoutLocked() {
			return skipped(orderID, SkipPayoutLocked), nil
		}
		if !order.PayoutEligible(e.clock()) {
			return skipped(orderID, SkipNotEligible), nil
		}
	}

	entries, err := ds.GetOrderEntries(ctx, orderID, true)
	if err != nil {
		return nil, err
	}

	type leg struct {
		entry *model.LedgerEntry
		to    string
		owner *string
	}
	var legs []leg
	var fund *model.LedgerEntry
	for _, entry := range entries {
		if entry.EntryType == model.EntryFund {
			fund = entry
			continue
		}
		if entry.Status != model.EntryHeld || !entry.IsPartyLeg() {
			continue
		}
		switch entry.Role {
		case model.RoleSeller:
			group := order.GroupByID(stringValue(entry.GroupID))
			if group == nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("entry %s has no seller group", entry.Reference), nil)
			}
			if group.SellerWalletID == nil {
				wallet, err := e.ensureWallet(ctx, ds, group.SellerID)
				if err != nil {
					return nil, err
				}
				group.SellerWalletID = ptr.String(wallet.WalletID)
			}
			legs = append(legs, leg{entry: entry, to: *group.SellerWalletID, owner: ptr.String(group.SellerID)})
		case model.RoleRider:
			d := order.Delivery
			if d == nil || d.RiderID == nil || d.RiderWalletID == nil {
				return skipped(orderID, SkipRiderUnassigned), nil
			}
			entry.BeneficiaryID = d.RiderID
			legs = append(legs, leg{entry: entry, to: *d.RiderWalletID, owner: d.RiderID})
		case model.RolePlatform:
			legs = append(legs, leg{entry: entry, to: model.PlatformWalletID})
		}
	}

	outcome := &ReleaseOutcome{OrderID: orderID, Released: true}
	for _, l := range legs {
		l.entry.Status = model.EntryReleased
		if err := ds.UpdateLedgerEntry(ctx, l.entry); err != nil {
			return nil, err
		}
		_, err := e.Post(ctx, ds, Posting{
			FromWalletID:      ptr.String(model.EscrowWalletID),
			ToWalletID:        ptr.String(l.to),
			Amount:            l.entry.Amount,
			Type:              model.TxnPayoutRelease,
			Reference:         model.ReleaseReference(l.entry.Reference),
			ResolveFromWallet: true,
			ResolveToWallet:   true,
			UserID:            l.owner,
			OrderID:           ptr.String(orderID),
			Description:       fmt.Sprintf("%s payout released", l.entry.Role),
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		outcome.Amount += l.entry.Amount
		outcome.Entries = append(outcome.Entries, l.entry)
	}

	if fund != nil && fund.Status == model.EntryHeld {
		fund.Status = model.EntryReleased
		if err := ds.UpdateLedgerEntry(ctx, fund); err != nil {
			return nil, err
		}
	}

	order.PayoutReleased = true
	order.SetPayoutStatus(model.PayoutCompleted)
	if order.Status == model.OrderDelivered {
		order.Status = model.OrderCompleted
	}
	for _, g := range order.SellerGroups {
		if err := ds.UpdateSellerGroup(ctx, g); err != nil {
			return nil, err
		}
	}
	if order.Delivery != nil {
		if err := ds.UpdateDelivery(ctx, order.Delivery); err != nil {
			return nil, err
		}
	}
	if err := ds.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	if _, err := ds.AddTimelineEvent(ctx, model.TimelineEvent{
		OrderID: orderID, Status: order.Status, Message: "Payouts released", CreatedAt: e.clock(),
	}); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"order_id": orderID, "amount": outcome.Amount, "legs": len(legs)}).Info("payouts released")
	return outcome, nil
}

// ReleaseOrder is the admin-triggered release. It honours every gate.
func (e *Escrow) ReleaseOrder(ctx context.Context, actor Actor, orderID string) (*ReleaseOutcome, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return e.releaseInTx(ctx, orderID, ReleaseOptions{})
}

func (e *Escrow) releaseInTx(ctx context.Context, orderID string, opts ReleaseOptions) (*ReleaseOutcome, error) {
	var outcome *ReleaseOutcome
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		var err error
		outcome, err = e.Release(ctx, ds, orderID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome.Released {
		e.invalidateOrder(ctx, orderID)
	}
	return outcome, nil
}

// ReleaseDuePayouts releases every order whose hold window has elapsed. Each
// order is released in its own transaction so one failure does not block
// the rest.
func (e *Escrow) ReleaseDuePayouts(ctx context.Context, limit int) (*ReleaseSummary, error) {
	ctx, span := tracer.Start(ctx, "ReleaseDuePayouts")
	defer span.End()

	if limit <= 0 {
		limit = e.conf.Jobs.Batch()
	}
	ids, err := e.datasource.GetDueOrders(ctx, e.clock(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	summary := &ReleaseSummary{Skipped: map[SkipReason]int{}}
	for _, id := range ids {
		summary.Checked++
		outcome, err := e.releaseInTx(ctx, id, ReleaseOptions{})
		if err != nil {
			logrus.WithField("order_id", id).WithError(err).Error("scheduled release failed")
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if outcome.Skipped {
			summary.Skipped[outcome.Reason]++
			continue
		}
		summary.Released++
		summary.Amount += outcome.Amount
	}
	return summary, nil
}
