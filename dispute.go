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

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

// RaiseDispute lets the buyer contest a delivered order while the dispute
// window is open. Nothing changes when a check fails.
func (e *Escrow) RaiseDispute(ctx context.Context, actor Actor, orderID, reason string) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "RaiseDispute")
	defer span.End()

	var order *model.Order
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		var err error
		order, err = ds.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if actor.UserID == "" || actor.UserID != order.BuyerID {
			return apierror.NewAPIError(apierror.ErrUnauthorized, "Only the buyer can dispute this order", nil)
		}
		if order.Status != model.OrderDelivered {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("cannot dispute a %s order", order.Status), nil)
		}
		if order.DisputeRaised {
			return apierror.NewAPIError(apierror.ErrDisputeActive, "a dispute was already raised for this order", nil)
		}
		if order.PayoutReleased {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, "payouts for this order were already released", nil)
		}
		if order.BuyerConfirmedAt == nil {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, "delivery was not confirmed", nil)
		}
		now := e.clock()
		if now.After(order.BuyerConfirmedAt.Add(e.conf.Settlement.DisputeWindow())) {
			return apierror.NewAPIError(apierror.ErrDisputeWindowExpired, "the dispute window has closed", nil)
		}

		order.DisputeRaised = true
		order.DisputeRaisedAt = &now
		order.DisputeReason = strings.TrimSpace(reason)
		order.DisputeStatus = model.DisputeOpen
		if err := ds.UpdateOrder(ctx, order); err != nil {
			return err
		}
		_, err = ds.AddTimelineEvent(ctx, model.TimelineEvent{
			OrderID: orderID, Status: order.Status, Message: "Buyer raised a dispute", CreatedAt: now,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.invalidateOrder(ctx, orderID)
	for _, admin := range e.conf.Notification.AdminUserIDs {
		e.notify(ctx, admin, "Dispute raised", fmt.Sprintf("Order %s was disputed: %s", orderID, order.DisputeReason))
	}
	return order, nil
}

// ResolveDispute settles an open dispute. Resolving again with the same
// outcome returns the order unchanged.
func (e *Escrow) ResolveDispute(ctx context.Context, actor Actor, orderID string, resolution model.DisputeResolution, partialAmount int64) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "ResolveDispute")
	defer span.End()

	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if !resolution.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown resolution %s", resolution), nil)
	}

	var order *model.Order
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		var err error
		order, err = ds.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if order.DisputeStatus == resolution.StatusFor() {
			return nil
		}
		if !order.DisputeActive() {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, "order has no open dispute", nil)
		}

		switch resolution {
		case model.ResolveReleaseSeller:
			err = e.resolveReleaseSeller(ctx, ds, order)
		case model.ResolveRefundBuyer:
			err = e.resolveRefundBuyer(ctx, ds, order)
		case model.ResolvePartialRefund:
			err = e.resolvePartialRefund(ctx, ds, order, partialAmount)
		}
		if err != nil {
			return err
		}

		order, err = ds.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		order.DisputeStatus = resolution.StatusFor()
		if resolution != model.ResolveRefundBuyer {
			order.Status = model.OrderCompleted
		}
		if resolution == model.ResolveReleaseSeller {
			order.DisputeRaised = false
			order.DisputeRaisedAt = nil
		}
		if err := ds.UpdateOrder(ctx, order); err != nil {
			return err
		}
		_, err = ds.AddTimelineEvent(ctx, model.TimelineEvent{
			OrderID: orderID, Status: order.Status, Message: "Dispute resolved: " + string(resolution), CreatedAt: e.clock(),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.invalidateOrder(ctx, orderID)
	logrus.WithFields(logrus.Fields{"order_id": orderID, "resolution": resolution}).Info("dispute resolved")
	return order, nil
}

// ensureSettled finalizes an order whose FINALIZE_ORDER job has not run yet,
// so the resolver always works on party legs.
func (e *Escrow) ensureSettled(ctx context.Context, ds database.IDataSource, order *model.Order) error {
	if order.PostPaymentFinalized {
		return nil
	}
	_, err := e.settle(ctx, ds, order)
	return err
}

func (e *Escrow) releaseForResolution(ctx context.Context, ds database.IDataSource, orderID string) error {
	outcome, err := e.Release(ctx, ds, orderID, ReleaseOptions{AllowDisputedOrder: true})
	if err != nil {
		return err
	}
	if outcome.Skipped && outcome.Reason != SkipAlreadyReleased {
		return apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("release skipped: %s", outcome.Reason), nil)
	}
	return nil
}

func (e *Escrow) resolveReleaseSeller(ctx context.Context, ds database.IDataSource, order *model.Order) error {
	if err := e.ensureSettled(ctx, ds, order); err != nil {
		return err
	}
	return e.releaseForResolution(ctx, ds, order.OrderID)
}

func (e *Escrow) resolveRefundBuyer(ctx context.Context, ds database.IDataSource, order *model.Order) error {
	if order.PayoutReleased {
		return apierror.NewAPIError(apierror.ErrInvalidStatus, "payouts were already released", nil)
	}
	entries, err := ds.GetOrderEntries(ctx, order.OrderID, true)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		switch {
		case entry.EntryType == model.EntryFund && entry.Status == model.EntryHeld:
			entry.Status = model.EntryReleased
		case entry.IsPartyLeg() && entry.Status == model.EntryHeld:
			entry.Status = model.EntryCancelled
		default:
			continue
		}
		if err := ds.UpdateLedgerEntry(ctx, entry); err != nil {
			return err
		}
	}

	if err := e.refund(ctx, ds, order, model.RefundReference(order.OrderID), order.TotalAmount); err != nil {
		return err
	}

	order.SetPayoutStatus(model.PayoutCancelled)
	for _, g := range order.SellerGroups {
		if err := ds.UpdateSellerGroup(ctx, g); err != nil {
			return err
		}
	}
	if order.Delivery != nil {
		if err := ds.UpdateDelivery(ctx, order.Delivery); err != nil {
			return err
		}
	}
	order.Status = model.OrderRefunded
	order.PayoutReleased = true
	return ds.UpdateOrder(ctx, order)
}

// resolvePartialRefund returns amount to the buyer, shrinks the HELD legs by
// the same total and releases what is left to the parties.
func (e *Escrow) resolvePartialRefund(ctx context.Context, ds database.IDataSource, order *model.Order, amount int64) error {
	if amount <= 0 || amount > order.TotalAmount {
		return apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("partial refund must be between 1 and %d", order.TotalAmount), nil)
	}
	if order.PayoutReleased {
		return apierror.NewAPIError(apierror.ErrInvalidStatus, "payouts were already released", nil)
	}
	if err := e.ensureSettled(ctx, ds, order); err != nil {
		return err
	}

	entries, err := ds.GetOrderEntries(ctx, order.OrderID, true)
	if err != nil {
		return err
	}
	reductions, err := model.PlanPartialRefund(entries, amount)
	if err != nil {
		if errors.Is(err, model.ErrRefundExceedsHeld) {
			return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
		}
		return err
	}

	now := e.clock()
	for _, r := range reductions {
		r.Entry.Status = model.EntryCancelled
		if err := ds.UpdateLedgerEntry(ctx, r.Entry); err != nil {
			return err
		}
		if r.Remaining == 0 {
			continue
		}
		if _, _, err := ds.CreateLedgerEntry(ctx, &model.LedgerEntry{
			OrderID:       r.Entry.OrderID,
			Role:          r.Entry.Role,
			EntryType:     r.Entry.EntryType,
			Amount:        r.Remaining,
			Status:        model.EntryHeld,
			Reference:     model.AdjustedReference(r.Entry.Reference),
			BeneficiaryID: r.Entry.BeneficiaryID,
			GroupID:       r.Entry.GroupID,
			MetaData:      map[string]interface{}{"adjusts": r.Entry.Reference, "reduced_by": r.Reduction},
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}

	if err := e.refund(ctx, ds, order, model.PartialRefundReference(order.OrderID), amount); err != nil {
		return err
	}
	return e.releaseForResolution(ctx, ds, order.OrderID)
}

// refund writes the REFUND entry and moves the amount from escrow to the
// buyer's wallet.
func (e *Escrow) refund(ctx context.Context, ds database.IDataSource, order *model.Order, reference string, amount int64) error {
	if _, _, err := ds.CreateLedgerEntry(ctx, &model.LedgerEntry{
		OrderID:       order.OrderID,
		Role:          model.RoleBuyer,
		EntryType:     model.EntryRefund,
		Amount:        amount,
		Status:        model.EntryReleased,
		Reference:     reference,
		BeneficiaryID: ptr.String(order.BuyerID),
		CreatedAt:     e.clock(),
	}); err != nil {
		return err
	}

	buyerWalletID := order.BuyerWalletID
	if buyerWalletID == nil {
		wallet, err := e.ensureWallet(ctx, ds, order.BuyerID)
		if err != nil {
			return err
		}
		buyerWalletID = ptr.String(wallet.WalletID)
	}
	_, err := e.Post(ctx, ds, Posting{
		FromWalletID:      ptr.String(model.EscrowWalletID),
		ToWalletID:        buyerWalletID,
		Amount:            amount,
		Type:              model.TxnRefund,
		Reference:         reference,
		ResolveFromWallet: true,
		ResolveToWallet:   true,
		UserID:            ptr.String(order.BuyerID),
		OrderID:           ptr.String(order.OrderID),
		Description:       "Dispute refund",
	})
	return err
}
