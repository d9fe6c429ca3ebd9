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
	"strings"

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
)

// PaymentResult reports whether this call captured the payment or found it
// already captured.
type PaymentResult struct {
	JustPaid bool         `json:"just_paid"`
	Order    *model.Order `json:"order"`
}

// RegisterOrder stores the order snapshot handed over by checkout.
func (e *Escrow) RegisterOrder(ctx context.Context, order *model.Order) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "RegisterOrder")
	defer span.End()

	if err := e.prepareOrder(order); err != nil {
		return nil, err
	}

	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		if err := ds.CreateOrder(ctx, order); err != nil {
			return err
		}
		_, err := ds.AddTimelineEvent(ctx, model.TimelineEvent{
			OrderID:   order.OrderID,
			Status:    order.Status,
			Message:   "Order placed",
			CreatedAt: e.clock(),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return order, nil
}

func (e *Escrow) prepareOrder(order *model.Order) error {
	if strings.TrimSpace(order.BuyerID) == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "buyer_id is required", nil)
	}
	if order.TotalAmount <= 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "total_amount must be positive", nil)
	}
	if len(order.SellerGroups) == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "an order needs at least one seller group", nil)
	}
	if order.Currency == "" {
		order.Currency = e.conf.Settlement.Currency
	}
	if cur := e.conf.Settlement.Currency; cur != "" && !strings.EqualFold(order.Currency, cur) {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("currency must be %s", cur), nil)
	}
	if order.OrderID == "" {
		order.OrderID = database.GenerateUUIDWithSuffix("ord")
	}
	for _, g := range order.SellerGroups {
		if g.Subtotal < 0 || strings.TrimSpace(g.SellerID) == "" {
			return apierror.NewAPIError(apierror.ErrInvalidInput, "every seller group needs a seller and a non-negative subtotal", nil)
		}
		if g.GroupID == "" {
			g.GroupID = database.GenerateUUIDWithSuffix("grp")
		}
		g.PayoutStatus = model.PayoutPending
	}
	if d := order.Delivery; d != nil {
		if d.Fee < 0 {
			return apierror.NewAPIError(apierror.ErrInvalidInput, "delivery fee must not be negative", nil)
		}
		if d.DeliveryID == "" {
			d.DeliveryID = database.GenerateUUIDWithSuffix("dlv")
		}
		d.PayoutStatus = model.PayoutPending
	}
	if order.TotalAmount < order.ItemsTotal() {
		return apierror.NewAPIError(apierror.ErrConservationViolation,
			fmt.Sprintf("total %d is below the items total %d", order.TotalAmount, order.ItemsTotal()), nil)
	}
	order.Status = model.OrderPending
	order.CreatedAt = e.clock()
	return nil
}

// CompletePayment records a captured payment. In one transaction it marks the
// order paid, stamps the commission rate, enqueues finalization and, last,
// moves the funds into escrow. Finalization is then attempted inline.
func (e *Escrow) CompletePayment(ctx context.Context, orderID, paymentReference string, method model.PaymentMethod) (*PaymentResult, error) {
	ctx, span := tracer.Start(ctx, "CompletePayment")
	defer span.End()

	if strings.TrimSpace(paymentReference) == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "payment reference is required", nil)
	}
	if method == "" {
		method = model.PaymentCard
	}
	if method != model.PaymentCard && method != model.PaymentWallet {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown payment method %s", method), nil)
	}

	result := &PaymentResult{}
	var job *model.Job
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		result.JustPaid = false
		order, err := ds.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if order.IsPaid {
			result.Order = order
			return nil
		}
		if order.Status != model.OrderPending {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("order is %s", order.Status), nil)
		}

		now := e.clock()
		order.IsPaid = true
		order.PaidAt = &now
		order.PaymentReference = ptr.String(paymentReference)
		order.PaymentMethod = method
		order.Status = model.OrderPaid
		order.CommissionRate = decimal.NewNullDecimal(e.schedule.RateAt(now))

		var buyerWalletID *string
		if method == model.PaymentWallet {
			if order.BuyerWalletID == nil {
				wallet, err := ds.GetWalletByOwner(ctx, order.BuyerID)
				if err != nil {
					return err
				}
				order.BuyerWalletID = ptr.String(wallet.WalletID)
			}
			buyerWalletID = order.BuyerWalletID
		}

		if err := ds.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if _, err := ds.AddTimelineEvent(ctx, model.TimelineEvent{
			OrderID: order.OrderID, Status: model.OrderPaid, Message: "Payment received", CreatedAt: now,
		}); err != nil {
			return err
		}
		job, err = e.enqueueJob(ctx, ds, model.JobFinalizeOrder, order.OrderID, map[string]interface{}{"order_id": order.OrderID})
		if err != nil {
			return err
		}
		if _, err := e.Deposit(ctx, ds, order.OrderID, order.BuyerID, buyerWalletID, order.TotalAmount); err != nil {
			return err
		}

		result.JustPaid = true
		result.Order = order
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !result.JustPaid {
		return result, nil
	}

	e.invalidateOrder(ctx, orderID)
	if job != nil {
		e.wakeJob(ctx, job)
		if _, err := e.ProcessJob(ctx, job.ID); err != nil {
			logrus.WithField("order_id", orderID).WithError(err).Warn("inline finalization failed, the sweeper will retry")
		}
		if order, err := e.datasource.GetOrder(ctx, orderID, false); err == nil {
			result.Order = order
		}
	}
	return result, nil
}

// Deposit holds the order total in escrow: one HELD FUND entry and one
// posting from the buyer (or the card rail when buyerWalletID is nil) into
// the escrow wallet. Repeating it for the same order changes nothing.
func (e *Escrow) Deposit(ctx context.Context, ds database.IDataSource, orderID, buyerUserID string, buyerWalletID *string, amount int64) (*model.LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "Deposit")
	defer span.End()

	reference := model.FundReference(orderID)
	entry, created, err := ds.CreateLedgerEntry(ctx, &model.LedgerEntry{
		OrderID:       orderID,
		Role:          model.RoleBuyer,
		EntryType:     model.EntryFund,
		Amount:        amount,
		Status:        model.EntryHeld,
		Reference:     reference,
		BeneficiaryID: ptr.String(buyerUserID),
		CreatedAt:     e.clock(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !created && entry.Amount != amount {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("order %s was already funded with %d", orderID, entry.Amount), nil)
	}

	_, err = e.Post(ctx, ds, Posting{
		FromWalletID:      buyerWalletID,
		ToWalletID:        ptr.String(model.EscrowWalletID),
		Amount:            amount,
		Type:              model.TxnEscrowFund,
		Reference:         reference,
		ResolveFromWallet: buyerWalletID != nil,
		ResolveToWallet:   true,
		UserID:            ptr.String(buyerUserID),
		OrderID:           ptr.String(orderID),
		Description:       "Order payment held in escrow",
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return entry, nil
}

// ConfirmDelivery is the buyer acknowledging receipt. It opens the dispute
// window.
func (e *Escrow) ConfirmDelivery(ctx context.Context, actor Actor, orderID string) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "ConfirmDelivery")
	defer span.End()

	var order *model.Order
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		var err error
		order, err = ds.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && actor.UserID != order.BuyerID {
			return apierror.NewAPIError(apierror.ErrUnauthorized, "Only the buyer can confirm delivery", nil)
		}
		if order.BuyerConfirmedAt != nil {
			return nil
		}
		if !order.IsPaid || (order.Status != model.OrderPaid && order.Status != model.OrderShipped) {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("cannot confirm delivery of a %s order", order.Status), nil)
		}
		now := e.clock()
		order.BuyerConfirmedAt = &now
		order.Status = model.OrderDelivered
		if err := ds.UpdateOrder(ctx, order); err != nil {
			return err
		}
		_, err = ds.AddTimelineEvent(ctx, model.TimelineEvent{
			OrderID: orderID, Status: model.OrderDelivered, Message: "Buyer confirmed delivery", CreatedAt: now,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.invalidateOrder(ctx, orderID)
	return order, nil
}

// AssignRider attaches a rider to the order's delivery so the rider leg can
// be released.
func (e *Escrow) AssignRider(ctx context.Context, orderID, riderID string) (*model.Order, error) {
	return e.assignRider(ctx, orderID, riderID, nil)
}

func (e *Escrow) assignRider(ctx context.Context, orderID, riderID string, riderWalletID *string) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "AssignRider")
	defer span.End()

	if strings.TrimSpace(riderID) == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "rider id is required", nil)
	}

	var order *model.Order
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		var err error
		order, err = ds.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		d := order.Delivery
		if d == nil {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, "order has no delivery", nil)
		}
		if d.RiderID != nil && *d.RiderID == riderID {
			return nil
		}
		if d.PayoutStatus != model.PayoutPending {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, "rider payout already settled", nil)
		}
		if riderWalletID != nil {
			wallet, err := ds.GetWallet(ctx, *riderWalletID)
			switch {
			case err != nil:
				logrus.WithField("wallet_id", *riderWalletID).Warn("unknown rider wallet, using the rider's own wallet")
				riderWalletID = nil
			case wallet.OwnerID == nil || *wallet.OwnerID != riderID:
				logrus.WithFields(logrus.Fields{"wallet_id": *riderWalletID, "rider_id": riderID}).
					Warn("rider wallet belongs to someone else, using the rider's own wallet")
				riderWalletID = nil
			}
		}
		if riderWalletID == nil {
			wallet, err := e.ensureWallet(ctx, ds, riderID)
			if err != nil {
				return err
			}
			riderWalletID = ptr.String(wallet.WalletID)
		}
		d.RiderID = ptr.String(riderID)
		d.RiderWalletID = riderWalletID
		if err := ds.UpdateDelivery(ctx, d); err != nil {
			return err
		}

		entries, err := ds.GetOrderEntries(ctx, orderID, true)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Role == model.RoleRider && entry.Status == model.EntryHeld {
				entry.BeneficiaryID = ptr.String(riderID)
				if err := ds.UpdateLedgerEntry(ctx, entry); err != nil {
					return err
				}
			}
		}
		_, err = ds.AddTimelineEvent(ctx, model.TimelineEvent{
			OrderID: orderID, Status: order.Status, Message: "Rider assigned", CreatedAt: e.clock(),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.invalidateOrder(ctx, orderID)
	return order, nil
}
