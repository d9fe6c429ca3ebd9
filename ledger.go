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

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/sirupsen/logrus"
)

// OrderLedger is the read model of everything the engine recorded for one
// order.
type OrderLedger struct {
	Order        *model.Order             `json:"order"`
	Entries      []*model.LedgerEntry     `json:"entries"`
	Transactions []*model.Transaction     `json:"transactions"`
	Timeline     []model.TimelineEvent    `json:"timeline"`
	Conservation model.ConservationReport `json:"conservation"`
}

func (l *OrderLedger) visibleTo(actor Actor) bool {
	if actor.IsAdmin() || actor.UserID == l.Order.BuyerID {
		return true
	}
	for _, g := range l.Order.SellerGroups {
		if g.SellerID == actor.UserID {
			return true
		}
	}
	d := l.Order.Delivery
	return d != nil && d.RiderID != nil && *d.RiderID == actor.UserID
}

// GetOrderLedger returns the order with its entries, postings, timeline and
// a conservation check. Views are cached until the next write to the order.
func (e *Escrow) GetOrderLedger(ctx context.Context, actor Actor, orderID string) (*OrderLedger, error) {
	ctx, span := tracer.Start(ctx, "GetOrderLedger")
	defer span.End()

	if e.cache != nil {
		cached := &OrderLedger{}
		found, err := e.cache.Get(ctx, orderLedgerKey(orderID), cached)
		if err != nil {
			logrus.WithField("order_id", orderID).WithError(err).Warn("order ledger cache read failed")
		}
		if found && cached.Order != nil {
			if !cached.visibleTo(actor) {
				return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "Not a party to this order", nil)
			}
			return cached, nil
		}
	}

	ledger := &OrderLedger{}
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		var err error
		if ledger.Order, err = ds.GetOrder(ctx, orderID, false); err != nil {
			return err
		}
		if ledger.Entries, err = ds.GetOrderEntries(ctx, orderID, false); err != nil {
			return err
		}
		if ledger.Transactions, err = ds.GetOrderTransactions(ctx, orderID); err != nil {
			return err
		}
		ledger.Timeline, err = ds.GetTimeline(ctx, orderID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ledger.Conservation = model.CheckConservation(ledger.Entries)
	if ledger.Order.PostPaymentFinalized && !ledger.Conservation.Balanced {
		logrus.WithFields(logrus.Fields{
			"order_id":  orderID,
			"funded":    ledger.Conservation.Funded,
			"allocated": ledger.Conservation.Allocated,
			"refunded":  ledger.Conservation.Refunded,
		}).Error("order ledger does not balance")
	}

	if !ledger.visibleTo(actor) {
		return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "Not a party to this order", nil)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, orderLedgerKey(orderID), ledger, orderLedgerTTL); err != nil {
			logrus.WithField("order_id", orderID).WithError(err).Warn("order ledger cache write failed")
		}
	}
	return ledger, nil
}

// SetPayoutLock holds back, or lets go of, every payout of an order.
func (e *Escrow) SetPayoutLock(ctx context.Context, actor Actor, orderID string, locked bool) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "SetPayoutLock")
	defer span.End()

	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	var order *model.Order
	err := e.datasource.WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
		var err error
		order, err = ds.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if order.PayoutReleased {
			return apierror.NewAPIError(apierror.ErrInvalidStatus, "payouts were already released", nil)
		}
		for _, g := range order.SellerGroups {
			g.PayoutLocked = locked
			if err := ds.UpdateSellerGroup(ctx, g); err != nil {
				return err
			}
		}
		if order.Delivery != nil {
			order.Delivery.PayoutLocked = locked
			if err := ds.UpdateDelivery(ctx, order.Delivery); err != nil {
				return err
			}
		}
		message := "Payouts unlocked"
		if locked {
			message = "Payouts locked"
		}
		_, err = ds.AddTimelineEvent(ctx, model.TimelineEvent{
			OrderID: orderID, Status: order.Status, Message: message, CreatedAt: e.clock(),
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
