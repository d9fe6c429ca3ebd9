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

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/internal/dispatch"
	"github.com/blnkfinance/escrow/model"
	"github.com/sirupsen/logrus"
)

// finalizeOrder is the FINALIZE_ORDER job handler.
func (e *Escrow) finalizeOrder(ctx context.Context, ds database.IDataSource, job *model.Job) (func(context.Context), error) {
	ctx, span := tracer.Start(ctx, "FinalizeOrder")
	defer span.End()

	order, err := ds.GetOrder(ctx, job.BusinessKey, true)
	if err != nil {
		return nil, err
	}
	settled, err := e.settle(ctx, ds, order)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !settled {
		return nil, nil
	}

	return func(ctx context.Context) {
		e.invalidateOrder(ctx, order.OrderID)
		if e.needsImmediateDispatch(order) {
			e.autoAssign(ctx, order)
		}
	}, nil
}

// settle splits a paid order into HELD per-party legs and starts the hold
// window. It reports false when there was nothing to do.
func (e *Escrow) settle(ctx context.Context, ds database.IDataSource, order *model.Order) (bool, error) {
	if !order.IsPaid {
		return false, apierror.NewAPIError(apierror.ErrInvalidStatus, fmt.Sprintf("order %s is not paid", order.OrderID), nil)
	}
	if order.PostPaymentFinalized || order.IsClosed() || order.PayoutReleased {
		return false, nil
	}

	rate := order.CommissionRate.Decimal
	if !order.CommissionRate.Valid {
		at := e.clock()
		if order.PaidAt != nil {
			at = *order.PaidAt
		}
		rate = e.schedule.RateAt(at)
	}

	legs, err := model.PlanSettlement(order, rate)
	if err != nil {
		if errors.Is(err, model.ErrConservation) {
			return false, apierror.NewAPIError(apierror.ErrConservationViolation, err.Error(), nil)
		}
		return false, err
	}

	now := e.clock()
	for _, leg := range legs {
		entry := leg.ToEntry(order.OrderID)
		entry.CreatedAt = now
		if _, _, err := ds.CreateLedgerEntry(ctx, entry); err != nil {
			return false, err
		}
	}

	if err := ds.StampPayoutEligibility(ctx, order.OrderID, now.Add(e.conf.Settlement.HoldWindow())); err != nil {
		return false, err
	}
	order.PostPaymentFinalized = true
	if err := ds.UpdateOrder(ctx, order); err != nil {
		return false, err
	}
	if _, err := ds.AddTimelineEvent(ctx, model.TimelineEvent{
		OrderID: order.OrderID, Status: order.Status, Message: "Funds allocated to sellers, rider and platform", CreatedAt: now,
	}); err != nil {
		return false, err
	}

	logrus.WithFields(logrus.Fields{"order_id": order.OrderID, "legs": len(legs), "rate": rate.String()}).Info("order settled into escrow legs")
	return true, nil
}

func (e *Escrow) needsImmediateDispatch(order *model.Order) bool {
	if e.dispatcher == nil || order.Delivery == nil || order.Delivery.RiderID != nil {
		return false
	}
	return order.SameDay || e.conf.Dispatch.IsPerishable(order.Category)
}

// autoAssign asks the dispatch service for a rider. It runs after commit and
// never affects the settlement that triggered it.
func (e *Escrow) autoAssign(ctx context.Context, order *model.Order) {
	ctx, cancel := context.WithTimeout(ctx, e.conf.Dispatch.Timeout())
	defer cancel()

	fields := logrus.Fields{"order_id": order.OrderID, "delivery_id": order.Delivery.DeliveryID}
	assignment, err := e.dispatcher.AutoAssign(ctx, dispatch.Request{
		OrderID:    order.OrderID,
		DeliveryID: order.Delivery.DeliveryID,
		Category:   order.Category,
		SameDay:    order.SameDay,
	})
	if err != nil {
		logrus.WithFields(fields).WithError(err).Warn("rider auto-assignment failed")
		return
	}
	if assignment == nil {
		logrus.WithFields(fields).Info("dispatch accepted the order without assigning a rider yet")
		return
	}
	if _, err := e.assignRider(ctx, order.OrderID, assignment.RiderID, assignment.RiderWalletID); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("failed to record auto-assigned rider")
	}
}
