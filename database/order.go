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
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const orderColumns = `order_id, buyer_id, buyer_wallet_id, total_amount, currency, status, category, same_day, is_paid, paid_at,
	payment_reference, payment_method, commission_rate, post_payment_finalized, payout_released, dispute_raised,
	dispute_raised_at, dispute_reason, dispute_status, buyer_confirmed_at, created_at, meta_data`

const groupColumns = `group_id, order_id, seller_id, seller_wallet_id, subtotal, payout_eligible_at, payout_locked, payout_status`

const deliveryColumns = `delivery_id, order_id, rider_id, rider_wallet_id, fee, payout_eligible_at, payout_locked, payout_status`

func scanOrder(row scanner) (*model.Order, error) {
	o := &model.Order{}
	var category, method, reason sql.NullString
	var meta []byte
	err := row.Scan(&o.OrderID, &o.BuyerID, &o.BuyerWalletID, &o.TotalAmount, &o.Currency, &o.Status, &category,
		&o.SameDay, &o.IsPaid, &o.PaidAt, &o.PaymentReference, &method, &o.CommissionRate, &o.PostPaymentFinalized,
		&o.PayoutReleased, &o.DisputeRaised, &o.DisputeRaisedAt, &reason, &o.DisputeStatus, &o.BuyerConfirmedAt,
		&o.CreatedAt, &meta)
	if err != nil {
		return nil, err
	}
	o.Category = category.String
	o.PaymentMethod = model.PaymentMethod(method.String)
	o.DisputeReason = reason.String
	if o.MetaData, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateOrder stores the order snapshot together with its seller groups and
// delivery.
func (d Datasource) CreateOrder(ctx context.Context, o *model.Order) error {
	ctx, span := otel.Tracer("escrow.database").Start(ctx, "CreateOrder")
	defer span.End()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalMeta(o.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.q().ExecContext(ctx, `
		INSERT INTO escrow.orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, o.OrderID, o.BuyerID, o.BuyerWalletID, o.TotalAmount, o.Currency, o.Status, nullString(o.Category), o.SameDay,
		o.IsPaid, o.PaidAt, o.PaymentReference, nullString(string(o.PaymentMethod)), o.CommissionRate,
		o.PostPaymentFinalized, o.PayoutReleased, o.DisputeRaised, o.DisputeRaisedAt, nullString(o.DisputeReason),
		o.DisputeStatus, o.BuyerConfirmedAt, o.CreatedAt, meta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Order '%s' already exists", o.OrderID), err)
			case "foreign_key_violation":
				return apierror.NewAPIError(apierror.ErrInvalidInput, "Unknown buyer wallet", err)
			}
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create order", errors.Wrap(err, "insert order"))
	}

	for _, g := range o.SellerGroups {
		g.OrderID = o.OrderID
		if g.PayoutStatus == "" {
			g.PayoutStatus = model.PayoutPending
		}
		_, err = d.q().ExecContext(ctx, `
			INSERT INTO escrow.order_seller_groups (`+groupColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, g.GroupID, g.OrderID, g.SellerID, g.SellerWalletID, g.Subtotal, g.PayoutEligibleAt, g.PayoutLocked, g.PayoutStatus)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create seller group", errors.Wrap(err, "insert seller group"))
		}
	}

	if del := o.Delivery; del != nil {
		del.OrderID = o.OrderID
		if del.PayoutStatus == "" {
			del.PayoutStatus = model.PayoutPending
		}
		_, err = d.q().ExecContext(ctx, `
			INSERT INTO escrow.deliveries (`+deliveryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, del.DeliveryID, del.OrderID, del.RiderID, del.RiderWalletID, del.Fee, del.PayoutEligibleAt, del.PayoutLocked, del.PayoutStatus)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create delivery", errors.Wrap(err, "insert delivery"))
		}
	}
	return nil
}

// GetOrder loads the order with its seller groups and delivery. With
// forUpdate every loaded row is locked.
func (d Datasource) GetOrder(ctx context.Context, id string, forUpdate bool) (*model.Order, error) {
	ctx, span := otel.Tracer("escrow.database").Start(ctx, "GetOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id), attribute.Bool("for_update", forUpdate))

	row := d.q().QueryRowContext(ctx, `SELECT `+orderColumns+` FROM escrow.orders WHERE order_id = $1`+forUpdateClause(forUpdate), id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Order with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order", errors.Wrap(err, "select order"))
	}
	if err := d.loadOrderChildren(ctx, o, forUpdate); err != nil {
		return nil, err
	}
	return o, nil
}

func (d Datasource) GetOrderByPaymentReference(ctx context.Context, reference string) (*model.Order, error) {
	row := d.q().QueryRowContext(ctx, `SELECT `+orderColumns+` FROM escrow.orders WHERE payment_reference = $1`, reference)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No order with payment reference '%s'", reference), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order", errors.Wrap(err, "select order by payment reference"))
	}
	if err := d.loadOrderChildren(ctx, o, false); err != nil {
		return nil, err
	}
	return o, nil
}

func (d Datasource) loadOrderChildren(ctx context.Context, o *model.Order, forUpdate bool) error {
	rows, err := d.q().QueryContext(ctx, `
		SELECT `+groupColumns+` FROM escrow.order_seller_groups
		WHERE order_id = $1 ORDER BY group_id`+forUpdateClause(forUpdate), o.OrderID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve seller groups", errors.Wrap(err, "select seller groups"))
	}
	defer rows.Close()

	o.SellerGroups = nil
	for rows.Next() {
		g := &model.SellerGroup{}
		if err := rows.Scan(&g.GroupID, &g.OrderID, &g.SellerID, &g.SellerWalletID, &g.Subtotal, &g.PayoutEligibleAt, &g.PayoutLocked, &g.PayoutStatus); err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan seller group", err)
		}
		o.SellerGroups = append(o.SellerGroups, g)
	}
	if err := rows.Err(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate seller groups", err)
	}

	del := &model.Delivery{}
	err = d.q().QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM escrow.deliveries WHERE order_id = $1`+forUpdateClause(forUpdate), o.OrderID).
		Scan(&del.DeliveryID, &del.OrderID, &del.RiderID, &del.RiderWalletID, &del.Fee, &del.PayoutEligibleAt, &del.PayoutLocked, &del.PayoutStatus)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		o.Delivery = nil
	case err != nil:
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve delivery", errors.Wrap(err, "select delivery"))
	default:
		o.Delivery = del
	}
	return nil
}

// UpdateOrder persists the mutable order fields. Amounts and parties are
// fixed at registration.
func (d Datasource) UpdateOrder(ctx context.Context, o *model.Order) error {
	meta, err := marshalMeta(o.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	result, err := d.q().ExecContext(ctx, `
		UPDATE escrow.orders SET
			status = $2, is_paid = $3, paid_at = $4, payment_reference = $5, payment_method = $6,
			commission_rate = $7, post_payment_finalized = $8, payout_released = $9, dispute_raised = $10,
			dispute_raised_at = $11, dispute_reason = $12, dispute_status = $13, buyer_confirmed_at = $14,
			meta_data = $15
		WHERE order_id = $1
	`, o.OrderID, o.Status, o.IsPaid, o.PaidAt, o.PaymentReference, nullString(string(o.PaymentMethod)),
		o.CommissionRate, o.PostPaymentFinalized, o.PayoutReleased, o.DisputeRaised, o.DisputeRaisedAt,
		nullString(o.DisputeReason), o.DisputeStatus, o.BuyerConfirmedAt, meta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict, "Payment reference already used by another order", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update order", errors.Wrap(err, "update order"))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Order with ID '%s' not found", o.OrderID), nil)
	}
	return nil
}

func (d Datasource) UpdateSellerGroup(ctx context.Context, g *model.SellerGroup) error {
	_, err := d.q().ExecContext(ctx, `
		UPDATE escrow.order_seller_groups
		SET seller_wallet_id = $2, payout_eligible_at = $3, payout_locked = $4, payout_status = $5
		WHERE group_id = $1
	`, g.GroupID, g.SellerWalletID, g.PayoutEligibleAt, g.PayoutLocked, g.PayoutStatus)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update seller group", errors.Wrap(err, "update seller group"))
	}
	return nil
}

func (d Datasource) UpdateDelivery(ctx context.Context, del *model.Delivery) error {
	_, err := d.q().ExecContext(ctx, `
		UPDATE escrow.deliveries
		SET rider_id = $2, rider_wallet_id = $3, payout_eligible_at = $4, payout_locked = $5, payout_status = $6
		WHERE delivery_id = $1
	`, del.DeliveryID, del.RiderID, del.RiderWalletID, del.PayoutEligibleAt, del.PayoutLocked, del.PayoutStatus)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update delivery", errors.Wrap(err, "update delivery"))
	}
	return nil
}

func (d Datasource) StampPayoutEligibility(ctx context.Context, orderID string, at time.Time) error {
	if _, err := d.q().ExecContext(ctx, `
		UPDATE escrow.order_seller_groups SET payout_eligible_at = $2, payout_locked = FALSE
		WHERE order_id = $1 AND payout_eligible_at IS NULL
	`, orderID, at); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to stamp seller payout eligibility", errors.Wrap(err, "stamp seller groups"))
	}
	if _, err := d.q().ExecContext(ctx, `
		UPDATE escrow.deliveries SET payout_eligible_at = $2, payout_locked = FALSE
		WHERE order_id = $1 AND payout_eligible_at IS NULL
	`, orderID, at); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to stamp delivery payout eligibility", errors.Wrap(err, "stamp delivery"))
	}
	return nil
}

// GetDueOrders returns paid, finalized, unreleased, undisputed orders with no
// payee still inside its hold window or locked. Orders whose delivery fee is
// still waiting on a rider are left out so they cannot fill every batch.
func (d Datasource) GetDueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := d.q().QueryContext(ctx, `
		SELECT o.order_id FROM escrow.orders o
		WHERE o.is_paid AND o.post_payment_finalized AND NOT o.payout_released
		  AND o.status NOT IN ('REFUNDED', 'CANCELLED')
		  AND NOT (o.dispute_raised AND o.dispute_status = 'DISPUTED')
		  AND NOT EXISTS (
			SELECT 1 FROM escrow.order_seller_groups g
			WHERE g.order_id = o.order_id AND (g.payout_locked OR g.payout_eligible_at IS NULL OR g.payout_eligible_at > $1))
		  AND NOT EXISTS (
			SELECT 1 FROM escrow.deliveries dl
			WHERE dl.order_id = o.order_id AND (dl.payout_locked OR dl.payout_eligible_at IS NULL OR dl.payout_eligible_at > $1))
		  AND NOT EXISTS (
			SELECT 1 FROM escrow.deliveries dl
			WHERE dl.order_id = o.order_id AND dl.fee > 0 AND (dl.rider_id IS NULL OR dl.rider_wallet_id IS NULL))
		ORDER BY o.paid_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list due orders", errors.Wrap(err, "select due orders"))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan due order", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddTimelineEvent appends the event unless an identical one exists. It
// reports whether a row was written.
func (d Datasource) AddTimelineEvent(ctx context.Context, ev model.TimelineEvent) (bool, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := d.q().ExecContext(ctx, `
		INSERT INTO escrow.order_timeline (order_id, status, message, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id, status, message) DO NOTHING
	`, ev.OrderID, ev.Status, ev.Message, ev.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to add timeline event", errors.Wrap(err, "insert timeline"))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return n > 0, nil
}

func (d Datasource) GetTimeline(ctx context.Context, orderID string) ([]model.TimelineEvent, error) {
	rows, err := d.q().QueryContext(ctx, `
		SELECT order_id, status, message, created_at FROM escrow.order_timeline
		WHERE order_id = $1 ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve timeline", errors.Wrap(err, "select timeline"))
	}
	defer rows.Close()

	var out []model.TimelineEvent
	for rows.Next() {
		var ev model.TimelineEvent
		if err := rows.Scan(&ev.OrderID, &ev.Status, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan timeline event", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
