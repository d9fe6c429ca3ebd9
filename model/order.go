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

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderRefunded  OrderStatus = "REFUNDED"
	OrderCancelled OrderStatus = "CANCELLED"
)

type PaymentMethod string

const (
	PaymentCard   PaymentMethod = "CARD"
	PaymentWallet PaymentMethod = "WALLET"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCompleted PayoutStatus = "COMPLETED"
	PayoutCancelled PayoutStatus = "CANCELLED"
)

type DisputeResolution string

const (
	ResolveReleaseSeller DisputeResolution = "RELEASE_SELLER"
	ResolveRefundBuyer   DisputeResolution = "REFUND_BUYER"
	ResolvePartialRefund DisputeResolution = "PARTIAL_REFUND"
)

type DisputeStatus string

const (
	DisputeNone            DisputeStatus = ""
	DisputeOpen            DisputeStatus = "DISPUTED"
	DisputeReleasedSeller  DisputeStatus = "RESOLVED_SELLER_RELEASED"
	DisputeRefundedBuyer   DisputeStatus = "RESOLVED_BUYER_REFUNDED"
	DisputePartialRefunded DisputeStatus = "RESOLVED_PARTIAL"
)

// StatusFor maps a resolution to the dispute status it leaves behind.
func (r DisputeResolution) StatusFor() DisputeStatus {
	switch r {
	case ResolveReleaseSeller:
		return DisputeReleasedSeller
	case ResolveRefundBuyer:
		return DisputeRefundedBuyer
	case ResolvePartialRefund:
		return DisputePartialRefunded
	}
	return DisputeNone
}

func (r DisputeResolution) Valid() bool {
	return r.StatusFor() != DisputeNone
}

type Order struct {
	OrderID              string                 `json:"order_id"`
	BuyerID              string                 `json:"buyer_id"`
	BuyerWalletID        *string                `json:"buyer_wallet_id,omitempty"`
	TotalAmount          int64                  `json:"total_amount"`
	Currency             string                 `json:"currency"`
	Status               OrderStatus            `json:"status"`
	Category             string                 `json:"category,omitempty"`
	SameDay              bool                   `json:"same_day"`
	IsPaid               bool                   `json:"is_paid"`
	PaidAt               *time.Time             `json:"paid_at,omitempty"`
	PaymentReference     *string                `json:"payment_reference,omitempty"`
	PaymentMethod        PaymentMethod          `json:"payment_method,omitempty"`
	CommissionRate       decimal.NullDecimal    `json:"commission_rate"`
	PostPaymentFinalized bool                   `json:"post_payment_finalized"`
	PayoutReleased       bool                   `json:"payout_released"`
	DisputeRaised        bool                   `json:"dispute_raised"`
	DisputeRaisedAt      *time.Time             `json:"dispute_raised_at,omitempty"`
	DisputeReason        string                 `json:"dispute_reason,omitempty"`
	DisputeStatus        DisputeStatus          `json:"dispute_status,omitempty"`
	BuyerConfirmedAt     *time.Time             `json:"buyer_confirmed_at,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	MetaData             map[string]interface{} `json:"meta_data,omitempty"`
	SellerGroups         []*SellerGroup         `json:"seller_groups"`
	Delivery             *Delivery              `json:"delivery,omitempty"`
}

type SellerGroup struct {
	GroupID          string       `json:"group_id"`
	OrderID          string       `json:"order_id"`
	SellerID         string       `json:"seller_id"`
	SellerWalletID   *string      `json:"seller_wallet_id,omitempty"`
	Subtotal         int64        `json:"subtotal"`
	PayoutEligibleAt *time.Time   `json:"payout_eligible_at,omitempty"`
	PayoutLocked     bool         `json:"payout_locked"`
	PayoutStatus     PayoutStatus `json:"payout_status"`
}

type Delivery struct {
	DeliveryID       string       `json:"delivery_id"`
	OrderID          string       `json:"order_id"`
	RiderID          *string      `json:"rider_id,omitempty"`
	RiderWalletID    *string      `json:"rider_wallet_id,omitempty"`
	Fee              int64        `json:"fee"`
	PayoutEligibleAt *time.Time   `json:"payout_eligible_at,omitempty"`
	PayoutLocked     bool         `json:"payout_locked"`
	PayoutStatus     PayoutStatus `json:"payout_status"`
}

// TimelineEvent is unique on (order, status, message) so repeated steps
// never duplicate history.
type TimelineEvent struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

// DisputeActive reports whether an unresolved dispute blocks the order.
func (o *Order) DisputeActive() bool {
	return o.DisputeRaised && o.DisputeStatus == DisputeOpen
}

func (o *Order) IsClosed() bool {
	return o.Status == OrderRefunded || o.Status == OrderCancelled
}

// PayoutLocked is true when any payee of the order has its payout held back.
func (o *Order) PayoutLocked() bool {
	for _, g := range o.SellerGroups {
		if g.PayoutLocked {
			return true
		}
	}
	return o.Delivery != nil && o.Delivery.PayoutLocked
}

// AwaitingRider is true while a delivery fee is held for a rider who has not
// been assigned yet.
func (o *Order) AwaitingRider() bool {
	d := o.Delivery
	return d != nil && d.Fee > 0 && (d.RiderID == nil || d.RiderWalletID == nil)
}

// PayoutEligible is true once every payee's hold window has elapsed.
func (o *Order) PayoutEligible(now time.Time) bool {
	stamped := false
	for _, g := range o.SellerGroups {
		if g.PayoutEligibleAt == nil || now.Before(*g.PayoutEligibleAt) {
			return false
		}
		stamped = true
	}
	if o.Delivery != nil {
		if o.Delivery.PayoutEligibleAt == nil || now.Before(*o.Delivery.PayoutEligibleAt) {
			return false
		}
		stamped = true
	}
	return stamped
}

// ItemsTotal is the sum of the seller subtotals and the delivery fee.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, g := range o.SellerGroups {
		total += g.Subtotal
	}
	if o.Delivery != nil {
		total += o.Delivery.Fee
	}
	return total
}

func (o *Order) GroupByID(id string) *SellerGroup {
	for _, g := range o.SellerGroups {
		if g.GroupID == id {
			return g
		}
	}
	return nil
}

func (o *Order) SetPayoutStatus(status PayoutStatus) {
	for _, g := range o.SellerGroups {
		g.PayoutStatus = status
	}
	if o.Delivery != nil {
		o.Delivery.PayoutStatus = status
	}
}
