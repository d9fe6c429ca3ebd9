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

import "github.com/blnkfinance/escrow/model"

type SellerGroup struct {
	SellerID string `json:"seller_id"`
	Subtotal int64  `json:"subtotal"`
}

type Delivery struct {
	Fee int64 `json:"fee"`
}

type RegisterOrder struct {
	BuyerID       string                 `json:"buyer_id"`
	BuyerWalletID string                 `json:"buyer_wallet_id"`
	TotalAmount   int64                  `json:"total_amount"`
	Currency      string                 `json:"currency"`
	Category      string                 `json:"category"`
	SameDay       bool                   `json:"same_day"`
	SellerGroups  []SellerGroup          `json:"seller_groups"`
	Delivery      *Delivery              `json:"delivery"`
	MetaData      map[string]interface{} `json:"meta_data"`
}

type CompletePayment struct {
	PaymentReference string `json:"payment_reference"`
	Method           string `json:"method"`
}

type AssignRider struct {
	RiderID string `json:"rider_id"`
}

type RaiseDispute struct {
	Reason string `json:"reason"`
}

type ResolveDispute struct {
	Resolution    string `json:"resolution"`
	PartialAmount int64  `json:"partial_amount"`
}

type PayoutLock struct {
	Locked *bool `json:"locked"`
}

type ReleaseDue struct {
	Limit int `json:"limit"`
}

type ProcessJobs struct {
	MaxCount int `json:"max_count"`
}

func (r *RegisterOrder) ToOrder() *model.Order {
	order := &model.Order{
		BuyerID:     r.BuyerID,
		TotalAmount: r.TotalAmount,
		Currency:    r.Currency,
		Category:    r.Category,
		SameDay:     r.SameDay,
		MetaData:    r.MetaData,
	}
	if r.BuyerWalletID != "" {
		walletID := r.BuyerWalletID
		order.BuyerWalletID = &walletID
	}
	for _, g := range r.SellerGroups {
		order.SellerGroups = append(order.SellerGroups, &model.SellerGroup{SellerID: g.SellerID, Subtotal: g.Subtotal})
	}
	if r.Delivery != nil {
		order.Delivery = &model.Delivery{Fee: r.Delivery.Fee}
	}
	return order
}
