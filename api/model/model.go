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
	"errors"

	"github.com/blnkfinance/escrow/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func sellerGroupsValidation(r *RegisterOrder) validation.RuleFunc {
	return func(value interface{}) error {
		seen := make(map[string]bool, len(r.SellerGroups))
		for _, g := range r.SellerGroups {
			if g.SellerID == "" {
				return errors.New("every seller group needs a seller_id")
			}
			if g.Subtotal <= 0 {
				return errors.New("seller group subtotal must be positive")
			}
			if seen[g.SellerID] {
				return errors.New("a seller may appear only once per order")
			}
			seen[g.SellerID] = true
		}
		return nil
	}
}

func totalCoversItemsValidation(r *RegisterOrder) validation.RuleFunc {
	return func(value interface{}) error {
		var want int64
		for _, g := range r.SellerGroups {
			want += g.Subtotal
		}
		if r.Delivery != nil {
			want += r.Delivery.Fee
		}
		if r.TotalAmount < want {
			return errors.New("total_amount must cover seller subtotals and the delivery fee")
		}
		return nil
	}
}

func (r *RegisterOrder) ValidateRegisterOrder() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.BuyerID, validation.Required),
		validation.Field(&r.TotalAmount, validation.Required, validation.Min(int64(1)), validation.By(totalCoversItemsValidation(r))),
		validation.Field(&r.SellerGroups, validation.Required, validation.By(sellerGroupsValidation(r))),
		validation.Field(&r.Delivery, validation.When(r.Delivery != nil, validation.By(func(value interface{}) error {
			if r.Delivery.Fee <= 0 {
				return errors.New("delivery fee must be positive")
			}
			return nil
		}))),
	)
}

func (p *CompletePayment) ValidateCompletePayment() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.PaymentReference, validation.Required),
		validation.Field(&p.Method, validation.Required, validation.In(string(model.PaymentCard), string(model.PaymentWallet))),
	)
}

func (a *AssignRider) ValidateAssignRider() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.RiderID, validation.Required),
	)
}

func (d *RaiseDispute) ValidateRaiseDispute() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Reason, validation.Required, validation.Length(1, 1000)),
	)
}

func (d *ResolveDispute) ValidateResolveDispute() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Resolution, validation.Required, validation.In(
			string(model.ResolveReleaseSeller), string(model.ResolveRefundBuyer), string(model.ResolvePartialRefund))),
		validation.Field(&d.PartialAmount, validation.When(d.Resolution == string(model.ResolvePartialRefund), validation.Required, validation.Min(int64(1)))),
	)
}

func (l *PayoutLock) ValidatePayoutLock() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.Locked, validation.NotNil),
	)
}

func (w *RequestWithdrawal) ValidateRequestWithdrawal() error {
	return validation.ValidateStruct(w,
		validation.Field(&w.Role, validation.In(string(model.WithdrawalSeller), string(model.WithdrawalPlatform))),
		validation.Field(&w.Amount, validation.Required, validation.Min(int64(1))),
		validation.Field(&w.Destination, validation.When(w.Role != string(model.WithdrawalPlatform), validation.Required)),
	)
}

func (w *EnsureWallet) ValidateEnsureWallet() error {
	return validation.ValidateStruct(w,
		validation.Field(&w.OwnerID, validation.Required),
	)
}
