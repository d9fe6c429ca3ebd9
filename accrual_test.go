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
	"testing"
	"time"

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOrder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		order *model.Order
		code  apierror.ErrorCode
	}{
		{"missing buyer", &model.Order{TotalAmount: 10, SellerGroups: []*model.SellerGroup{{SellerID: "s", Subtotal: 10}}}, apierror.ErrInvalidInput},
		{"zero total", &model.Order{BuyerID: "b", SellerGroups: []*model.SellerGroup{{SellerID: "s"}}}, apierror.ErrInvalidInput},
		{"no groups", &model.Order{BuyerID: "b", TotalAmount: 10}, apierror.ErrInvalidInput},
		{"group without seller", &model.Order{BuyerID: "b", TotalAmount: 10, SellerGroups: []*model.SellerGroup{{Subtotal: 10}}}, apierror.ErrInvalidInput},
		{"negative fee", &model.Order{BuyerID: "b", TotalAmount: 10, SellerGroups: []*model.SellerGroup{{SellerID: "s", Subtotal: 10}}, Delivery: &model.Delivery{Fee: -1}}, apierror.ErrInvalidInput},
		{"wrong currency", &model.Order{BuyerID: "b", TotalAmount: 10, Currency: "USD", SellerGroups: []*model.SellerGroup{{SellerID: "s", Subtotal: 10}}}, apierror.ErrInvalidInput},
		{"total below items", &model.Order{BuyerID: "b", TotalAmount: 10, SellerGroups: []*model.SellerGroup{{SellerID: "s", Subtotal: 12}}}, apierror.ErrConservationViolation},
	}
	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.escrow.RegisterOrder(context.Background(), tt.order)
			assert.True(t, apierror.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestRegisterOrder_AssignsIdsAndStatuses(t *testing.T) {
	h := newHarness(t)
	order, err := h.escrow.RegisterOrder(context.Background(), newOrder(100, 20))
	require.NoError(t, err)

	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, model.OrderPending, order.Status)
	assert.Equal(t, "NGN", order.Currency)
	assert.NotEmpty(t, order.SellerGroups[0].GroupID)
	assert.Equal(t, model.PayoutPending, order.SellerGroups[0].PayoutStatus)
	assert.NotEmpty(t, order.Delivery.DeliveryID)

	timeline, err := h.store.GetTimeline(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, "Order placed", timeline[0].Message)
}

func TestCompletePayment_FundsEscrowAndFinalizes(t *testing.T) {
	h := newHarness(t)
	order := h.paidOrder(t, newOrder(100, 0))

	assert.True(t, order.IsPaid)
	assert.True(t, order.PostPaymentFinalized)
	assert.Equal(t, model.OrderPaid, order.Status)
	assert.Equal(t, "0.15", order.CommissionRate.Decimal.String())
	assert.Equal(t, int64(100), h.balance(t, model.EscrowWalletID))

	fund := h.entry(t, model.FundReference(order.OrderID))
	assert.Equal(t, model.EntryHeld, fund.Status)
	assert.Equal(t, int64(100), fund.Amount)

	group := order.SellerGroups[0]
	assert.Equal(t, int64(85), h.entry(t, model.SellerHeldReference(group.GroupID)).Amount)
	assert.Equal(t, int64(15), h.entry(t, model.PlatformHeldReference(group.GroupID)).Amount)
	require.NotNil(t, group.PayoutEligibleAt)
	assert.Equal(t, testStart.Add(24*time.Hour), *group.PayoutEligibleAt)

	job, err := h.store.GetJob(context.Background(), model.JobID(model.JobFinalizeOrder, order.OrderID))
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	h.assertWalletsConsistent(t)
}

func TestCompletePayment_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, err := h.escrow.RegisterOrder(ctx, newOrder(100, 0))
	require.NoError(t, err)

	first, err := h.escrow.CompletePayment(ctx, order.OrderID, "pay_1", model.PaymentCard)
	require.NoError(t, err)
	second, err := h.escrow.CompletePayment(ctx, order.OrderID, "pay_1", model.PaymentCard)
	require.NoError(t, err)

	assert.True(t, first.JustPaid)
	assert.False(t, second.JustPaid)
	assert.Equal(t, int64(100), h.balance(t, model.EscrowWalletID))

	txns, err := h.store.GetOrderTransactions(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestCompletePayment_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, err := h.escrow.RegisterOrder(ctx, newOrder(100, 0))
	require.NoError(t, err)

	_, err = h.escrow.CompletePayment(ctx, order.OrderID, " ", model.PaymentCard)
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))

	_, err = h.escrow.CompletePayment(ctx, order.OrderID, "pay_1", "CRYPTO")
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))

	_, err = h.escrow.CompletePayment(ctx, "ord_missing", "pay_1", model.PaymentCard)
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestCompletePayment_WalletPaymentDebitsBuyer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallet, err := h.escrow.EnsureWallet(ctx, buyer.UserID)
	require.NoError(t, err)
	h.topUp(t, wallet.WalletID, 150)

	order, err := h.escrow.RegisterOrder(ctx, newOrder(100, 0))
	require.NoError(t, err)
	result, err := h.escrow.CompletePayment(ctx, order.OrderID, "pay_w", model.PaymentWallet)
	require.NoError(t, err)

	assert.Equal(t, wallet.WalletID, *result.Order.BuyerWalletID)
	assert.Equal(t, int64(50), h.balance(t, wallet.WalletID))
	assert.Equal(t, int64(100), h.balance(t, model.EscrowWalletID))
	h.assertWalletsConsistent(t)
}

func TestCompletePayment_WalletShortfallRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallet, err := h.escrow.EnsureWallet(ctx, buyer.UserID)
	require.NoError(t, err)
	h.topUp(t, wallet.WalletID, 30)

	order, err := h.escrow.RegisterOrder(ctx, newOrder(100, 0))
	require.NoError(t, err)
	_, err = h.escrow.CompletePayment(ctx, order.OrderID, "pay_w", model.PaymentWallet)
	assert.True(t, apierror.HasCode(err, apierror.ErrInsufficientFunds))

	stored, err := h.store.GetOrder(ctx, order.OrderID, false)
	require.NoError(t, err)
	assert.False(t, stored.IsPaid)
	assert.Equal(t, model.OrderPending, stored.Status)
	_, err = h.store.GetJob(ctx, model.JobID(model.JobFinalizeOrder, order.OrderID))
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestDeposit_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, err := h.escrow.RegisterOrder(ctx, newOrder(100, 0))
	require.NoError(t, err)

	deposit := func() *model.LedgerEntry {
		var entry *model.LedgerEntry
		err := h.escrow.Datasource().WithTx(ctx, func(ctx context.Context, ds database.IDataSource) error {
			var err error
			entry, err = h.escrow.Deposit(ctx, ds, order.OrderID, buyer.UserID, nil, 100)
			return err
		})
		require.NoError(t, err)
		return entry
	}

	first := deposit()
	assert.Equal(t, 1, h.store.transactionCount())
	assert.Equal(t, int64(100), h.balance(t, model.EscrowWalletID))

	second := deposit()
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, 1, h.store.transactionCount())
	assert.Equal(t, int64(100), h.balance(t, model.EscrowWalletID))
	h.assertWalletsConsistent(t)
}

func TestDeposit_ConflictingAmount(t *testing.T) {
	h := newHarness(t)
	order := h.paidOrder(t, newOrder(100, 0))

	err := h.escrow.Datasource().WithTx(context.Background(), func(ctx context.Context, ds database.IDataSource) error {
		_, err := h.escrow.Deposit(ctx, ds, order.OrderID, buyer.UserID, nil, 90)
		return err
	})
	assert.True(t, apierror.HasCode(err, apierror.ErrConflict))
	assert.Equal(t, int64(100), h.balance(t, model.EscrowWalletID))
}

func TestConfirmDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.paidOrder(t, newOrder(100, 0))

	_, err := h.escrow.ConfirmDelivery(ctx, sellerActor("seller-1"), order.OrderID)
	assert.True(t, apierror.HasCode(err, apierror.ErrUnauthorized))

	confirmed, err := h.escrow.ConfirmDelivery(ctx, buyer, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDelivered, confirmed.Status)
	require.NotNil(t, confirmed.BuyerConfirmedAt)

	h.clock.Advance(time.Hour)
	again, err := h.escrow.ConfirmDelivery(ctx, buyer, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, *confirmed.BuyerConfirmedAt, *again.BuyerConfirmedAt)
}

func TestConfirmDelivery_UnpaidOrder(t *testing.T) {
	h := newHarness(t)
	order, err := h.escrow.RegisterOrder(context.Background(), newOrder(100, 0))
	require.NoError(t, err)

	_, err = h.escrow.ConfirmDelivery(context.Background(), buyer, order.OrderID)
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidStatus))
}

func TestAssignRider_SetsBeneficiary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.paidOrder(t, newOrder(100, 20))

	updated, err := h.escrow.AssignRider(ctx, order.OrderID, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, "rider-1", *updated.Delivery.RiderID)
	assert.Equal(t, h.walletOf(t, "rider-1").WalletID, *updated.Delivery.RiderWalletID)

	rider := h.entry(t, model.RiderHeldReference(order.OrderID))
	require.NotNil(t, rider.BeneficiaryID)
	assert.Equal(t, "rider-1", *rider.BeneficiaryID)

	_, err = h.escrow.AssignRider(ctx, order.OrderID, "rider-1")
	assert.NoError(t, err)
}

func TestAssignRider_NoDelivery(t *testing.T) {
	h := newHarness(t)
	order := h.paidOrder(t, newOrder(100, 0))

	_, err := h.escrow.AssignRider(context.Background(), order.OrderID, "rider-1")
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidStatus))

	_, err = h.escrow.AssignRider(context.Background(), order.OrderID, "")
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))
}
