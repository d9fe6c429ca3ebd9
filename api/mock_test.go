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

package api

import (
	"context"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/model"
	"github.com/stretchr/testify/mock"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) RegisterOrder(ctx context.Context, order *model.Order) (*model.Order, error) {
	args := m.Called(ctx, order)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *mockService) CompletePayment(ctx context.Context, orderID, paymentReference string, method model.PaymentMethod) (*escrow.PaymentResult, error) {
	args := m.Called(ctx, orderID, paymentReference, method)
	r, _ := args.Get(0).(*escrow.PaymentResult)
	return r, args.Error(1)
}

func (m *mockService) ConfirmDelivery(ctx context.Context, actor escrow.Actor, orderID string) (*model.Order, error) {
	args := m.Called(ctx, actor, orderID)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *mockService) AssignRider(ctx context.Context, orderID, riderID string) (*model.Order, error) {
	args := m.Called(ctx, orderID, riderID)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *mockService) GetOrderLedger(ctx context.Context, actor escrow.Actor, orderID string) (*escrow.OrderLedger, error) {
	args := m.Called(ctx, actor, orderID)
	l, _ := args.Get(0).(*escrow.OrderLedger)
	return l, args.Error(1)
}

func (m *mockService) ReleaseOrder(ctx context.Context, actor escrow.Actor, orderID string) (*escrow.ReleaseOutcome, error) {
	args := m.Called(ctx, actor, orderID)
	o, _ := args.Get(0).(*escrow.ReleaseOutcome)
	return o, args.Error(1)
}

func (m *mockService) SetPayoutLock(ctx context.Context, actor escrow.Actor, orderID string, locked bool) (*model.Order, error) {
	args := m.Called(ctx, actor, orderID, locked)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *mockService) RaiseDispute(ctx context.Context, actor escrow.Actor, orderID, reason string) (*model.Order, error) {
	args := m.Called(ctx, actor, orderID, reason)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *mockService) ResolveDispute(ctx context.Context, actor escrow.Actor, orderID string, resolution model.DisputeResolution, partialAmount int64) (*model.Order, error) {
	args := m.Called(ctx, actor, orderID, resolution, partialAmount)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *mockService) RequestWithdrawal(ctx context.Context, actor escrow.Actor, req escrow.WithdrawalRequest) (*model.Withdrawal, error) {
	args := m.Called(ctx, actor, req)
	w, _ := args.Get(0).(*model.Withdrawal)
	return w, args.Error(1)
}

func (m *mockService) GetWithdrawal(ctx context.Context, actor escrow.Actor, id string) (*model.Withdrawal, error) {
	args := m.Called(ctx, actor, id)
	w, _ := args.Get(0).(*model.Withdrawal)
	return w, args.Error(1)
}

func (m *mockService) ApproveSellerWithdrawal(ctx context.Context, actor escrow.Actor, id string) (*model.Receipt, error) {
	args := m.Called(ctx, actor, id)
	r, _ := args.Get(0).(*model.Receipt)
	return r, args.Error(1)
}

func (m *mockService) ApprovePlatformWithdrawal(ctx context.Context, actor escrow.Actor, id string) (*model.Receipt, error) {
	args := m.Called(ctx, actor, id)
	r, _ := args.Get(0).(*model.Receipt)
	return r, args.Error(1)
}

func (m *mockService) EnsureWallet(ctx context.Context, ownerID string) (*model.Wallet, error) {
	args := m.Called(ctx, ownerID)
	w, _ := args.Get(0).(*model.Wallet)
	return w, args.Error(1)
}

func (m *mockService) GetWallet(ctx context.Context, walletID string) (*model.Wallet, error) {
	args := m.Called(ctx, walletID)
	w, _ := args.Get(0).(*model.Wallet)
	return w, args.Error(1)
}

func (m *mockService) VerifyWallet(ctx context.Context, walletID string) (*model.WalletVerification, error) {
	args := m.Called(ctx, walletID)
	v, _ := args.Get(0).(*model.WalletVerification)
	return v, args.Error(1)
}

func (m *mockService) ProcessPendingJobs(ctx context.Context, maxCount int) (*model.JobRunSummary, error) {
	args := m.Called(ctx, maxCount)
	s, _ := args.Get(0).(*model.JobRunSummary)
	return s, args.Error(1)
}

func (m *mockService) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	args := m.Called(ctx, status, limit, offset)
	j, _ := args.Get(0).([]*model.Job)
	return j, args.Error(1)
}

func (m *mockService) RetryJob(ctx context.Context, id string) (*model.Job, error) {
	args := m.Called(ctx, id)
	j, _ := args.Get(0).(*model.Job)
	return j, args.Error(1)
}

func (m *mockService) ReleaseDuePayouts(ctx context.Context, limit int) (*escrow.ReleaseSummary, error) {
	args := m.Called(ctx, limit)
	s, _ := args.Get(0).(*escrow.ReleaseSummary)
	return s, args.Error(1)
}

var _ Service = (*mockService)(nil)
var _ Service = (*escrow.Escrow)(nil)
