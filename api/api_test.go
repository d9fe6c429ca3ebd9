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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/api/middleware"
	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	adminActor  = escrow.Actor{UserID: "admin-1", Role: escrow.RoleAdmin}
	buyerActor  = escrow.Actor{UserID: "buyer-1", Role: escrow.RoleBuyer}
	sellerActor = escrow.Actor{UserID: "seller-1", Role: escrow.RoleSeller}
)

type TestRequest struct {
	Payload  interface{}
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Actor    *escrow.Actor
	Header   map[string]string
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func SetUpTestRequest(t *testing.T, s TestRequest) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var body io.Reader
	switch p := s.Payload.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(p)
	default:
		b, err := json.Marshal(p)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	req := httptest.NewRequest(s.Method, s.Route, body)
	req.Header.Set("Content-Type", "application/json")
	if s.Actor != nil {
		req.Header.Set(middleware.ActorIDHeader, s.Actor.UserID)
		req.Header.Set(middleware.ActorRoleHeader, string(s.Actor.Role))
	}
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	var env testEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if s.Response != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, s.Response))
	}
	return resp, env
}

func setupRouter(t *testing.T, cnf *config.Configuration) (*gin.Engine, *mockService) {
	t.Helper()
	if cnf == nil {
		cnf = &config.Configuration{}
	}
	config.MockConfig(cnf)
	svc := new(mockService)
	a := NewAPI(svc)
	require.NotNil(t, a)
	t.Cleanup(func() { svc.AssertExpectations(t) })
	return a.Router(), svc
}

func registerPayload(buyerID string) map[string]interface{} {
	return map[string]interface{}{
		"buyer_id":     buyerID,
		"total_amount": 120,
		"seller_groups": []map[string]interface{}{
			{"seller_id": "seller-1", "subtotal": 100},
		},
		"delivery": map[string]interface{}{"fee": 20},
	}
}

func TestRegisterOrder(t *testing.T) {
	router, svc := setupRouter(t, nil)
	svc.On("RegisterOrder", mock.Anything, mock.MatchedBy(func(o *model.Order) bool {
		return o.BuyerID == "buyer-1" && o.TotalAmount == 120 && o.Delivery.Fee == 20 && len(o.SellerGroups) == 1
	})).Return(&model.Order{OrderID: "ord_1", BuyerID: "buyer-1", Status: model.OrderPending}, nil).Twice()

	for _, actor := range []escrow.Actor{adminActor, buyerActor} {
		var order model.Order
		resp, env := SetUpTestRequest(t, TestRequest{
			Router: router, Method: http.MethodPost, Route: "/orders",
			Payload: registerPayload("buyer-1"), Actor: &actor, Response: &order,
		})
		assert.Equal(t, http.StatusCreated, resp.Code)
		assert.True(t, env.Success)
		assert.Equal(t, "ord_1", order.OrderID)
	}
}

func TestRegisterOrder_Rejections(t *testing.T) {
	router, _ := setupRouter(t, nil)

	resp, env := SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders",
		Payload: registerPayload("someone-else"), Actor: &buyerActor,
	})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	bad := registerPayload("buyer-1")
	bad["total_amount"] = 50
	resp, env = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders", Payload: bad, Actor: &adminActor,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	resp, env = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders", Payload: "{not json", Actor: &adminActor,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.False(t, env.Success)
}

func TestCompletePayment(t *testing.T) {
	router, svc := setupRouter(t, nil)
	ref := "pay_" + gofakeit.UUID()
	svc.On("CompletePayment", mock.Anything, "ord_1", ref, model.PaymentCard).
		Return(&escrow.PaymentResult{JustPaid: true, Order: &model.Order{OrderID: "ord_1", IsPaid: true}}, nil).Once()
	svc.On("CompletePayment", mock.Anything, "ord_1", ref, model.PaymentCard).
		Return(&escrow.PaymentResult{JustPaid: false, Order: &model.Order{OrderID: "ord_1", IsPaid: true}}, nil).Once()

	payload := map[string]string{"payment_reference": ref, "method": "CARD"}
	var result escrow.PaymentResult
	resp, _ := SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders/ord_1/payment", Payload: payload, Actor: &adminActor, Response: &result,
	})
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.True(t, result.JustPaid)

	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders/ord_1/payment", Payload: payload, Actor: &adminActor,
	})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp, env := SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders/ord_1/payment", Payload: payload, Actor: &buyerActor,
	})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestGetOrderLedger_ErrorMapping(t *testing.T) {
	router, svc := setupRouter(t, nil)

	tests := []struct {
		name         string
		orderID      string
		err          error
		expectedCode int
		errorCode    string
		message      string
	}{
		{name: "Not found", orderID: "ord_missing", err: apierror.NewAPIError(apierror.ErrNotFound, "order not found", nil), expectedCode: http.StatusNotFound, errorCode: "NOT_FOUND", message: "order not found"},
		{name: "Not a party", orderID: "ord_other", err: apierror.NewAPIError(apierror.ErrUnauthorized, "not a party to this order", nil), expectedCode: http.StatusForbidden, errorCode: "UNAUTHORIZED", message: "not a party to this order"},
		{name: "Untyped error is masked", orderID: "ord_broken", err: errors.New("pq: connection refused"), expectedCode: http.StatusInternalServerError, errorCode: "INTERNAL_SERVER_ERROR", message: "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.On("GetOrderLedger", mock.Anything, buyerActor, tt.orderID).Return(nil, tt.err).Once()
			resp, env := SetUpTestRequest(t, TestRequest{
				Router: router, Method: http.MethodGet, Route: "/orders/" + tt.orderID + "/ledger", Actor: &buyerActor,
			})
			assert.Equal(t, tt.expectedCode, resp.Code)
			assert.False(t, env.Success)
			assert.Equal(t, tt.errorCode, env.Error.Code)
			assert.Equal(t, tt.message, env.Error.Message)
		})
	}
}

func TestGetOrderLedger(t *testing.T) {
	router, svc := setupRouter(t, nil)
	svc.On("GetOrderLedger", mock.Anything, sellerActor, "ord_1").Return(&escrow.OrderLedger{
		Order:        &model.Order{OrderID: "ord_1"},
		Conservation: model.ConservationReport{Funded: 100, Allocated: 100, Balanced: true},
	}, nil).Once()

	var ledger escrow.OrderLedger
	resp, env := SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodGet, Route: "/orders/ord_1/ledger", Actor: &sellerActor, Response: &ledger,
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, env.Success)
	assert.True(t, ledger.Conservation.Balanced)
}

func TestDisputeRoutes(t *testing.T) {
	router, svc := setupRouter(t, nil)
	svc.On("RaiseDispute", mock.Anything, buyerActor, "ord_1", "item arrived broken").
		Return(&model.Order{OrderID: "ord_1", DisputeStatus: model.DisputeOpen}, nil).Once()
	svc.On("ResolveDispute", mock.Anything, adminActor, "ord_1", model.ResolvePartialRefund, int64(40)).
		Return(&model.Order{OrderID: "ord_1", DisputeStatus: model.DisputePartialRefunded}, nil).Once()

	resp, _ := SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders/ord_1/disputes",
		Payload: map[string]string{"reason": "item arrived broken"}, Actor: &buyerActor,
	})
	assert.Equal(t, http.StatusCreated, resp.Code)

	var order model.Order
	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders/ord_1/disputes/resolve",
		Payload: map[string]interface{}{"resolution": "PARTIAL_REFUND", "partial_amount": 40}, Actor: &adminActor, Response: &order,
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.DisputePartialRefunded, order.DisputeStatus)

	resp, env := SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders/ord_1/disputes/resolve",
		Payload: map[string]interface{}{"resolution": "PARTIAL_REFUND"}, Actor: &adminActor,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
}

func TestSetPayoutLock(t *testing.T) {
	router, svc := setupRouter(t, nil)
	svc.On("SetPayoutLock", mock.Anything, adminActor, "ord_1", false).Return(&model.Order{OrderID: "ord_1"}, nil).Once()

	resp, _ := SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPut, Route: "/orders/ord_1/payout-lock",
		Payload: map[string]bool{"locked": false}, Actor: &adminActor,
	})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPut, Route: "/orders/ord_1/payout-lock",
		Payload: map[string]string{}, Actor: &adminActor,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestWithdrawalRoutes(t *testing.T) {
	router, svc := setupRouter(t, nil)
	svc.On("RequestWithdrawal", mock.Anything, sellerActor, escrow.WithdrawalRequest{Amount: 500, Method: "bank", Destination: "0123456789"}).
		Return(nil, apierror.NewAPIError(apierror.ErrInsufficientReleasedFunds, "available 30", nil)).Once()
	svc.On("RequestWithdrawal", mock.Anything, sellerActor, escrow.WithdrawalRequest{Amount: 15, Method: "bank", Destination: "0123456789"}).
		Return(&model.Withdrawal{WithdrawalID: "wdr_1", Amount: 15, Status: model.WithdrawalPending}, nil).Once()
	svc.On("ApproveSellerWithdrawal", mock.Anything, adminActor, "wdr_1").
		Return(nil, apierror.NewAPIError(apierror.ErrProviderFailure, "provider unavailable", nil)).Once()
	svc.On("ApprovePlatformWithdrawal", mock.Anything, adminActor, "wdr_2").
		Return(&model.Receipt{WithdrawalID: "wdr_2", TransferID: "po_15", Status: model.WithdrawalCompleted}, nil).Once()
	svc.On("GetWithdrawal", mock.Anything, sellerActor, "wdr_1").
		Return(&model.Withdrawal{WithdrawalID: "wdr_1", Status: model.WithdrawalRejected}, nil).Once()

	resp, env := SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/withdrawals",
		Payload: map[string]interface{}{"amount": 500, "method": "bank", "destination": "0123456789"}, Actor: &sellerActor,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "INSUFFICIENT_RELEASED_FUNDS", env.Error.Code)

	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/withdrawals",
		Payload: map[string]interface{}{"amount": 15, "method": "bank", "destination": "0123456789"}, Actor: &sellerActor,
	})
	assert.Equal(t, http.StatusCreated, resp.Code)

	resp, env = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/withdrawals/wdr_1/approve", Actor: &adminActor,
	})
	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Equal(t, "PROVIDER_FAILURE", env.Error.Code)

	var receipt model.Receipt
	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/platform-withdrawals/wdr_2/approve", Actor: &adminActor, Response: &receipt,
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "po_15", receipt.TransferID)

	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodGet, Route: "/withdrawals/wdr_1", Actor: &sellerActor,
	})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/platform-withdrawals/wdr_2/approve", Actor: &sellerActor,
	})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestWalletRoutes(t *testing.T) {
	router, svc := setupRouter(t, nil)
	owner := "seller-1"
	svc.On("GetWallet", mock.Anything, "wal_seller").Return(&model.Wallet{WalletID: "wal_seller", OwnerID: &owner}, nil)
	svc.On("EnsureWallet", mock.Anything, "seller-1").Return(&model.Wallet{WalletID: "wal_seller", OwnerID: &owner}, nil).Once()
	svc.On("VerifyWallet", mock.Anything, "wal_seller").Return(&model.WalletVerification{WalletID: "wal_seller", Consistent: true}, nil).Once()

	resp, _ := SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodGet, Route: "/wallets/wal_seller", Actor: &sellerActor})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp, env := SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodGet, Route: "/wallets/wal_seller", Actor: &buyerActor})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/wallets", Payload: map[string]string{"owner_id": "seller-1"}, Actor: &sellerActor,
	})
	assert.Equal(t, http.StatusCreated, resp.Code)

	resp, _ = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/wallets", Payload: map[string]string{"owner_id": "seller-1"}, Actor: &buyerActor,
	})
	assert.Equal(t, http.StatusForbidden, resp.Code)

	var v model.WalletVerification
	resp, _ = SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodGet, Route: "/wallets/wal_seller/verify", Actor: &adminActor, Response: &v})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, v.Consistent)
}

func TestJobAndPayoutRoutes(t *testing.T) {
	router, svc := setupRouter(t, nil)
	svc.On("ProcessPendingJobs", mock.Anything, 0).Return(&model.JobRunSummary{Claimed: 2, Completed: 2}, nil).Once()
	svc.On("ProcessPendingJobs", mock.Anything, 5).Return(&model.JobRunSummary{}, nil).Once()
	svc.On("ListJobs", mock.Anything, model.JobFailed, 10, 20).Return([]*model.Job{{ID: "FINALIZE_ORDER:ord_1", Status: model.JobFailed}}, nil).Once()
	svc.On("RetryJob", mock.Anything, "FINALIZE_ORDER:ord_1").Return(&model.Job{ID: "FINALIZE_ORDER:ord_1", Status: model.JobPending}, nil).Once()
	svc.On("ReleaseDuePayouts", mock.Anything, 0).Return(&escrow.ReleaseSummary{Checked: 3, Released: 2, Amount: 300}, nil).Once()

	var summary model.JobRunSummary
	resp, _ := SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodPost, Route: "/jobs/process", Actor: &adminActor, Response: &summary})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 2, summary.Completed)

	resp, _ = SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodPost, Route: "/jobs/process", Payload: map[string]int{"max_count": 5}, Actor: &adminActor})
	assert.Equal(t, http.StatusOK, resp.Code)

	var jobs []*model.Job
	resp, _ = SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodGet, Route: "/jobs?status=FAILED&limit=10&offset=20", Actor: &adminActor, Response: &jobs})
	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, jobs, 1)

	resp, _ = SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodPost, Route: "/jobs/FINALIZE_ORDER:ord_1/retry", Actor: &adminActor})
	assert.Equal(t, http.StatusOK, resp.Code)

	var released escrow.ReleaseSummary
	resp, _ = SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodPost, Route: "/payouts/release-due", Actor: &adminActor, Response: &released})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(300), released.Amount)

	resp, _ = SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodPost, Route: "/payouts/release-due", Actor: &sellerActor})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestSecureMode(t *testing.T) {
	router, svc := setupRouter(t, &config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: "service-key"}})
	svc.On("ConfirmDelivery", mock.Anything, buyerActor, "ord_1").Return(&model.Order{OrderID: "ord_1", Status: model.OrderDelivered}, nil).Once()

	resp, env := SetUpTestRequest(t, TestRequest{Router: router, Method: http.MethodPost, Route: "/orders/ord_1/confirm", Actor: &buyerActor})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	resp, env = SetUpTestRequest(t, TestRequest{
		Router: router, Method: http.MethodPost, Route: "/orders/ord_1/confirm", Actor: &buyerActor,
		Header: map[string]string{middleware.KeyHeader: "service-key"},
	})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, env.Success)
}
