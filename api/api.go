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
	"net/http"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/api/middleware"
	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/model"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Service is the slice of the escrow engine exposed over HTTP.
type Service interface {
	RegisterOrder(ctx context.Context, order *model.Order) (*model.Order, error)
	CompletePayment(ctx context.Context, orderID, paymentReference string, method model.PaymentMethod) (*escrow.PaymentResult, error)
	ConfirmDelivery(ctx context.Context, actor escrow.Actor, orderID string) (*model.Order, error)
	AssignRider(ctx context.Context, orderID, riderID string) (*model.Order, error)
	GetOrderLedger(ctx context.Context, actor escrow.Actor, orderID string) (*escrow.OrderLedger, error)
	ReleaseOrder(ctx context.Context, actor escrow.Actor, orderID string) (*escrow.ReleaseOutcome, error)
	SetPayoutLock(ctx context.Context, actor escrow.Actor, orderID string, locked bool) (*model.Order, error)
	RaiseDispute(ctx context.Context, actor escrow.Actor, orderID, reason string) (*model.Order, error)
	ResolveDispute(ctx context.Context, actor escrow.Actor, orderID string, resolution model.DisputeResolution, partialAmount int64) (*model.Order, error)

	RequestWithdrawal(ctx context.Context, actor escrow.Actor, req escrow.WithdrawalRequest) (*model.Withdrawal, error)
	GetWithdrawal(ctx context.Context, actor escrow.Actor, id string) (*model.Withdrawal, error)
	ApproveSellerWithdrawal(ctx context.Context, actor escrow.Actor, id string) (*model.Receipt, error)
	ApprovePlatformWithdrawal(ctx context.Context, actor escrow.Actor, id string) (*model.Receipt, error)

	EnsureWallet(ctx context.Context, ownerID string) (*model.Wallet, error)
	GetWallet(ctx context.Context, walletID string) (*model.Wallet, error)
	VerifyWallet(ctx context.Context, walletID string) (*model.WalletVerification, error)

	ProcessPendingJobs(ctx context.Context, maxCount int) (*model.JobRunSummary, error)
	ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error)
	RetryJob(ctx context.Context, id string) (*model.Job, error)
	ReleaseDuePayouts(ctx context.Context, limit int) (*escrow.ReleaseSummary, error)
}

type Api struct {
	escrow Service
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/orders", a.RegisterOrder)
	router.POST("/orders/:id/payment", a.CompletePayment)
	router.POST("/orders/:id/confirm", a.ConfirmDelivery)
	router.POST("/orders/:id/rider", a.AssignRider)
	router.GET("/orders/:id/ledger", a.GetOrderLedger)
	router.POST("/orders/:id/release", a.ReleaseOrder)
	router.PUT("/orders/:id/payout-lock", a.SetPayoutLock)
	router.POST("/orders/:id/disputes", a.RaiseDispute)
	router.POST("/orders/:id/disputes/resolve", a.ResolveDispute)

	router.POST("/withdrawals", a.RequestWithdrawal)
	router.GET("/withdrawals/:id", a.GetWithdrawal)
	router.POST("/withdrawals/:id/approve", a.ApproveSellerWithdrawal)
	router.POST("/platform-withdrawals/:id/approve", a.ApprovePlatformWithdrawal)

	router.POST("/wallets", a.EnsureWallet)
	router.GET("/wallets/:id", a.GetWallet)
	router.GET("/wallets/:id/verify", a.VerifyWallet)

	router.POST("/jobs/process", a.ProcessJobs)
	router.GET("/jobs", a.ListJobs)
	router.POST("/jobs/:id/retry", a.RetryJob)

	router.POST("/payouts/release-due", a.ReleaseDuePayouts)
	return router
}

func NewAPI(svc Service) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if conf.EnableTelemetry {
		r.Use(otelgin.Middleware("escrow"))
	}
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.Actor())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{escrow: svc, router: r}
}
