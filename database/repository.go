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
	"time"

	"github.com/blnkfinance/escrow/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	WithTx(ctx context.Context, fn TxFunc) error
	wallet
	ledgerEntry
	transaction
	order
	withdrawal
	job
}

// wallet defines methods for handling wallets and their balances.
type wallet interface {
	CreateWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, error)
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error)
	// LockWallets row-locks the wallets in ascending id order.
	LockWallets(ctx context.Context, ids ...string) (map[string]*model.Wallet, error)
	UpdateWalletBalance(ctx context.Context, id string, delta int64) error
	// SumWalletTransactions recomputes a balance from the transaction log.
	SumWalletTransactions(ctx context.Context, id string) (int64, error)
}

// ledgerEntry defines methods for the per-order obligation rows.
type ledgerEntry interface {
	// CreateLedgerEntry inserts the entry unless its reference exists, in
	// which case the stored row is returned and created is false.
	CreateLedgerEntry(ctx context.Context, e *model.LedgerEntry) (entry *model.LedgerEntry, created bool, err error)
	GetLedgerEntryByRef(ctx context.Context, reference string) (*model.LedgerEntry, error)
	GetOrderEntries(ctx context.Context, orderID string, forUpdate bool) ([]*model.LedgerEntry, error)
	UpdateLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	// GetReleasedEntries locks RELEASED entries with remaining value, oldest first.
	GetReleasedEntries(ctx context.Context, filter model.EntryFilter) ([]*model.LedgerEntry, error)
	SumReleasedRemaining(ctx context.Context, filter model.EntryFilter) (int64, error)
}

// transaction defines methods for handling the posting log.
type transaction interface {
	RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetTransactionByRef(ctx context.Context, reference string) (*model.Transaction, error)
	TransactionExistsByRef(ctx context.Context, reference string) (bool, error)
	GetOrderTransactions(ctx context.Context, orderID string) ([]*model.Transaction, error)
}

// order defines methods for orders, their seller groups, delivery and timeline.
type order interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string, forUpdate bool) (*model.Order, error)
	GetOrderByPaymentReference(ctx context.Context, reference string) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	UpdateSellerGroup(ctx context.Context, g *model.SellerGroup) error
	UpdateDelivery(ctx context.Context, d *model.Delivery) error
	// StampPayoutEligibility sets the eligibility time on every payee that
	// does not have one yet.
	StampPayoutEligibility(ctx context.Context, orderID string, at time.Time) error
	// GetDueOrders lists orders whose hold window has elapsed and that are
	// still waiting for release.
	GetDueOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
	AddTimelineEvent(ctx context.Context, ev model.TimelineEvent) (bool, error)
	GetTimeline(ctx context.Context, orderID string) ([]model.TimelineEvent, error)
}

// withdrawal defines methods for payout requests.
type withdrawal interface {
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, id string, forUpdate bool) (*model.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error
	// SumOpenWithdrawals totals PENDING and PROCESSING requests on a wallet.
	SumOpenWithdrawals(ctx context.Context, walletID string) (int64, error)
}

// job defines methods for the durable job table.
type job interface {
	// EnqueueJob inserts the job or, when a terminal row with the same id
	// exists, resets it to PENDING. A PENDING row is left untouched.
	EnqueueJob(ctx context.Context, j *model.Job) (*model.Job, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ClaimJob locks a due PENDING job, skipping rows locked elsewhere. It
	// returns nil when the job is not claimable.
	ClaimJob(ctx context.Context, id string, now time.Time) (*model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RecordJobFailure(ctx context.Context, id string, attempts int, status model.JobStatus, lastError string, runAt time.Time) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error)
	ResetJob(ctx context.Context, id string, runAt time.Time) error
}
