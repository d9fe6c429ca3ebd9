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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/blnkfinance/escrow/model"
)

// memState is the whole store. WithTx snapshots it and restores the
// snapshot when the body fails, which gives the engine real rollback.
type memState struct {
	seq         int
	wallets     map[string]*model.Wallet
	entries     map[string]*model.LedgerEntry
	txns        map[string]*model.Transaction
	orders      map[string]*model.Order
	timeline    []model.TimelineEvent
	withdrawals map[string]*model.Withdrawal
	jobs        map[string]*model.Job
}

func newMemState() *memState {
	return &memState{
		wallets:     map[string]*model.Wallet{},
		entries:     map[string]*model.LedgerEntry{},
		txns:        map[string]*model.Transaction{},
		orders:      map[string]*model.Order{},
		withdrawals: map[string]*model.Withdrawal{},
		jobs:        map[string]*model.Job{},
	}
}

func copyWallet(w *model.Wallet) *model.Wallet             { c := *w; return &c }
func copyEntry(e *model.LedgerEntry) *model.LedgerEntry    { c := *e; return &c }
func copyTxn(t *model.Transaction) *model.Transaction      { c := *t; return &c }
func copyWithdrawal(w *model.Withdrawal) *model.Withdrawal { c := *w; return &c }
func copyJob(j *model.Job) *model.Job                      { c := *j; return &c }

func copyOrder(o *model.Order) *model.Order {
	c := *o
	c.SellerGroups = make([]*model.SellerGroup, len(o.SellerGroups))
	for i, g := range o.SellerGroups {
		gc := *g
		c.SellerGroups[i] = &gc
	}
	if o.Delivery != nil {
		dc := *o.Delivery
		c.Delivery = &dc
	}
	return &c
}

func (s *memState) clone() *memState {
	c := newMemState()
	c.seq = s.seq
	for k, v := range s.wallets {
		c.wallets[k] = copyWallet(v)
	}
	for k, v := range s.entries {
		c.entries[k] = copyEntry(v)
	}
	for k, v := range s.txns {
		c.txns[k] = copyTxn(v)
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	c.timeline = append([]model.TimelineEvent(nil), s.timeline...)
	for k, v := range s.withdrawals {
		c.withdrawals[k] = copyWithdrawal(v)
	}
	for k, v := range s.jobs {
		c.jobs[k] = copyJob(v)
	}
	return c
}

func (s *memState) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%06d", prefix, s.seq)
}

type memDB struct {
	mu    sync.Mutex
	st    *memState
	fail  map[string]error
	calls map[string]int
}

// memStore is an in-memory IDataSource. A store returned to a WithTx body
// is bound to that transaction and does not take the lock again.
type memStore struct {
	db *memDB
	tx bool
}

var _ database.IDataSource = (*memStore)(nil)

func newMemStore() *memStore {
	st := newMemState()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for id, kind := range map[string]model.WalletKind{
		model.EscrowWalletID:   model.WalletKindEscrow,
		model.PlatformWalletID: model.WalletKindPlatform,
		model.TreasuryWalletID: model.WalletKindTreasury,
	} {
		st.wallets[id] = &model.Wallet{WalletID: id, Kind: kind, Currency: "NGN", CreatedAt: now}
	}
	return &memStore{db: &memDB{st: st, fail: map[string]error{}, calls: map[string]int{}}}
}

func (m *memStore) lock() func() {
	if m.tx {
		return func() {}
	}
	m.db.mu.Lock()
	return m.db.mu.Unlock
}

func (m *memStore) state() *memState { return m.db.st }

// failOn makes every later call of op return err until cleared.
func (m *memStore) failOn(op string, err error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err == nil {
		delete(m.db.fail, op)
		return
	}
	m.db.fail[op] = err
}

func (m *memStore) check(op string) error {
	m.db.calls[op]++
	return m.db.fail[op]
}

func (m *memStore) callCount(op string) int {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.calls[op]
}

func (m *memStore) WithTx(ctx context.Context, fn database.TxFunc) error {
	if m.tx {
		return fn(ctx, m)
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	snapshot := m.db.st.clone()
	if err := fn(ctx, &memStore{db: m.db, tx: true}); err != nil {
		m.db.st = snapshot
		return err
	}
	return nil
}

func notFound(kind, id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%s' not found", kind, id), nil)
}

// wallets

func (m *memStore) CreateWallet(_ context.Context, w *model.Wallet) (*model.Wallet, error) {
	defer m.lock()()
	st := m.state()
	if w.WalletID == "" {
		w.WalletID = st.nextID("wal")
	}
	if w.Kind == "" {
		w.Kind = model.WalletKindUser
	}
	if _, ok := st.wallets[w.WalletID]; ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "wallet exists", nil)
	}
	for _, existing := range st.wallets {
		if w.OwnerID != nil && existing.OwnerID != nil && *existing.OwnerID == *w.OwnerID {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "owner already has a wallet", nil)
		}
	}
	st.wallets[w.WalletID] = copyWallet(w)
	return copyWallet(w), nil
}

func (m *memStore) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	defer m.lock()()
	w, ok := m.state().wallets[id]
	if !ok {
		return nil, notFound("wallet", id)
	}
	return copyWallet(w), nil
}

func (m *memStore) GetWalletByOwner(_ context.Context, ownerID string) (*model.Wallet, error) {
	defer m.lock()()
	for _, w := range m.state().wallets {
		if w.OwnerID != nil && *w.OwnerID == ownerID {
			return copyWallet(w), nil
		}
	}
	return nil, notFound("wallet owner", ownerID)
}

func (m *memStore) LockWallets(_ context.Context, ids ...string) (map[string]*model.Wallet, error) {
	defer m.lock()()
	out := map[string]*model.Wallet{}
	for _, id := range ids {
		w, ok := m.state().wallets[id]
		if !ok {
			return nil, notFound("wallet", id)
		}
		out[id] = copyWallet(w)
	}
	return out, nil
}

func (m *memStore) UpdateWalletBalance(_ context.Context, id string, delta int64) error {
	defer m.lock()()
	w, ok := m.state().wallets[id]
	if !ok {
		return notFound("wallet", id)
	}
	w.Balance += delta
	return nil
}

func (m *memStore) SumWalletTransactions(_ context.Context, id string) (int64, error) {
	defer m.lock()()
	var sum int64
	for _, t := range m.state().txns {
		sum += t.SignedAmountFor(id)
	}
	return sum, nil
}

// transactionCount is the number of rows in the posting log.
func (m *memStore) transactionCount() int {
	defer m.lock()()
	return len(m.state().txns)
}

// ledger entries

func (m *memStore) CreateLedgerEntry(_ context.Context, e *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	defer m.lock()()
	if err := m.check("CreateLedgerEntry"); err != nil {
		return nil, false, err
	}
	if err := e.Validate(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	st := m.state()
	if existing, ok := st.entries[e.Reference]; ok {
		return copyEntry(existing), false, nil
	}
	stored := copyEntry(e)
	if stored.EntryID == "" {
		stored.EntryID = st.nextID("ent")
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	st.entries[stored.Reference] = stored
	return copyEntry(stored), true, nil
}

func (m *memStore) GetLedgerEntryByRef(_ context.Context, reference string) (*model.LedgerEntry, error) {
	defer m.lock()()
	e, ok := m.state().entries[reference]
	if !ok {
		return nil, notFound("ledger entry", reference)
	}
	return copyEntry(e), nil
}

func (m *memStore) sortedEntries(keep func(*model.LedgerEntry) bool) []*model.LedgerEntry {
	var out []*model.LedgerEntry
	for _, e := range m.state().entries {
		if keep(e) {
			out = append(out, copyEntry(e))
		}
	}
	model.SortFIFO(out)
	return out
}

func (m *memStore) GetOrderEntries(_ context.Context, orderID string, _ bool) ([]*model.LedgerEntry, error) {
	defer m.lock()()
	return m.sortedEntries(func(e *model.LedgerEntry) bool { return e.OrderID == orderID }), nil
}

func (m *memStore) UpdateLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	defer m.lock()()
	if err := e.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	for _, stored := range m.state().entries {
		if stored.EntryID == e.EntryID {
			stored.Status = e.Status
			stored.WithdrawnAmount = e.WithdrawnAmount
			stored.BeneficiaryID = e.BeneficiaryID
			stored.MetaData = e.MetaData
			return nil
		}
	}
	return notFound("ledger entry", e.EntryID)
}

func matchesFilter(e *model.LedgerEntry, f model.EntryFilter) bool {
	if e.Status != model.EntryReleased || e.Remaining() <= 0 {
		return false
	}
	if f.BeneficiaryID != nil && (e.BeneficiaryID == nil || *e.BeneficiaryID != *f.BeneficiaryID) {
		return false
	}
	if len(f.Roles) == 0 {
		return true
	}
	for _, r := range f.Roles {
		if e.Role == r {
			return true
		}
	}
	return false
}

func (m *memStore) GetReleasedEntries(_ context.Context, f model.EntryFilter) ([]*model.LedgerEntry, error) {
	defer m.lock()()
	return m.sortedEntries(func(e *model.LedgerEntry) bool { return matchesFilter(e, f) }), nil
}

func (m *memStore) SumReleasedRemaining(_ context.Context, f model.EntryFilter) (int64, error) {
	defer m.lock()()
	var sum int64
	for _, e := range m.state().entries {
		if matchesFilter(e, f) {
			sum += e.Remaining()
		}
	}
	return sum, nil
}

// transactions

func (m *memStore) RecordTransaction(_ context.Context, t *model.Transaction) (*model.Transaction, error) {
	defer m.lock()()
	if err := m.check("RecordTransaction"); err != nil {
		return nil, err
	}
	st := m.state()
	if _, ok := st.txns[t.Reference]; ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "reference already used", nil)
	}
	stored := copyTxn(t)
	if stored.TransactionID == "" {
		stored.TransactionID = st.nextID("txn")
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Status == "" {
		stored.Status = model.TxnSuccess
	}
	st.txns[stored.Reference] = stored
	return copyTxn(stored), nil
}

func (m *memStore) GetTransactionByRef(_ context.Context, reference string) (*model.Transaction, error) {
	defer m.lock()()
	t, ok := m.state().txns[reference]
	if !ok {
		return nil, notFound("transaction", reference)
	}
	return copyTxn(t), nil
}

func (m *memStore) TransactionExistsByRef(_ context.Context, reference string) (bool, error) {
	defer m.lock()()
	_, ok := m.state().txns[reference]
	return ok, nil
}

func (m *memStore) GetOrderTransactions(_ context.Context, orderID string) ([]*model.Transaction, error) {
	defer m.lock()()
	var out []*model.Transaction
	for _, t := range m.state().txns {
		if t.OrderID != nil && *t.OrderID == orderID {
			out = append(out, copyTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

// orders

func (m *memStore) CreateOrder(_ context.Context, o *model.Order) error {
	defer m.lock()()
	st := m.state()
	if _, ok := st.orders[o.OrderID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "order exists", nil)
	}
	for _, g := range o.SellerGroups {
		g.OrderID = o.OrderID
		if g.PayoutStatus == "" {
			g.PayoutStatus = model.PayoutPending
		}
	}
	if o.Delivery != nil {
		o.Delivery.OrderID = o.OrderID
		if o.Delivery.PayoutStatus == "" {
			o.Delivery.PayoutStatus = model.PayoutPending
		}
	}
	st.orders[o.OrderID] = copyOrder(o)
	return nil
}

func (m *memStore) GetOrder(_ context.Context, id string, _ bool) (*model.Order, error) {
	defer m.lock()()
	o, ok := m.state().orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return copyOrder(o), nil
}

func (m *memStore) GetOrderByPaymentReference(_ context.Context, reference string) (*model.Order, error) {
	defer m.lock()()
	for _, o := range m.state().orders {
		if o.PaymentReference != nil && *o.PaymentReference == reference {
			return copyOrder(o), nil
		}
	}
	return nil, notFound("order payment", reference)
}

func (m *memStore) UpdateOrder(_ context.Context, o *model.Order) error {
	defer m.lock()()
	if err := m.check("UpdateOrder"); err != nil {
		return err
	}
	st := m.state()
	stored, ok := st.orders[o.OrderID]
	if !ok {
		return notFound("order", o.OrderID)
	}
	if o.PaymentReference != nil {
		for id, other := range st.orders {
			if id != o.OrderID && other.PaymentReference != nil && *other.PaymentReference == *o.PaymentReference {
				return apierror.NewAPIError(apierror.ErrConflict, "payment reference already used", nil)
			}
		}
	}
	updated := *o
	updated.SellerGroups = stored.SellerGroups
	updated.Delivery = stored.Delivery
	updated.CreatedAt = stored.CreatedAt
	st.orders[o.OrderID] = &updated
	return nil
}

func (m *memStore) UpdateSellerGroup(_ context.Context, g *model.SellerGroup) error {
	defer m.lock()()
	for _, o := range m.state().orders {
		for _, stored := range o.SellerGroups {
			if stored.GroupID == g.GroupID {
				stored.SellerWalletID = g.SellerWalletID
				stored.PayoutEligibleAt = g.PayoutEligibleAt
				stored.PayoutLocked = g.PayoutLocked
				stored.PayoutStatus = g.PayoutStatus
				return nil
			}
		}
	}
	return nil
}

func (m *memStore) UpdateDelivery(_ context.Context, d *model.Delivery) error {
	defer m.lock()()
	for _, o := range m.state().orders {
		if o.Delivery != nil && o.Delivery.DeliveryID == d.DeliveryID {
			o.Delivery.RiderID = d.RiderID
			o.Delivery.RiderWalletID = d.RiderWalletID
			o.Delivery.PayoutEligibleAt = d.PayoutEligibleAt
			o.Delivery.PayoutLocked = d.PayoutLocked
			o.Delivery.PayoutStatus = d.PayoutStatus
			return nil
		}
	}
	return nil
}

func (m *memStore) StampPayoutEligibility(_ context.Context, orderID string, at time.Time) error {
	defer m.lock()()
	if err := m.check("StampPayoutEligibility"); err != nil {
		return err
	}
	o, ok := m.state().orders[orderID]
	if !ok {
		return nil
	}
	for _, g := range o.SellerGroups {
		if g.PayoutEligibleAt == nil {
			stamp := at
			g.PayoutEligibleAt = &stamp
			g.PayoutLocked = false
		}
	}
	if d := o.Delivery; d != nil && d.PayoutEligibleAt == nil {
		stamp := at
		d.PayoutEligibleAt = &stamp
		d.PayoutLocked = false
	}
	return nil
}

func (m *memStore) GetDueOrders(_ context.Context, now time.Time, limit int) ([]string, error) {
	defer m.lock()()
	var due []*model.Order
	for _, o := range m.state().orders {
		if !o.IsPaid || !o.PostPaymentFinalized || o.PayoutReleased || o.IsClosed() || o.DisputeActive() {
			continue
		}
		if o.PayoutLocked() || !o.PayoutEligible(now) || o.AwaitingRider() {
			continue
		}
		due = append(due, o)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].PaidAt.Equal(*due[j].PaidAt) {
			return due[i].OrderID < due[j].OrderID
		}
		return due[i].PaidAt.Before(*due[j].PaidAt)
	})
	var ids []string
	for _, o := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, o.OrderID)
	}
	return ids, nil
}

func (m *memStore) AddTimelineEvent(_ context.Context, ev model.TimelineEvent) (bool, error) {
	defer m.lock()()
	st := m.state()
	for _, existing := range st.timeline {
		if existing.OrderID == ev.OrderID && existing.Status == ev.Status && existing.Message == ev.Message {
			return false, nil
		}
	}
	st.timeline = append(st.timeline, ev)
	return true, nil
}

func (m *memStore) GetTimeline(_ context.Context, orderID string) ([]model.TimelineEvent, error) {
	defer m.lock()()
	var out []model.TimelineEvent
	for _, ev := range m.state().timeline {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// withdrawals

func (m *memStore) CreateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	defer m.lock()()
	st := m.state()
	if w.WithdrawalID == "" {
		w.WithdrawalID = st.nextID("wdr")
	}
	if w.Status == "" {
		w.Status = model.WithdrawalPending
	}
	st.withdrawals[w.WithdrawalID] = copyWithdrawal(w)
	return nil
}

func (m *memStore) GetWithdrawal(_ context.Context, id string, _ bool) (*model.Withdrawal, error) {
	defer m.lock()()
	w, ok := m.state().withdrawals[id]
	if !ok {
		return nil, notFound("withdrawal", id)
	}
	return copyWithdrawal(w), nil
}

func (m *memStore) UpdateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	defer m.lock()()
	stored, ok := m.state().withdrawals[w.WithdrawalID]
	if !ok {
		return notFound("withdrawal", w.WithdrawalID)
	}
	stored.Status = w.Status
	stored.AccountInfo = w.AccountInfo
	stored.FailureReason = w.FailureReason
	stored.ProcessedAt = w.ProcessedAt
	return nil
}

func (m *memStore) SumOpenWithdrawals(_ context.Context, walletID string) (int64, error) {
	defer m.lock()()
	var sum int64
	for _, w := range m.state().withdrawals {
		if w.WalletID == walletID && w.IsOpen() {
			sum += w.Amount
		}
	}
	return sum, nil
}

// jobs

func (m *memStore) EnqueueJob(_ context.Context, j *model.Job) (*model.Job, error) {
	defer m.lock()()
	st := m.state()
	if j.ID == "" {
		j.ID = model.JobID(j.Type, j.BusinessKey)
	}
	if existing, ok := st.jobs[j.ID]; ok {
		if existing.Status != model.JobPending {
			existing.Status = model.JobPending
			existing.Attempts = 0
			existing.LastError = ""
			existing.RunAt = j.RunAt
			existing.Payload = j.Payload
			existing.MaxRetries = j.MaxRetries
			existing.UpdatedAt = j.UpdatedAt
		}
		return copyJob(existing), nil
	}
	stored := copyJob(j)
	stored.Status = model.JobPending
	st.jobs[j.ID] = stored
	return copyJob(stored), nil
}

func (m *memStore) ListDueJobs(_ context.Context, now time.Time, limit int) ([]string, error) {
	defer m.lock()()
	var due []*model.Job
	for _, j := range m.state().jobs {
		if j.Status == model.JobPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].ID < due[k].ID
		}
		return due[i].RunAt.Before(due[k].RunAt)
	})
	var ids []string
	for _, j := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (m *memStore) ClaimJob(_ context.Context, id string, now time.Time) (*model.Job, error) {
	defer m.lock()()
	j, ok := m.state().jobs[id]
	if !ok || j.Status != model.JobPending || j.RunAt.After(now) {
		return nil, nil
	}
	return copyJob(j), nil
}

func (m *memStore) CompleteJob(_ context.Context, id string) error {
	defer m.lock()()
	j, ok := m.state().jobs[id]
	if !ok {
		return notFound("job", id)
	}
	j.Status = model.JobCompleted
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) RecordJobFailure(_ context.Context, id string, attempts int, status model.JobStatus, lastError string, runAt time.Time) error {
	defer m.lock()()
	j, ok := m.state().jobs[id]
	if !ok || j.Status != model.JobPending {
		return apierror.NewAPIError(apierror.ErrInvalidStatus, "job is not pending", nil)
	}
	j.Attempts = attempts
	j.Status = status
	j.LastError = lastError
	j.RunAt = runAt
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	defer m.lock()()
	j, ok := m.state().jobs[id]
	if !ok {
		return nil, notFound("job", id)
	}
	return copyJob(j), nil
}

func (m *memStore) ListJobs(_ context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	defer m.lock()()
	var out []*model.Job
	for _, j := range m.state().jobs {
		if status == "" || j.Status == status {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ResetJob(_ context.Context, id string, runAt time.Time) error {
	defer m.lock()()
	j, ok := m.state().jobs[id]
	if !ok {
		return notFound("job", id)
	}
	j.Status = model.JobPending
	j.Attempts = 0
	j.LastError = ""
	j.RunAt = runAt
	return nil
}
