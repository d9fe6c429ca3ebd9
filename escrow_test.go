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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/internal/dispatch"
	"github.com/blnkfinance/escrow/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvider struct {
	mu        sync.Mutex
	err       error
	transfers []string
	payouts   []string
}

func (p *fakeProvider) Name() string { return "fakepay" }

func (p *fakeProvider) CreateTransfer(_ context.Context, destination string, amount int64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.transfers = append(p.transfers, key)
	return fmt.Sprintf("trf_%s_%d", destination, amount), nil
}

func (p *fakeProvider) CreatePayout(_ context.Context, amount int64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.payouts = append(p.payouts, key)
	return fmt.Sprintf("po_%d", amount), nil
}

type sentNotification struct {
	UserID, Title, Message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, userID, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{userID, title, message})
	return nil
}

func (n *recordingNotifier) titlesFor(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.UserID == userID {
			out = append(out, s.Title)
		}
	}
	return out
}

type fakeDispatcher struct {
	mu            sync.Mutex
	riderID       string
	riderWalletID *string
	err           error
	requests      []dispatch.Request
}

func (d *fakeDispatcher) AutoAssign(_ context.Context, r dispatch.Request) (*dispatch.Assignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, r)
	if d.err != nil {
		return nil, d.err
	}
	if d.riderID == "" {
		return nil, nil
	}
	return &dispatch.Assignment{RiderID: d.riderID, RiderWalletID: d.riderWalletID}, nil
}

type harness struct {
	escrow   *Escrow
	store    *memStore
	clock    *testClock
	provider *fakeProvider
	notifier *recordingNotifier
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/escrow"},
		Settlement: config.SettlementConfig{
			CommissionRate:     "0.15",
			HoldWindowHours:    24,
			DisputeWindowHours: 24,
			Currency:           "NGN",
		},
		Jobs: config.JobsConfig{
			MaxRetries:        3,
			BatchSize:         10,
			MaxWorkers:        2,
			RetryBaseDelaySec: 10,
		},
		Notification: config.Notification{AdminUserIDs: []string{"admin-1"}},
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig(), opts...)
}

func newHarnessWithConfig(t *testing.T, cnf *config.Configuration, opts ...Option) *harness {
	t.Helper()
	config.MockConfig(cnf)

	h := &harness{
		store:    newMemStore(),
		clock:    &testClock{now: testStart},
		provider: &fakeProvider{},
		notifier: &recordingNotifier{},
	}
	all := append([]Option{
		WithClock(h.clock.Now),
		WithProvider(h.provider),
		WithNotifier(h.notifier),
	}, opts...)

	e, err := NewEscrow(h.store, all...)
	require.NoError(t, err)
	h.escrow = e
	return h
}

var (
	admin = Actor{UserID: "admin-1", Role: RoleAdmin}
	buyer = Actor{UserID: "buyer-1", Role: RoleBuyer}
)

func sellerActor(id string) Actor { return Actor{UserID: id, Role: RoleSeller} }

// newOrder builds a single seller order. A positive delivery fee adds a
// delivery without a rider.
func newOrder(subtotal, fee int64) *model.Order {
	o := &model.Order{
		BuyerID:     buyer.UserID,
		TotalAmount: subtotal + fee,
		SellerGroups: []*model.SellerGroup{
			{SellerID: "seller-1", Subtotal: subtotal},
		},
	}
	if fee > 0 {
		o.Delivery = &model.Delivery{Fee: fee}
	}
	return o
}

// paidOrder registers and pays an order by card. Payment finalizes it inline.
func (h *harness) paidOrder(t *testing.T, o *model.Order) *model.Order {
	t.Helper()
	ctx := context.Background()
	registered, err := h.escrow.RegisterOrder(ctx, o)
	require.NoError(t, err)
	result, err := h.escrow.CompletePayment(ctx, registered.OrderID, "pay_"+gofakeit.UUID(), model.PaymentCard)
	require.NoError(t, err)
	require.True(t, result.JustPaid)
	return result.Order
}

// releasedOrder pays an order, lets the hold window elapse and releases it.
func (h *harness) releasedOrder(t *testing.T, o *model.Order) *model.Order {
	t.Helper()
	order := h.paidOrder(t, o)
	h.clock.Advance(25 * time.Hour)
	outcome, err := h.escrow.ReleaseOrder(context.Background(), admin, order.OrderID)
	require.NoError(t, err)
	require.True(t, outcome.Released, "release skipped: %s", outcome.Reason)
	released, err := h.store.GetOrder(context.Background(), order.OrderID, false)
	require.NoError(t, err)
	return released
}

func (h *harness) balance(t *testing.T, walletID string) int64 {
	t.Helper()
	w, err := h.store.GetWallet(context.Background(), walletID)
	require.NoError(t, err)
	return w.Balance
}

func (h *harness) walletOf(t *testing.T, ownerID string) *model.Wallet {
	t.Helper()
	w, err := h.store.GetWalletByOwner(context.Background(), ownerID)
	require.NoError(t, err)
	return w
}

func (h *harness) entry(t *testing.T, reference string) *model.LedgerEntry {
	t.Helper()
	e, err := h.store.GetLedgerEntryByRef(context.Background(), reference)
	require.NoError(t, err)
	return e
}

// assertWalletsConsistent checks every wallet balance against its
// transaction history.
func (h *harness) assertWalletsConsistent(t *testing.T) {
	t.Helper()
	h.store.db.mu.Lock()
	ids := make([]string, 0, len(h.store.db.st.wallets))
	for id := range h.store.db.st.wallets {
		ids = append(ids, id)
	}
	h.store.db.mu.Unlock()
	for _, id := range ids {
		v, err := h.escrow.VerifyWallet(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, v.Consistent, "wallet %s stored %d computed %d", id, v.StoredBalance, v.ComputedBalance)
	}
}

func TestNewEscrow_CommissionSchedule(t *testing.T) {
	cnf := testConfig()
	cnf.Settlement.CommissionRate = ""
	cnf.Settlement.CommissionRates = []config.CommissionRateConfig{
		{Rate: "0.10", EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Rate: "0.12", EffectiveFrom: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	h := newHarnessWithConfig(t, cnf)

	assert.Equal(t, "0.1", h.escrow.CommissionRateAt(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "0.12", h.escrow.CommissionRateAt(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)))
}

func TestNewEscrow_InvalidCommissionRate(t *testing.T) {
	cnf := testConfig()
	cnf.Settlement.CommissionRate = "1.5"
	config.MockConfig(cnf)

	_, err := NewEscrow(newMemStore())
	assert.Error(t, err)
}

func TestNewEscrow_DefaultNotifierLogs(t *testing.T) {
	config.MockConfig(testConfig())
	e, err := NewEscrow(newMemStore())
	require.NoError(t, err)
	assert.IsType(t, LogNotifier{}, e.notifier)
	assert.NoError(t, e.notifier.Notify(context.Background(), "u", "t", "m"))
}

func TestNotify_SkipsEmptyUser(t *testing.T) {
	h := newHarness(t)
	h.escrow.notify(context.Background(), "", "title", "message")
	assert.Empty(t, h.notifier.sent)
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole(" admin "))
	assert.Equal(t, RoleRider, ParseRole("RIDER"))
	assert.Equal(t, Role(""), ParseRole("superuser"))
	assert.Error(t, requireAdmin(buyer))
	assert.NoError(t, requireAdmin(admin))
}

var errProviderDown = errors.New("provider unavailable")
