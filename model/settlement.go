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
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrConservation      = errors.New("settlement does not conserve the order total")
	ErrRefundExceedsHeld = errors.New("refund exceeds the amount still held for the order")
)

// CommissionRate is one version of the platform commission.
type CommissionRate struct {
	Rate          decimal.Decimal `json:"rate"`
	EffectiveFrom time.Time       `json:"effective_from"`
}

// CommissionSchedule is the versioned list of commission rates.
type CommissionSchedule []CommissionRate

// RateAt returns the rate in force at t: the latest version whose
// EffectiveFrom is not after t. Before the first version the earliest rate
// applies.
func (s CommissionSchedule) RateAt(t time.Time) decimal.Decimal {
	if len(s) == 0 {
		return decimal.Zero
	}
	sorted := make(CommissionSchedule, len(s))
	copy(sorted, s)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EffectiveFrom.Before(sorted[j].EffectiveFrom)
	})
	rate := sorted[0].Rate
	for _, v := range sorted {
		if v.EffectiveFrom.After(t) {
			break
		}
		rate = v.Rate
	}
	return rate
}

// Commission rounds subtotal*rate half away from zero.
func Commission(subtotal int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(subtotal).Mul(rate).Round(0).IntPart()
}

// SettlementLeg is one HELD obligation produced when an order is finalized.
type SettlementLeg struct {
	Role          EntryRole
	EntryType     EntryType
	Amount        int64
	Reference     string
	BeneficiaryID *string
	GroupID       *string
}

func (l SettlementLeg) ToEntry(orderID string) *LedgerEntry {
	return &LedgerEntry{
		OrderID:       orderID,
		Role:          l.Role,
		EntryType:     l.EntryType,
		Amount:        l.Amount,
		Status:        EntryHeld,
		Reference:     l.Reference,
		BeneficiaryID: l.BeneficiaryID,
		GroupID:       l.GroupID,
	}
}

// PlanSettlement splits a paid order into per-party legs. The legs always
// sum to the order total: a positive residual (order-level surcharges) is
// kept by the platform, a negative one is rejected.
func PlanSettlement(order *Order, rate decimal.Decimal) ([]SettlementLeg, error) {
	var legs []SettlementLeg
	for _, g := range order.SellerGroups {
		if g.Subtotal < 0 {
			return nil, fmt.Errorf("%w: negative subtotal for group %s", ErrConservation, g.GroupID)
		}
		groupID := g.GroupID
		sellerID := g.SellerID
		commission := Commission(g.Subtotal, rate)
		if commission > g.Subtotal {
			commission = g.Subtotal
		}
		if earning := g.Subtotal - commission; earning > 0 {
			legs = append(legs, SettlementLeg{
				Role:          RoleSeller,
				EntryType:     EntrySellerEarning,
				Amount:        earning,
				Reference:     SellerHeldReference(groupID),
				BeneficiaryID: &sellerID,
				GroupID:       &groupID,
			})
		}
		if commission > 0 {
			legs = append(legs, SettlementLeg{
				Role:      RolePlatform,
				EntryType: EntryPlatformCommission,
				Amount:    commission,
				Reference: PlatformHeldReference(groupID),
				GroupID:   &groupID,
			})
		}
	}

	if d := order.Delivery; d != nil && d.Fee > 0 {
		legs = append(legs, SettlementLeg{
			Role:          RoleRider,
			EntryType:     EntryRiderEarning,
			Amount:        d.Fee,
			Reference:     RiderHeldReference(order.OrderID),
			BeneficiaryID: d.RiderID,
		})
	}

	residual := order.TotalAmount - order.ItemsTotal()
	switch {
	case residual < 0:
		return nil, fmt.Errorf("%w: order %s total %d is below items total %d", ErrConservation, order.OrderID, order.TotalAmount, order.ItemsTotal())
	case residual > 0:
		legs = append(legs, SettlementLeg{
			Role:      RolePlatform,
			EntryType: EntryPlatformCommission,
			Amount:    residual,
			Reference: PlatformAdjustReference(order.OrderID),
		})
	}
	return legs, nil
}

// LegReduction describes how much of a HELD leg a partial refund consumes.
type LegReduction struct {
	Entry     *LedgerEntry
	Reduction int64
	Remaining int64
}

// PlanPartialRefund spreads a refund over the HELD legs of an order. Seller
// and platform legs absorb it proportionally with largest-remainder rounding;
// only what they cannot cover is taken from rider legs.
func PlanPartialRefund(held []*LedgerEntry, amount int64) ([]LegReduction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive")
	}
	var pool, riders []*LedgerEntry
	var poolTotal int64
	for _, e := range held {
		if e.Status != EntryHeld || !e.IsPartyLeg() {
			continue
		}
		if e.Role == RoleRider {
			riders = append(riders, e)
			continue
		}
		pool = append(pool, e)
		poolTotal += e.Amount
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Reference < pool[j].Reference })
	sort.SliceStable(riders, func(i, j int) bool { return riders[i].Reference < riders[j].Reference })

	fromPool := amount
	if fromPool > poolTotal {
		fromPool = poolTotal
	}
	excess := amount - fromPool

	reductions := make([]int64, len(pool))
	remainders := make([]decimal.Decimal, len(pool))
	var allocated int64
	if fromPool > 0 {
		total := decimal.NewFromInt(poolTotal)
		for i, e := range pool {
			q, r := decimal.NewFromInt(e.Amount).Mul(decimal.NewFromInt(fromPool)).QuoRem(total, 0)
			reductions[i] = q.IntPart()
			remainders[i] = r
			allocated += reductions[i]
		}
	}
	order := make([]int, len(pool))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]].GreaterThan(remainders[order[b]])
	})
	for k := 0; allocated < fromPool && k < len(order); k++ {
		reductions[order[k]]++
		allocated++
	}

	var out []LegReduction
	for i, e := range pool {
		if reductions[i] == 0 {
			continue
		}
		out = append(out, LegReduction{Entry: e, Reduction: reductions[i], Remaining: e.Amount - reductions[i]})
	}
	for _, e := range riders {
		if excess == 0 {
			break
		}
		take := e.Amount
		if take > excess {
			take = excess
		}
		excess -= take
		out = append(out, LegReduction{Entry: e, Reduction: take, Remaining: e.Amount - take})
	}
	if excess > 0 {
		return nil, ErrRefundExceedsHeld
	}
	return out, nil
}

// ConservationReport compares what entered escrow for an order with what
// has been assigned out of it.
type ConservationReport struct {
	Funded    int64 `json:"funded"`
	Allocated int64 `json:"allocated"`
	Refunded  int64 `json:"refunded"`
	Balanced  bool  `json:"balanced"`
}

// CheckConservation sums the entries of one order. A finalized order is
// balanced when funded == allocated + refunded.
func CheckConservation(entries []*LedgerEntry) ConservationReport {
	var r ConservationReport
	for _, e := range entries {
		if e.Status == EntryCancelled {
			continue
		}
		switch {
		case e.EntryType == EntryFund:
			r.Funded += e.Amount
		case e.EntryType == EntryRefund:
			r.Refunded += e.Amount
		case e.IsPartyLeg():
			r.Allocated += e.Amount
		}
	}
	r.Balanced = r.Funded == r.Allocated+r.Refunded
	return r
}
