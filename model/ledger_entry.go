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
	"fmt"
	"time"
)

type EntryRole string

const (
	RoleBuyer    EntryRole = "BUYER"
	RoleSeller   EntryRole = "SELLER"
	RolePlatform EntryRole = "PLATFORM"
	RoleRider    EntryRole = "RIDER"
)

type EntryType string

const (
	EntryFund               EntryType = "FUND"
	EntrySellerEarning      EntryType = "SELLER_EARNING"
	EntryPlatformCommission EntryType = "PLATFORM_COMMISSION"
	EntryRiderEarning       EntryType = "RIDER_EARNING"
	EntryRefund             EntryType = "REFUND"
)

type EntryStatus string

const (
	EntryHeld      EntryStatus = "HELD"
	EntryReleased  EntryStatus = "RELEASED"
	EntryWithdrawn EntryStatus = "WITHDRAWN"
	EntryCancelled EntryStatus = "CANCELLED"
)

// LedgerEntry is one obligation row of an order. The reference is unique
// across all entries ever written.
type LedgerEntry struct {
	EntryID         string                 `json:"entry_id"`
	OrderID         string                 `json:"order_id"`
	Role            EntryRole              `json:"role"`
	EntryType       EntryType              `json:"entry_type"`
	Amount          int64                  `json:"amount"`
	WithdrawnAmount int64                  `json:"withdrawn_amount"`
	Status          EntryStatus            `json:"status"`
	Reference       string                 `json:"reference"`
	BeneficiaryID   *string                `json:"beneficiary_id,omitempty"`
	GroupID         *string                `json:"group_id,omitempty"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Remaining is the part of the entry not yet withdrawn.
func (e *LedgerEntry) Remaining() int64 {
	return e.Amount - e.WithdrawnAmount
}

// IsPartyLeg reports whether the entry is a settlement leg owed to a party.
func (e *LedgerEntry) IsPartyLeg() bool {
	switch e.EntryType {
	case EntrySellerEarning, EntryPlatformCommission, EntryRiderEarning:
		return true
	}
	return false
}

// Validate checks the amount invariants of the entry.
func (e *LedgerEntry) Validate() error {
	if e.Amount <= 0 {
		return fmt.Errorf("entry %s: amount must be positive", e.Reference)
	}
	if e.WithdrawnAmount < 0 || e.WithdrawnAmount > e.Amount {
		return fmt.Errorf("entry %s: withdrawn amount %d out of range [0, %d]", e.Reference, e.WithdrawnAmount, e.Amount)
	}
	return nil
}

// EntryFilter selects released entries eligible for withdrawal allocation.
type EntryFilter struct {
	BeneficiaryID *string
	Roles         []EntryRole
}

// Entry references are stable so that re-running a step hits the unique index.
func FundReference(orderID string) string           { return "escrow-fund-" + orderID }
func SellerHeldReference(groupID string) string     { return "seller-held-" + groupID }
func PlatformHeldReference(groupID string) string   { return "platform-held-" + groupID }
func PlatformAdjustReference(orderID string) string { return "platform-adjust-" + orderID }
func RiderHeldReference(orderID string) string      { return "rider-held-" + orderID }
func RefundReference(orderID string) string         { return "refund-buyer-" + orderID }
func PartialRefundReference(orderID string) string  { return "partial-refund-buyer-" + orderID }
func ReleaseReference(entryRef string) string       { return "release-" + entryRef }
func AdjustedReference(entryRef string) string      { return entryRef + "-adj" }
