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
)

var ErrInsufficientReleased = errors.New("insufficient released funds")

// Allocation is the slice of one RELEASED entry consumed by a withdrawal.
type Allocation struct {
	Entry        *LedgerEntry
	Amount       int64
	NewWithdrawn int64
	Exhausted    bool
}

// SortFIFO orders entries oldest first, ties broken by entry id.
func SortFIFO(entries []*LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].EntryID < entries[j].EntryID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// AllocateFIFO consumes amount from RELEASED entries, oldest first. It does
// not mutate the entries; callers apply the returned allocations.
func AllocateFIFO(entries []*LedgerEntry, amount int64) ([]Allocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("allocation amount must be positive")
	}
	candidates := make([]*LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e.Status == EntryReleased && e.Remaining() > 0 {
			candidates = append(candidates, e)
		}
	}
	SortFIFO(candidates)

	remaining := amount
	var out []Allocation
	for _, e := range candidates {
		if remaining == 0 {
			break
		}
		take := e.Remaining()
		if take > remaining {
			take = remaining
		}
		remaining -= take
		withdrawn := e.WithdrawnAmount + take
		out = append(out, Allocation{
			Entry:        e,
			Amount:       take,
			NewWithdrawn: withdrawn,
			Exhausted:    withdrawn == e.Amount,
		})
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: short by %d", ErrInsufficientReleased, remaining)
	}
	return out, nil
}

// Apply writes the allocation onto its entry.
func (a Allocation) Apply() {
	a.Entry.WithdrawnAmount = a.NewWithdrawn
	if a.Exhausted {
		a.Entry.Status = EntryWithdrawn
	}
}
