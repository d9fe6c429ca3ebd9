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

import "time"

type WalletKind string

const (
	WalletKindUser     WalletKind = "USER"
	WalletKindEscrow   WalletKind = "ESCROW"
	WalletKindPlatform WalletKind = "PLATFORM"
	WalletKindTreasury WalletKind = "TREASURY"
)

// System wallets are seeded by the initial migration and exist exactly once.
const (
	EscrowWalletID   = "wal_escrow"
	PlatformWalletID = "wal_platform"
	TreasuryWalletID = "wal_treasury"
)

// Wallet is a balance holder. Balance is only ever changed by a posting
// and always equals the signed sum of the SUCCESS transactions that
// resolve against it.
type Wallet struct {
	WalletID  string                 `json:"wallet_id"`
	OwnerID   *string                `json:"owner_id,omitempty"`
	Kind      WalletKind             `json:"kind"`
	Balance   int64                  `json:"balance"`
	Currency  string                 `json:"currency"`
	CreatedAt time.Time              `json:"created_at"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
}

// IsSystem reports whether the wallet belongs to the platform rather than a user.
func (w *Wallet) IsSystem() bool {
	return w.Kind != WalletKindUser
}

// WalletVerification compares a stored wallet balance with the balance
// recomputed from its transaction history.
type WalletVerification struct {
	WalletID        string `json:"wallet_id"`
	StoredBalance   int64  `json:"stored_balance"`
	ComputedBalance int64  `json:"computed_balance"`
	Consistent      bool   `json:"consistent"`
}
