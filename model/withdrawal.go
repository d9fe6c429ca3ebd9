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

type WithdrawalRole string

const (
	WithdrawalSeller   WithdrawalRole = "SELLER"
	WithdrawalPlatform WithdrawalRole = "PLATFORM"
)

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "PENDING"
	WithdrawalProcessing WithdrawalStatus = "PROCESSING"
	WithdrawalCompleted  WithdrawalStatus = "COMPLETED"
	WithdrawalRejected   WithdrawalStatus = "REJECTED"
)

type Withdrawal struct {
	WithdrawalID  string                 `json:"withdrawal_id"`
	WalletID      string                 `json:"wallet_id"`
	UserID        *string                `json:"user_id,omitempty"`
	Role          WithdrawalRole         `json:"role"`
	Amount        int64                  `json:"amount"`
	Status        WithdrawalStatus       `json:"status"`
	Method        string                 `json:"method"`
	Destination   string                 `json:"destination"`
	AccountInfo   map[string]interface{} `json:"account_info,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// IsOpen reports whether the withdrawal still reserves released funds.
func (w *Withdrawal) IsOpen() bool {
	return w.Status == WithdrawalPending || w.Status == WithdrawalProcessing
}

// SettlementReference is the provider idempotency key and the reference of
// the ledger posting that settles the withdrawal.
func (w *Withdrawal) SettlementReference() string {
	if w.Role == WithdrawalPlatform {
		return "platform-withdrawal-" + w.WithdrawalID
	}
	return "withdrawal-" + w.WithdrawalID
}

func (w *Withdrawal) ReceiptReference() string {
	return w.SettlementReference() + "-receipt"
}

// Receipt is the provider acknowledgement stored on a completed withdrawal.
type Receipt struct {
	WithdrawalID string           `json:"withdrawal_id"`
	Provider     string           `json:"provider"`
	TransferID   string           `json:"transfer_id"`
	Amount       int64            `json:"amount"`
	Status       WithdrawalStatus `json:"status"`
}

func (w *Withdrawal) Receipt() *Receipt {
	r := &Receipt{WithdrawalID: w.WithdrawalID, Amount: w.Amount, Status: w.Status}
	if w.AccountInfo != nil {
		if v, ok := w.AccountInfo["provider"].(string); ok {
			r.Provider = v
		}
		if v, ok := w.AccountInfo["transfer_id"].(string); ok {
			r.TransferID = v
		}
	}
	return r
}
