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
	"encoding/json"
	"time"
)

type TransactionType string

const (
	TxnPayment            TransactionType = "PAYMENT"
	TxnEscrowFund         TransactionType = "ESCROW_FUND"
	TxnPayoutRelease      TransactionType = "PAYOUT_RELEASE"
	TxnRefund             TransactionType = "REFUND"
	TxnWithdrawal         TransactionType = "WITHDRAWAL"
	TxnPlatformWithdrawal TransactionType = "PLATFORM_WITHDRAWAL"
	TxnWithdrawalReceipt  TransactionType = "WITHDRAWAL_RECEIPT"
)

type TransactionStatus string

const (
	TxnSuccess TransactionStatus = "SUCCESS"
	TxnPending TransactionStatus = "PENDING"
	TxnFailed  TransactionStatus = "FAILED"
)

// Transaction is the single row written for one posting. A side that is
// not resolved is an external rail (card network, bank transfer) and has
// no wallet balance to move.
type Transaction struct {
	TransactionID       string                 `json:"transaction_id"`
	WalletID            *string                `json:"wallet_id,omitempty"`
	SourceWalletID      *string                `json:"source_wallet_id,omitempty"`
	DestinationWalletID *string                `json:"destination_wallet_id,omitempty"`
	SourceResolved      bool                   `json:"source_resolved"`
	DestinationResolved bool                   `json:"destination_resolved"`
	UserID              *string                `json:"user_id,omitempty"`
	OrderID             *string                `json:"order_id,omitempty"`
	Type                TransactionType        `json:"type"`
	Amount              int64                  `json:"amount"`
	Status              TransactionStatus      `json:"status"`
	Reference           string                 `json:"reference"`
	Description         string                 `json:"description"`
	MetaData            map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

func (transaction *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(transaction)
}

// SignedAmountFor returns the effect of the transaction on the given wallet:
// positive when it credits a resolved destination, negative when it debits
// a resolved source, zero otherwise.
func (transaction *Transaction) SignedAmountFor(walletID string) int64 {
	if transaction.Status != TxnSuccess {
		return 0
	}
	var delta int64
	if transaction.SourceResolved && transaction.SourceWalletID != nil && *transaction.SourceWalletID == walletID {
		delta -= transaction.Amount
	}
	if transaction.DestinationResolved && transaction.DestinationWalletID != nil && *transaction.DestinationWalletID == walletID {
		delta += transaction.Amount
	}
	return delta
}
