package models

import (
	"time"

	"github.com/ruralpay/wallet/internal/money"
)

type EntryKind string

const (
	EntryKindDeposit     EntryKind = "deposit"
	EntryKindTransferOut EntryKind = "transfer_out"
	EntryKindTransferIn  EntryKind = "transfer_in"
)

type EntryStatus string

const (
	EntryStatusPending EntryStatus = "pending"
	EntryStatusSuccess EntryStatus = "success"
	EntryStatusFailed  EntryStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s EntryStatus) Terminal() bool {
	return s == EntryStatusSuccess || s == EntryStatusFailed
}

// LedgerEntry is one balance-affecting record owned by an account.
// Amount is always positive; the direction is carried by Kind.
type LedgerEntry struct {
	ID                        string       `json:"id" db:"id"`
	AccountID                 string       `json:"account_id" db:"account_id"`
	Kind                      EntryKind    `json:"type" db:"kind"`
	Amount                    money.Amount `json:"amount" db:"amount"` // in kobo
	Status                    EntryStatus  `json:"status" db:"status"`
	Reference                 *string      `json:"reference,omitempty" db:"reference"`
	CounterpartyRoutingNumber *string      `json:"counterparty_routing_number,omitempty" db:"counterparty_routing_number"`
	Metadata                  Metadata     `json:"metadata,omitempty" db:"metadata"`
	CreatedAt                 time.Time    `json:"created_at" db:"created_at"`
}

// Account is a custodial wallet. One per owner.
type Account struct {
	ID            string       `json:"id" db:"id"`
	OwnerID       string       `json:"owner_id" db:"owner_id"`
	RoutingNumber string       `json:"routing_number" db:"routing_number"`
	Balance       money.Amount `json:"balance" db:"balance"` // in kobo
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// TransferResult describes a committed transfer.
type TransferResult struct {
	TransferID    string       `json:"transfer_id"`
	Amount        money.Amount `json:"amount"`
	SenderBalance money.Amount `json:"sender_balance"`
	Debit         LedgerEntry  `json:"debit"`
	Credit        LedgerEntry  `json:"credit"`
}

// DepositIntent is returned to the payer after a deposit is initiated.
type DepositIntent struct {
	Reference        string       `json:"reference"`
	AuthorizationURL string       `json:"authorization_url"`
	AccessCode       string       `json:"access_code,omitempty"`
	Amount           money.Amount `json:"amount"`
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
