// Package events publishes wallet lifecycle notifications after the store
// transaction that produced them has committed.
package events

import (
	"context"
	"time"

	"github.com/ruralpay/wallet/internal/money"
)

type Type string

const (
	TypeTransferCompleted Type = "wallet.transfer.completed"
	TypeDepositCredited   Type = "wallet.deposit.credited"
	TypeDepositFailed     Type = "wallet.deposit.failed"
)

type Event struct {
	ID         string       `json:"id"`
	Type       Type         `json:"type"`
	AccountID  string       `json:"account_id"`
	Amount     money.Amount `json:"amount"`
	Reference  string       `json:"reference,omitempty"`
	TransferID string       `json:"transfer_id,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Key is used as the partition key so events for one account stay ordered.
func (e Event) Key() string {
	return e.AccountID
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop drops every event. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
