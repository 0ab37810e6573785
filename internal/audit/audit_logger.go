package audit

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ruralpay/wallet/internal/money"
)

type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Reference string            `json:"reference,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Amount    money.Amount      `json:"amount"`
	Status    string            `json:"status"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger writes one structured record per money movement or security event
// under the "audit" logger name so they can be routed separately.
type Logger struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewLogger(base *zap.Logger) *Logger {
	return &Logger{logger: base.Named("audit"), now: time.Now}
}

func (a *Logger) LogTransfer(transferID, fromAccount, toAccount string, amount money.Amount, status string) {
	a.log(zap.InfoLevel, Event{
		EventType: "TRANSFER",
		Reference: transferID,
		AccountID: fromAccount,
		Amount:    amount,
		Status:    status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	})
}

// LogDeposit records a deposit lifecycle step: INITIATED, CREDITED or FAILED.
func (a *Logger) LogDeposit(reference, accountID string, amount money.Amount, status string, details map[string]string) {
	a.log(zap.InfoLevel, Event{
		EventType: "DEPOSIT_" + status,
		Reference: reference,
		AccountID: accountID,
		Amount:    amount,
		Status:    status,
		Details:   details,
	})
}

// LogAnomaly records reconciliation events that may indicate tampering, such
// as a confirmation for an unknown reference or an amount mismatch.
func (a *Logger) LogAnomaly(reference, accountID, reason string, details map[string]string) {
	if details == nil {
		details = map[string]string{}
	}
	details["reason"] = reason
	a.log(zap.WarnLevel, Event{
		EventType: "RECONCILE_ANOMALY",
		Reference: reference,
		AccountID: accountID,
		Status:    "FLAGGED",
		Details:   details,
	})
}

func (a *Logger) LogError(reference, accountID string, err error) {
	a.log(zap.ErrorLevel, Event{
		EventType: "ERROR",
		Reference: reference,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(level zapcore.Level, event Event) {
	if a == nil {
		return
	}
	event.Timestamp = a.now().UTC()
	ce := a.logger.Check(level, "AUDIT")
	if ce == nil {
		return
	}
	ce.Write(
		zap.Time("audit_time", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.String("reference", event.Reference),
		zap.String("account_id", event.AccountID),
		zap.Int64("amount", int64(event.Amount)),
		zap.String("status", event.Status),
		zap.Any("details", event.Details),
	)
}
