package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/wallet/internal/audit"
	"github.com/ruralpay/wallet/internal/events"
	"github.com/ruralpay/wallet/internal/gateway"
	"github.com/ruralpay/wallet/internal/metrics"
	"github.com/ruralpay/wallet/internal/models"
	"github.com/ruralpay/wallet/internal/money"
)

const (
	referenceAttempts = 3

	failureAmountMismatch = "amount_mismatch"
	failureExpired        = "expired"
)

type reconcileOutcome int

const (
	outcomeCredited reconcileOutcome = iota
	outcomeAlreadyCredited
	outcomeMismatch
	outcomeAlreadyFailed
)

// DepositService creates pending deposits and applies gateway confirmations
// to them at most once.
type DepositService struct {
	store      *WalletStore
	gateway    gateway.PaymentGateway
	limiter    *RateLimiter
	publisher  events.Publisher
	audit      *audit.Logger
	logger     *zap.Logger
	minDeposit money.Amount
	now        func() time.Time
}

func NewDepositService(
	store *WalletStore,
	gw gateway.PaymentGateway,
	limiter *RateLimiter,
	publisher events.Publisher,
	auditLogger *audit.Logger,
	minDeposit money.Amount,
	logger *zap.Logger,
) *DepositService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &DepositService{
		store:      store,
		gateway:    gw,
		limiter:    limiter,
		publisher:  publisher,
		audit:      auditLogger,
		logger:     logger,
		minDeposit: minDeposit,
		now:        time.Now,
	}
}

// InitiateDeposit records a pending deposit and asks the gateway for a
// payment intent carrying the same reference. If the gateway fails the
// pending entry stays and the returned error wraps ErrGateway.
func (s *DepositService) InitiateDeposit(ctx context.Context, accountID, payerEmail string, amount money.Amount) (*models.DepositIntent, error) {
	if !amount.AtLeast(s.minDeposit) {
		return nil, fmt.Errorf("%w: minimum deposit is %s", ErrInvalidAmount, s.minDeposit)
	}
	if err := s.limiter.Allow(ctx, "deposit", accountID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	entry, err := s.insertPendingDeposit(ctx, accountID, amount)
	if err != nil {
		return nil, err
	}
	reference := *entry.Reference
	metrics.Deposits.WithLabelValues(string(models.EntryStatusPending)).Inc()
	s.audit.LogDeposit(reference, accountID, amount, "INITIATED", nil)

	intent, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
		PayerEmail: payerEmail,
		Amount:     amount,
		Reference:  reference,
	})
	if err != nil {
		s.logger.Error("gateway intent creation failed; pending deposit left for the sweeper",
			zap.String("reference", reference),
			zap.String("account_id", accountID),
			zap.Error(err))
		return &models.DepositIntent{Reference: reference, Amount: amount}, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	return &models.DepositIntent{
		Reference:        reference,
		AuthorizationURL: intent.AuthorizationURL,
		AccessCode:       intent.AccessCode,
		Amount:           amount,
	}, nil
}

func (s *DepositService) insertPendingDeposit(ctx context.Context, accountID string, amount money.Amount) (*models.LedgerEntry, error) {
	for attempt := 1; attempt <= referenceAttempts; attempt++ {
		reference, err := NewReference()
		if err != nil {
			return nil, err
		}
		entry := &models.LedgerEntry{
			AccountID: accountID,
			Kind:      models.EntryKindDeposit,
			Amount:    amount,
			Status:    models.EntryStatusPending,
			Reference: &reference,
		}
		err = s.store.InsertEntry(ctx, s.store.db, entry)
		if err == nil {
			return entry, nil
		}
		if !isUniqueViolation(err, constraintReference) {
			return nil, classifyStoreError(err)
		}
		s.logger.Warn("deposit reference collision, regenerating", zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("could not allocate a unique deposit reference")
}

// ReconcileConfirmation applies an authenticated gateway confirmation. The
// account is always credited with the amount recorded at initiation; the
// confirmed amount only serves to detect tampering.
func (s *DepositService) ReconcileConfirmation(ctx context.Context, reference string, confirmedAmount money.Amount) error {
	var (
		entry   *models.LedgerEntry
		outcome reconcileOutcome
	)
	err := s.store.RunInTx(ctx, func(tx *LockedTx) error {
		e, err := s.store.LockEntryByReference(ctx, tx, reference)
		if err != nil {
			return err
		}
		if e.Kind != models.EntryKindDeposit {
			return ErrUnknownReference
		}
		entry = e

		switch e.Status {
		case models.EntryStatusSuccess:
			outcome = outcomeAlreadyCredited
			return nil
		case models.EntryStatusFailed:
			outcome = outcomeAlreadyFailed
			return nil
		}

		if confirmedAmount != e.Amount {
			outcome = outcomeMismatch
			return s.store.SetEntryStatus(ctx, tx, e.ID, models.EntryStatusFailed, models.Metadata{
				"failure_reason":   failureAmountMismatch,
				"expected_amount":  int64(e.Amount),
				"confirmed_amount": int64(confirmedAmount),
			})
		}

		if err := s.store.LockAccounts(ctx, tx, e.AccountID); err != nil {
			return err
		}
		if err := s.store.CreditAccount(ctx, tx, e.AccountID, e.Amount); err != nil {
			return err
		}
		outcome = outcomeCredited
		return s.store.SetEntryStatus(ctx, tx, e.ID, models.EntryStatusSuccess, models.Metadata{
			"confirmed_at": s.now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		if errors.Is(err, ErrUnknownReference) {
			metrics.Confirmations.WithLabelValues("unknown_reference").Inc()
			s.logger.Warn("confirmation for unknown deposit reference",
				zap.Bool("security", true),
				zap.String("reference", reference),
				zap.Int64("confirmed_amount", int64(confirmedAmount)))
			s.audit.LogAnomaly(reference, "", "unknown reference", nil)
			return err
		}
		metrics.Confirmations.WithLabelValues("error").Inc()
		return err
	}

	switch outcome {
	case outcomeAlreadyCredited:
		metrics.Confirmations.WithLabelValues("duplicate").Inc()
		s.logger.Info("duplicate confirmation ignored", zap.String("reference", reference))
		return nil

	case outcomeAlreadyFailed:
		metrics.Confirmations.WithLabelValues("finalized").Inc()
		s.logger.Warn("confirmation for failed deposit needs manual review",
			zap.Bool("security", true),
			zap.String("reference", reference),
			zap.String("account_id", entry.AccountID))
		s.audit.LogAnomaly(reference, entry.AccountID, "confirmation after failure", nil)
		return ErrDepositFinalized

	case outcomeMismatch:
		metrics.Confirmations.WithLabelValues("mismatch").Inc()
		metrics.Deposits.WithLabelValues(string(models.EntryStatusFailed)).Inc()
		s.logger.Warn("confirmed amount differs from recorded deposit",
			zap.Bool("security", true),
			zap.String("reference", reference),
			zap.Int64("expected_amount", int64(entry.Amount)),
			zap.Int64("confirmed_amount", int64(confirmedAmount)))
		s.audit.LogAnomaly(reference, entry.AccountID, failureAmountMismatch, map[string]string{
			"expected_amount":  entry.Amount.String(),
			"confirmed_amount": confirmedAmount.String(),
		})
		s.publish(ctx, events.Event{
			Type:      events.TypeDepositFailed,
			AccountID: entry.AccountID,
			Amount:    entry.Amount,
			Reference: reference,
			Reason:    failureAmountMismatch,
		})
		return ErrAmountMismatch
	}

	metrics.Confirmations.WithLabelValues("credited").Inc()
	metrics.Deposits.WithLabelValues(string(models.EntryStatusSuccess)).Inc()
	s.audit.LogDeposit(reference, entry.AccountID, entry.Amount, "CREDITED", nil)
	s.publish(ctx, events.Event{
		Type:      events.TypeDepositCredited,
		AccountID: entry.AccountID,
		Amount:    entry.Amount,
		Reference: reference,
	})
	return nil
}

// FailDeposit moves a pending deposit to failed. Failing an already failed
// deposit is a no-op; a credited deposit cannot be failed.
func (s *DepositService) FailDeposit(ctx context.Context, reference, reason string) error {
	var (
		entry   *models.LedgerEntry
		changed bool
	)
	err := s.store.RunInTx(ctx, func(tx *LockedTx) error {
		e, err := s.store.LockEntryByReference(ctx, tx, reference)
		if err != nil {
			return err
		}
		if e.Kind != models.EntryKindDeposit {
			return ErrUnknownReference
		}
		entry = e

		switch e.Status {
		case models.EntryStatusFailed:
			return nil
		case models.EntryStatusSuccess:
			return ErrDepositFinalized
		}
		changed = true
		return s.store.SetEntryStatus(ctx, tx, e.ID, models.EntryStatusFailed, models.Metadata{"failure_reason": reason})
	})
	if err != nil {
		if errors.Is(err, ErrUnknownReference) {
			s.logger.Warn("failure notice for unknown deposit reference",
				zap.Bool("security", true),
				zap.String("reference", reference))
		}
		return err
	}
	if !changed {
		return nil
	}

	metrics.Deposits.WithLabelValues(string(models.EntryStatusFailed)).Inc()
	s.audit.LogDeposit(reference, entry.AccountID, entry.Amount, "FAILED", map[string]string{"reason": reason})
	s.publish(ctx, events.Event{
		Type:      events.TypeDepositFailed,
		AccountID: entry.AccountID,
		Amount:    entry.Amount,
		Reference: reference,
		Reason:    reason,
	})
	return nil
}

// DepositStatus returns the deposit entry for reference if it belongs to
// accountID. Other accounts' references are reported as unknown.
func (s *DepositService) DepositStatus(ctx context.Context, accountID, reference string) (*models.LedgerEntry, error) {
	entry, err := s.store.GetEntryByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if entry.AccountID != accountID || entry.Kind != models.EntryKindDeposit {
		return nil, ErrUnknownReference
	}
	return entry, nil
}

// VerifyDeposit asks the gateway for the payment's state and applies it.
// Payments the gateway still considers in flight leave the entry pending.
func (s *DepositService) VerifyDeposit(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	v, err := s.gateway.VerifyByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	switch {
	case v.Succeeded():
		err := s.ReconcileConfirmation(ctx, reference, v.Amount)
		if err != nil && !errors.Is(err, ErrAmountMismatch) && !errors.Is(err, ErrDepositFinalized) {
			return nil, err
		}
	case v.Failed():
		if err := s.FailDeposit(ctx, reference, "gateway status "+v.Status); err != nil && !errors.Is(err, ErrDepositFinalized) {
			return nil, err
		}
	default:
		s.logger.Debug("deposit still in flight at gateway",
			zap.String("reference", reference),
			zap.String("gateway_status", v.Status))
	}

	return s.store.GetEntryByReference(ctx, reference)
}

// ExpireStaleDeposits fails pending deposits older than olderThan and returns
// how many were expired.
func (s *DepositService) ExpireStaleDeposits(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	expired, err := s.store.ExpirePendingDeposits(ctx, cutoff, failureExpired)
	if err != nil {
		return 0, err
	}

	for _, e := range expired {
		reference := ""
		if e.Reference != nil {
			reference = *e.Reference
		}
		metrics.Deposits.WithLabelValues(string(models.EntryStatusFailed)).Inc()
		s.audit.LogDeposit(reference, e.AccountID, e.Amount, "FAILED", map[string]string{"reason": failureExpired})
		s.publish(ctx, events.Event{
			Type:      events.TypeDepositFailed,
			AccountID: e.AccountID,
			Amount:    e.Amount,
			Reference: reference,
			Reason:    failureExpired,
		})
	}
	if len(expired) > 0 {
		s.logger.Info("expired stale pending deposits",
			zap.Int("count", len(expired)),
			zap.Time("cutoff", cutoff))
	}
	return len(expired), nil
}

func (s *DepositService) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish wallet event",
			zap.String("type", string(event.Type)),
			zap.String("reference", event.Reference),
			zap.Error(err))
	}
}
