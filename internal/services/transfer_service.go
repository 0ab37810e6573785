package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/wallet/internal/audit"
	"github.com/ruralpay/wallet/internal/events"
	"github.com/ruralpay/wallet/internal/metrics"
	"github.com/ruralpay/wallet/internal/models"
	"github.com/ruralpay/wallet/internal/money"
)

// TransferService moves funds between two accounts in one store transaction.
type TransferService struct {
	store       *WalletStore
	limiter     *RateLimiter
	minTransfer money.Amount
	publisher   events.Publisher
	audit       *audit.Logger
	logger      *zap.Logger
}

func NewTransferService(store *WalletStore, limiter *RateLimiter, minTransfer money.Amount, publisher events.Publisher, auditLogger *audit.Logger, logger *zap.Logger) *TransferService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &TransferService{
		store:       store,
		limiter:     limiter,
		minTransfer: minTransfer,
		publisher:   publisher,
		audit:       auditLogger,
		logger:      logger,
	}
}

// Transfer debits senderAccountID and credits the account identified by
// recipientRoutingNumber. Either both legs and both entries commit or
// nothing does.
func (s *TransferService) Transfer(ctx context.Context, senderAccountID, recipientRoutingNumber string, amount money.Amount) (*models.TransferResult, error) {
	if !amount.AtLeast(s.minTransfer) {
		metrics.Transfers.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: minimum transfer is %s", ErrInvalidAmount, s.minTransfer)
	}
	if !ValidRoutingNumber(recipientRoutingNumber) {
		metrics.Transfers.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRoutingNumber
	}
	if err := s.limiter.Allow(ctx, "transfer", senderAccountID); err != nil {
		metrics.Transfers.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	var result *models.TransferResult
	err := s.store.RunInTx(ctx, func(tx *LockedTx) error {
		var err error
		result, err = s.transferTx(ctx, tx, senderAccountID, recipientRoutingNumber, amount)
		return err
	})
	if err != nil {
		metrics.Transfers.WithLabelValues(transferOutcome(err)).Inc()
		if errors.Is(err, ErrTransient) {
			s.logger.Warn("transfer aborted by transient store failure",
				zap.String("sender_account_id", senderAccountID),
				zap.Error(err))
		}
		return nil, err
	}

	metrics.Transfers.WithLabelValues("success").Inc()
	metrics.TransferredAmount.Add(float64(amount))
	s.audit.LogTransfer(result.TransferID, result.Debit.AccountID, result.Credit.AccountID, amount, "SUCCESS")
	s.publish(ctx, events.Event{
		Type:       events.TypeTransferCompleted,
		AccountID:  result.Debit.AccountID,
		Amount:     amount,
		TransferID: result.TransferID,
	})
	return result, nil
}

func (s *TransferService) transferTx(ctx context.Context, tx *LockedTx, senderID, recipientRoutingNumber string, amount money.Amount) (*models.TransferResult, error) {
	// Routing number is immutable once assigned, so resolving it before
	// taking locks is safe.
	recipient, err := s.store.FindByRoutingNumber(ctx, tx, recipientRoutingNumber)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	if recipient.ID == senderID {
		return nil, ErrSelfTransfer
	}

	if err := s.store.LockAccounts(ctx, tx, senderID, recipient.ID); err != nil {
		var missing *MissingAccountError
		if errors.As(err, &missing) {
			if missing.AccountID == senderID {
				return nil, ErrSenderNotFound
			}
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	sender, _ := tx.Account(senderID)

	if err := s.store.DebitAccount(ctx, tx, senderID, amount); err != nil {
		return nil, err
	}
	if err := s.store.CreditAccount(ctx, tx, recipient.ID, amount); err != nil {
		return nil, err
	}

	transferID := uuid.NewString()
	debit := models.LedgerEntry{
		AccountID:                 senderID,
		Kind:                      models.EntryKindTransferOut,
		Amount:                    amount,
		Status:                    models.EntryStatusSuccess,
		CounterpartyRoutingNumber: models.StringPtr(recipient.RoutingNumber),
		Metadata:                  models.Metadata{"transfer_id": transferID},
	}
	if err := s.store.InsertEntry(ctx, tx, &debit); err != nil {
		return nil, err
	}

	credit := models.LedgerEntry{
		AccountID:                 recipient.ID,
		Kind:                      models.EntryKindTransferIn,
		Amount:                    amount,
		Status:                    models.EntryStatusSuccess,
		CounterpartyRoutingNumber: models.StringPtr(sender.RoutingNumber),
		Metadata:                  models.Metadata{"transfer_id": transferID},
	}
	if err := s.store.InsertEntry(ctx, tx, &credit); err != nil {
		return nil, err
	}

	return &models.TransferResult{
		TransferID:    transferID,
		Amount:        amount,
		SenderBalance: sender.Balance,
		Debit:         debit,
		Credit:        credit,
	}, nil
}

func (s *TransferService) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish wallet event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

func transferOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, ErrSenderNotFound), errors.Is(err, ErrRecipientNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
