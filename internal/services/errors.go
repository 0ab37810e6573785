package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// caller input
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidRoutingNumber = errors.New("invalid routing number")

	// not found
	ErrAccountNotFound   = errors.New("account not found")
	ErrSenderNotFound    = errors.New("sender account not found")
	ErrRecipientNotFound = errors.New("recipient account not found")
	ErrUnknownReference  = errors.New("unknown deposit reference")

	// business rules
	ErrSelfTransfer      = errors.New("cannot transfer to own account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAmountMismatch    = errors.New("confirmed amount does not match recorded amount")
	ErrDepositFinalized  = errors.New("deposit already finalized")
	ErrWalletExists      = errors.New("wallet already exists for owner")
	ErrRateLimited       = errors.New("rate limit exceeded")

	// infrastructure
	ErrGateway                = errors.New("payment gateway error")
	ErrTransient              = errors.New("transient store failure")
	ErrAccountNotLocked       = errors.New("account not locked in this transaction")
	ErrRoutingNumberExhausted = errors.New("could not allocate a unique routing number")
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqQueryCanceled        = "57014"
	pqInvalidTextRepr      = "22P02"
)

// classifyStoreError wraps lock timeouts, deadlocks and connectivity faults in
// ErrTransient so callers can decide to retry the whole operation.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable, pqQueryCanceled:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return err
}

// isMalformedID reports whether Postgres rejected an id parameter that is not
// a valid uuid. Such an id cannot name any row.
func isMalformedID(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == pqInvalidTextRepr
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pq.Error
	if !errors.As(err, &pgErr) || pgErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.Constraint == constraint
}
