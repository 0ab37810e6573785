package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruralpay/wallet/internal/audit"
	"github.com/ruralpay/wallet/internal/events"
	"github.com/ruralpay/wallet/internal/models"
	"github.com/ruralpay/wallet/internal/money"
)

func newTestTransferService(t *testing.T) (*TransferService, sqlmock.Sqlmock, *MockPublisher) {
	t.Helper()
	store, mock := newTestStore(t)
	publisher := new(MockPublisher)
	svc := NewTransferService(store, nil, 100, publisher, audit.NewLogger(zap.NewNop()), zap.NewNop())
	return svc, mock, publisher
}

func expectRecipientLookup(mock sqlmock.Sqlmock, routing, id, owner string, balance int64) {
	mock.ExpectQuery(`FROM accounts WHERE routing_number = \$1`).
		WithArgs(routing).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(id, owner, routing, balance, fixedNow, fixedNow))
}

func TestTransferService_Transfer(t *testing.T) {
	t.Run("successful transfer", func(t *testing.T) {
		svc, dbMock, publisher := newTestTransferService(t)

		dbMock.ExpectBegin()
		expectLockTimeout(dbMock)
		expectRecipientLookup(dbMock, "1000000002", "acct-b", "owner-b", 0)
		expectLockAccount(dbMock, "acct-a", "owner-a", "1000000001", 10000)
		expectLockAccount(dbMock, "acct-b", "owner-b", "1000000002", 0)
		dbMock.ExpectExec(`UPDATE accounts SET balance = balance - \$1`).
			WithArgs(int64(2500), sqlmock.AnyArg(), "acct-a").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(`UPDATE accounts SET balance = balance \+ \$1`).
			WithArgs(int64(2500), sqlmock.AnyArg(), "acct-b").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(`INSERT INTO ledger_entries`).
			WithArgs(sqlmock.AnyArg(), "acct-a", "transfer_out", int64(2500), "success", nil, "1000000002", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(`INSERT INTO ledger_entries`).
			WithArgs(sqlmock.AnyArg(), "acct-b", "transfer_in", int64(2500), "success", nil, "1000000001", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
			return e.Type == events.TypeTransferCompleted && e.AccountID == "acct-a" && e.Amount == 2500
		})).Return(nil).Once()

		result, err := svc.Transfer(context.Background(), "acct-a", "1000000002", 2500)
		require.NoError(t, err)
		assert.Equal(t, money.Amount(7500), result.SenderBalance)
		assert.Equal(t, models.EntryKindTransferOut, result.Debit.Kind)
		assert.Equal(t, models.EntryKindTransferIn, result.Credit.Kind)
		assert.Equal(t, result.TransferID, result.Debit.Metadata["transfer_id"])
		assert.Equal(t, result.TransferID, result.Credit.Metadata["transfer_id"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
		publisher.AssertExpectations(t)
	})

	t.Run("locks by id even when sender sorts last", func(t *testing.T) {
		svc, dbMock, publisher := newTestTransferService(t)

		dbMock.ExpectBegin()
		expectLockTimeout(dbMock)
		expectRecipientLookup(dbMock, "1000000001", "acct-a", "owner-a", 0)
		expectLockAccount(dbMock, "acct-a", "owner-a", "1000000001", 0)
		expectLockAccount(dbMock, "acct-z", "owner-z", "1000000009", 5000)
		dbMock.ExpectExec(`UPDATE accounts SET balance = balance - \$1`).
			WithArgs(int64(1000), sqlmock.AnyArg(), "acct-z").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(`UPDATE accounts SET balance = balance \+ \$1`).
			WithArgs(int64(1000), sqlmock.AnyArg(), "acct-a").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(`INSERT INTO ledger_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(`INSERT INTO ledger_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

		result, err := svc.Transfer(context.Background(), "acct-z", "1000000001", 1000)
		require.NoError(t, err)
		assert.Equal(t, money.Amount(4000), result.SenderBalance)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("insufficient funds leaves balances untouched", func(t *testing.T) {
		svc, dbMock, publisher := newTestTransferService(t)

		dbMock.ExpectBegin()
		expectLockTimeout(dbMock)
		expectRecipientLookup(dbMock, "1000000002", "acct-b", "owner-b", 0)
		expectLockAccount(dbMock, "acct-a", "owner-a", "1000000001", 1000)
		expectLockAccount(dbMock, "acct-b", "owner-b", "1000000002", 0)
		dbMock.ExpectRollback()

		_, err := svc.Transfer(context.Background(), "acct-a", "1000000002", 2500)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("self transfer", func(t *testing.T) {
		svc, dbMock, _ := newTestTransferService(t)

		dbMock.ExpectBegin()
		expectLockTimeout(dbMock)
		expectRecipientLookup(dbMock, "1000000001", "acct-a", "owner-a", 10000)
		dbMock.ExpectRollback()

		_, err := svc.Transfer(context.Background(), "acct-a", "1000000001", 500)
		assert.ErrorIs(t, err, ErrSelfTransfer)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown recipient", func(t *testing.T) {
		svc, dbMock, _ := newTestTransferService(t)

		dbMock.ExpectBegin()
		expectLockTimeout(dbMock)
		dbMock.ExpectQuery(`FROM accounts WHERE routing_number = \$1`).
			WithArgs("9999999999").
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectRollback()

		_, err := svc.Transfer(context.Background(), "acct-a", "9999999999", 500)
		assert.ErrorIs(t, err, ErrRecipientNotFound)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown sender", func(t *testing.T) {
		svc, dbMock, _ := newTestTransferService(t)

		dbMock.ExpectBegin()
		expectLockTimeout(dbMock)
		expectRecipientLookup(dbMock, "1000000002", "acct-b", "owner-b", 0)
		dbMock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs("acct-0").
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectRollback()

		_, err := svc.Transfer(context.Background(), "acct-0", "1000000002", 500)
		assert.ErrorIs(t, err, ErrSenderNotFound)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("validation happens before the store is touched", func(t *testing.T) {
		svc, dbMock, _ := newTestTransferService(t)

		_, err := svc.Transfer(context.Background(), "acct-a", "1000000002", 99)
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = svc.Transfer(context.Background(), "acct-a", "1000000002", -500)
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = svc.Transfer(context.Background(), "acct-a", "0123456789", 500)
		assert.ErrorIs(t, err, ErrInvalidRoutingNumber)

		_, err = svc.Transfer(context.Background(), "acct-a", "12345", 500)
		assert.ErrorIs(t, err, ErrInvalidRoutingNumber)

		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("failed entry insert rolls back both legs", func(t *testing.T) {
		svc, dbMock, _ := newTestTransferService(t)

		dbMock.ExpectBegin()
		expectLockTimeout(dbMock)
		expectRecipientLookup(dbMock, "1000000002", "acct-b", "owner-b", 0)
		expectLockAccount(dbMock, "acct-a", "owner-a", "1000000001", 10000)
		expectLockAccount(dbMock, "acct-b", "owner-b", "1000000002", 0)
		dbMock.ExpectExec(`UPDATE accounts SET balance = balance - \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(`UPDATE accounts SET balance = balance \+ \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(`INSERT INTO ledger_entries`).WillReturnError(sql.ErrConnDone)
		dbMock.ExpectRollback()

		_, err := svc.Transfer(context.Background(), "acct-a", "1000000002", 2500)
		assert.Error(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestTransferService_RateLimited(t *testing.T) {
	store, dbMock := newTestStore(t)
	client, redisMock := redismock.NewClientMock()
	limiter := NewRateLimiter(client, 1, time.Minute, zap.NewNop())
	svc := NewTransferService(store, limiter, 100, new(MockPublisher), audit.NewLogger(zap.NewNop()), zap.NewNop())

	redisMock.ExpectIncr("wallet:ratelimit:transfer:acct-a").SetVal(2)

	_, err := svc.Transfer(context.Background(), "acct-a", "1000000002", 2500)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NoError(t, redisMock.ExpectationsWereMet())
	assert.NoError(t, dbMock.ExpectationsWereMet())
}
