package handlers

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ruralpay/wallet/internal/models"
	"github.com/ruralpay/wallet/internal/money"
)

type MockWallets struct {
	mock.Mock
}

func (m *MockWallets) CreateWallet(ctx context.Context, ownerID string) (*models.Account, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockWallets) FindByOwner(ctx context.Context, ownerID string) (*models.Account, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockWallets) GetBalance(ctx context.Context, accountID string) (money.Amount, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(money.Amount), args.Error(1)
}

func (m *MockWallets) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, accountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LedgerEntry), args.Error(1)
}

type MockTransfers struct {
	mock.Mock
}

func (m *MockTransfers) Transfer(ctx context.Context, senderAccountID, recipientRoutingNumber string, amount money.Amount) (*models.TransferResult, error) {
	args := m.Called(ctx, senderAccountID, recipientRoutingNumber, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TransferResult), args.Error(1)
}

type MockDeposits struct {
	mock.Mock
}

func (m *MockDeposits) InitiateDeposit(ctx context.Context, accountID, payerEmail string, amount money.Amount) (*models.DepositIntent, error) {
	args := m.Called(ctx, accountID, payerEmail, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DepositIntent), args.Error(1)
}

func (m *MockDeposits) DepositStatus(ctx context.Context, accountID, reference string) (*models.LedgerEntry, error) {
	args := m.Called(ctx, accountID, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockDeposits) VerifyDeposit(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockDeposits) ReconcileConfirmation(ctx context.Context, reference string, confirmedAmount money.Amount) error {
	args := m.Called(ctx, reference, confirmedAmount)
	return args.Error(0)
}

func (m *MockDeposits) FailDeposit(ctx context.Context, reference, reason string) error {
	args := m.Called(ctx, reference, reason)
	return args.Error(0)
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) VerifySignature(rawPayload []byte, signature string) bool {
	args := m.Called(rawPayload, signature)
	return args.Bool(0)
}
