package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	mW "github.com/ruralpay/wallet/internal/middleware"
	"github.com/ruralpay/wallet/internal/models"
	"github.com/ruralpay/wallet/internal/money"
	"github.com/ruralpay/wallet/internal/services"
)

// Wallets is the account side of the store used by the handlers.
type Wallets interface {
	CreateWallet(ctx context.Context, ownerID string) (*models.Account, error)
	FindByOwner(ctx context.Context, ownerID string) (*models.Account, error)
	GetBalance(ctx context.Context, accountID string) (money.Amount, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
}

type Transfers interface {
	Transfer(ctx context.Context, senderAccountID, recipientRoutingNumber string, amount money.Amount) (*models.TransferResult, error)
}

type Deposits interface {
	InitiateDeposit(ctx context.Context, accountID, payerEmail string, amount money.Amount) (*models.DepositIntent, error)
	DepositStatus(ctx context.Context, accountID, reference string) (*models.LedgerEntry, error)
	VerifyDeposit(ctx context.Context, reference string) (*models.LedgerEntry, error)
	ReconcileConfirmation(ctx context.Context, reference string, confirmedAmount money.Amount) error
	FailDeposit(ctx context.Context, reference, reason string) error
}

type WalletHandler struct {
	wallets   Wallets
	transfers Transfers
	deposits  Deposits
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewWalletHandler(wallets Wallets, transfers Transfers, deposits Deposits, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{
		wallets:   wallets,
		transfers: transfers,
		deposits:  deposits,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("wallet_handler"),
	}
}

type walletResponse struct {
	WalletNumber string       `json:"wallet_number"`
	Balance      money.Amount `json:"balance"`
	Formatted    string       `json:"balance_formatted"`
}

func newWalletResponse(routingNumber string, balance money.Amount) walletResponse {
	return walletResponse{
		WalletNumber: routingNumber,
		Balance:      balance,
		Formatted:    balance.String(),
	}
}

// CreateWallet creates the caller's wallet
// @Summary Create wallet
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 201 {object} walletResponse
// @Success 200 {object} walletResponse "Wallet already exists"
// @Router /wallet [post]
func (h *WalletHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	principal, ok := mW.PrincipalFrom(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := h.wallets.CreateWallet(r.Context(), principal.OwnerID)
	switch {
	case errors.Is(err, services.ErrWalletExists):
		services.SendJSON(w, http.StatusOK, newWalletResponse(account.RoutingNumber, account.Balance))
		return
	case err != nil:
		h.logger.Error("create wallet failed", zap.String("owner_id", principal.OwnerID), zap.Error(err))
		sendServiceError(w, err)
		return
	}

	h.logger.Info("wallet created", zap.String("owner_id", principal.OwnerID), zap.String("account_id", account.ID))
	services.SendJSON(w, http.StatusCreated, newWalletResponse(account.RoutingNumber, account.Balance))
}

// Balance returns the caller's current balance
// @Summary Wallet balance
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} walletResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/balance [get]
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account, ok := h.callerAccount(w, r)
	if !ok {
		return
	}

	balance, err := h.wallets.GetBalance(r.Context(), account.ID)
	if err != nil {
		h.logger.Error("balance read failed", zap.String("account_id", account.ID), zap.Error(err))
		sendServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, newWalletResponse(account.RoutingNumber, balance))
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"` // major units
}

// Deposit starts a gateway deposit into the caller's wallet
// @Summary Initiate deposit
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=number} true "Deposit amount in naira"
// @Success 201 {object} models.DepositIntent
// @Failure 400 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /wallet/deposit [post]
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	account, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	principal, _ := mW.PrincipalFrom(r.Context())

	var req depositRequest
	if err := h.validator.DecodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, err)
		return
	}
	amount, err := money.FromDecimal(req.Amount)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if principal.Email == "" {
		services.SendErrorResponse(w, "An email address is required to pay with the gateway", http.StatusBadRequest, nil)
		return
	}

	intent, err := h.deposits.InitiateDeposit(r.Context(), account.ID, principal.Email, amount)
	if err != nil {
		fields := []zap.Field{zap.String("account_id", account.ID), zap.Error(err)}
		if intent != nil {
			fields = append(fields, zap.String("reference", intent.Reference))
		}
		h.logger.Error("deposit initiation failed", fields...)
		sendServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusCreated, intent)
}

type depositStatusResponse struct {
	Reference string             `json:"reference"`
	Status    models.EntryStatus `json:"status"`
	Amount    money.Amount       `json:"amount"`
}

// DepositStatus reports the state of one of the caller's deposits
// @Summary Deposit status
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Deposit reference"
// @Success 200 {object} depositStatusResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/deposit/{reference}/status [get]
func (h *WalletHandler) DepositStatus(w http.ResponseWriter, r *http.Request) {
	account, ok := h.callerAccount(w, r)
	if !ok {
		return
	}

	reference := chi.URLParam(r, "reference")
	entry, err := h.deposits.DepositStatus(r.Context(), account.ID, reference)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, depositStatusResponse{
		Reference: reference,
		Status:    entry.Status,
		Amount:    entry.Amount,
	})
}

type transferRequest struct {
	WalletNumber string          `json:"wallet_number" validate:"required,len=10,numeric"`
	Amount       decimal.Decimal `json:"amount"` // major units
}

// Transfer moves funds from the caller's wallet to another wallet
// @Summary Wallet transfer
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{wallet_number=string,amount=number} true "Transfer request"
// @Success 200 {object} models.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /wallet/transfer [post]
func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	account, ok := h.callerAccount(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if err := h.validator.DecodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, err)
		return
	}
	amount, err := money.FromDecimal(req.Amount)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	result, err := h.transfers.Transfer(r.Context(), account.ID, req.WalletNumber, amount)
	if err != nil {
		h.logger.Info("transfer rejected",
			zap.String("account_id", account.ID),
			zap.String("recipient", req.WalletNumber),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, result)
}

// Transactions lists the caller's most recent ledger entries
// @Summary Wallet transactions
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Maximum entries (default 50, max 100)"
// @Success 200 {array} models.LedgerEntry
// @Router /wallet/transactions [get]
func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	account, ok := h.callerAccount(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			services.SendErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest, nil)
			return
		}
		limit = n
	}

	entries, err := h.wallets.ListEntries(r.Context(), account.ID, limit)
	if err != nil {
		h.logger.Error("list entries failed", zap.String("account_id", account.ID), zap.Error(err))
		sendServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	services.SendJSON(w, http.StatusOK, entries)
}

// callerAccount resolves the wallet owned by the request's principal and
// writes the error response itself when it cannot.
func (h *WalletHandler) callerAccount(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	principal, ok := mW.PrincipalFrom(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return nil, false
	}

	account, err := h.wallets.FindByOwner(r.Context(), principal.OwnerID)
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			services.SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
			return nil, false
		}
		h.logger.Error("wallet lookup failed", zap.String("owner_id", principal.OwnerID), zap.Error(err))
		sendServiceError(w, err)
		return nil, false
	}
	return account, true
}
