package handlers

import (
	"errors"
	"net/http"

	"github.com/ruralpay/wallet/internal/money"
	"github.com/ruralpay/wallet/internal/services"
)

// statusFor maps a service error onto the status code and message sent to
// the client. Unknown errors are reported as 500 without their text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidRoutingNumber),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrAmountPrecision),
		errors.Is(err, money.ErrAmountOverflow):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrSenderNotFound),
		errors.Is(err, services.ErrRecipientNotFound),
		errors.Is(err, services.ErrAccountNotFound),
		errors.Is(err, services.ErrUnknownReference):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, services.ErrInsufficientFunds),
		errors.Is(err, services.ErrSelfTransfer):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, services.ErrWalletExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, services.ErrTransient):
		return http.StatusServiceUnavailable, "Service temporarily unavailable, please retry"
	case errors.Is(err, services.ErrGateway):
		return http.StatusBadGateway, "Payment gateway unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func sendServiceError(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	services.SendErrorResponse(w, msg, code, nil)
}
