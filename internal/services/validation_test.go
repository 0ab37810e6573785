package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	WalletNumber string `json:"wallet_number" validate:"required,len=10,numeric"`
}

func TestValidationHelper_DecodeJSON(t *testing.T) {
	vh := NewValidationHelper()

	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"wallet_number":"1000000002"}`, false},
		{"unknown field", `{"wallet_number":"1000000002","extra":1}`, true},
		{"two objects", `{"wallet_number":"1000000002"}{}`, true},
		{"fails validation", `{"wallet_number":"12"}`, true},
		{"not json", `wallet`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst sampleRequest
			err := vh.DecodeJSON(httptest.NewRecorder(), req, &dst)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, "1000000002", dst.WalletNumber)
		})
	}
}

func TestSendErrorResponse_ValidationDetails(t *testing.T) {
	vh := NewValidationHelper()
	err := vh.ValidateStruct(&sampleRequest{WalletNumber: "12"})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	SendErrorResponse(rec, "Validation failed", http.StatusBadRequest, err)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", resp.Error)
	assert.Contains(t, resp.Details["WalletNumber"], "len")
}

func TestSendErrorResponse_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	SendErrorResponse(rec, "boom", http.StatusInternalServerError, assert.AnError)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Details)
}
