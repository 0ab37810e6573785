package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("first hit opens the window", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		limiter := NewRateLimiter(client, 2, time.Minute, zap.NewNop())

		mock.ExpectIncr("wallet:ratelimit:deposit:acct-1").SetVal(1)
		mock.ExpectExpire("wallet:ratelimit:deposit:acct-1", time.Minute).SetVal(true)

		assert.NoError(t, limiter.Allow(context.Background(), "deposit", "acct-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("over the limit", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		limiter := NewRateLimiter(client, 2, time.Minute, zap.NewNop())

		mock.ExpectIncr("wallet:ratelimit:transfer:acct-1").SetVal(3)

		assert.ErrorIs(t, limiter.Allow(context.Background(), "transfer", "acct-1"), ErrRateLimited)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis failure fails open", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		limiter := NewRateLimiter(client, 2, time.Minute, zap.NewNop())

		mock.ExpectIncr("wallet:ratelimit:deposit:acct-1").SetErr(errors.New("connection refused"))

		assert.NoError(t, limiter.Allow(context.Background(), "deposit", "acct-1"))
	})

	t.Run("nil client disables limiting", func(t *testing.T) {
		limiter := NewRateLimiter(nil, 1, time.Minute, zap.NewNop())
		assert.NoError(t, limiter.Allow(context.Background(), "deposit", "acct-1"))
	})
}
