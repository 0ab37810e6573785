package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingExpirer struct {
	calls atomic.Int32
	ttl   atomic.Int64
	err   error
}

func (c *countingExpirer) ExpireStaleDeposits(ctx context.Context, olderThan time.Duration) (int, error) {
	c.calls.Add(1)
	c.ttl.Store(int64(olderThan))
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("sweep ran without a deadline")
	}
	return 2, c.err
}

func TestSweeper_RunsUntilStopped(t *testing.T) {
	expirer := &countingExpirer{}
	s := NewSweeper(expirer, 10*time.Millisecond, 24*time.Hour, zap.NewNop())

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return expirer.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, int64(24*time.Hour), expirer.ttl.Load())
	calls := expirer.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, expirer.calls.Load())
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	expirer := &countingExpirer{err: errors.New("db down")}
	s := NewSweeper(expirer, 10*time.Millisecond, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return expirer.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	s.Stop()
	s.Stop()
}
