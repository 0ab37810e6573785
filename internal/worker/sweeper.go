package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DepositExpirer fails pending deposits older than the given age.
type DepositExpirer interface {
	ExpireStaleDeposits(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper periodically expires deposits whose payer never completed checkout.
type Sweeper struct {
	deposits     DepositExpirer
	interval     time.Duration
	pendingTTL   time.Duration
	sweepTimeout time.Duration
	logger       *zap.Logger

	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
	done           chan struct{}
}

func NewSweeper(deposits DepositExpirer, interval, pendingTTL time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	sweepTimeout := interval
	if sweepTimeout > time.Minute {
		sweepTimeout = time.Minute
	}
	return &Sweeper{
		deposits:       deposits,
		interval:       interval,
		pendingTTL:     pendingTTL,
		sweepTimeout:   sweepTimeout,
		logger:         logger.Named("sweeper"),
		shutdownSignal: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting deposit sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("pending_ttl", s.pendingTTL))
	ticker := time.NewTicker(s.interval)

	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-s.shutdownSignal:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownSignal)
	})
	<-s.done
	s.logger.Info("Deposit sweeper stopped")
}

func (s *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.sweepTimeout)
	defer cancel()

	expired, err := s.deposits.ExpireStaleDeposits(sweepCtx, s.pendingTTL)
	if err != nil {
		s.logger.Error("Failed to expire stale deposits", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("Expired stale deposits", zap.Int("count", expired))
	}
}
