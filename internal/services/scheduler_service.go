// Scheduler Service
// Runs the clearnode control loop: housekeeping that no request triggers.
package services

import (
	"context"
	"math/big"
	"sync"
	"time"

	"clearnode/internal/metrics"
	"clearnode/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ChallengeSweeper drops expired auth challenges. *auth.Service implements it.
type ChallengeSweeper interface {
	SweepChallenges() int
	SweepSessionKeys(ctx context.Context) (int64, error)
}

// StaleSweeper flags channels stuck joining. *channel.Service implements it.
type StaleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// BalanceReader reads a native balance. *ethclient.Client implements it.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// SchedulerOptions what the control loop works on
type SchedulerOptions struct {
	Interval        time.Duration
	RecordRetention time.Duration
	Broker          common.Address
	Balances        map[string]BalanceReader // chain name -> node
}

// SchedulerService a single ticker loop
type SchedulerService struct {
	auth     ChallengeSweeper
	channels StaleSweeper
	store    repository.Store
	opts     SchedulerOptions
	logger   *logrus.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSchedulerService creates a new SchedulerService instance
func NewSchedulerService(auth ChallengeSweeper, channels StaleSweeper, store repository.Store, opts SchedulerOptions, logger *logrus.Logger) *SchedulerService {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RecordRetention <= 0 {
		opts.RecordRetention = 24 * time.Hour
	}
	return &SchedulerService{
		auth:     auth,
		channels: channels,
		store:    store,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs the loop until Stop or ctx is cancelled
func (s *SchedulerService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.WithField("interval", s.opts.Interval).Info("🚀 Scheduler service starting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				s.logger.Info("🛑 Scheduler service stopped")
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for the running tick
func (s *SchedulerService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunOnce performs one tick. Each task fails on its own.
func (s *SchedulerService) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Interval)
	defer cancel()

	if n := s.auth.SweepChallenges(); n > 0 {
		s.logger.WithField("count", n).Debug("🧹 Expired challenges removed")
	}
	if n, err := s.auth.SweepSessionKeys(ctx); err != nil {
		s.logger.WithError(err).Error("❌ Session key sweep failed")
	} else if n > 0 {
		s.logger.WithField("count", n).Info("🧹 Expired session keys removed")
	}

	cutoff := s.now().Add(-s.opts.RecordRetention)
	if n, err := s.store.Requests().Prune(ctx, cutoff); err != nil {
		s.logger.WithError(err).Error("❌ Request record prune failed")
	} else if n > 0 {
		s.logger.WithField("count", n).Debug("🧹 Old request records pruned")
	}

	if _, err := s.channels.SweepStale(ctx); err != nil {
		s.logger.WithError(err).Error("❌ Stale channel sweep failed")
	}

	s.refreshBrokerBalances(ctx)
}

func (s *SchedulerService) refreshBrokerBalances(ctx context.Context) {
	address := s.opts.Broker.Hex()
	for chain, reader := range s.opts.Balances {
		wei, err := reader.BalanceAt(ctx, s.opts.Broker, nil)
		if err != nil {
			s.logger.WithError(err).WithField("chain", chain).Warn("⚠️ Failed to read broker balance")
			continue
		}
		ether, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
		metrics.BrokerBalance.WithLabelValues(chain, address).Set(ether)
	}
}
