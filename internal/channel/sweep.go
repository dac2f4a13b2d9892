package channel

import (
	"context"
	"fmt"

	"clearnode/internal/custody"
	"clearnode/internal/lock"
	"clearnode/internal/metrics"
	"clearnode/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// SweepStale flags channels that stayed joining past the join timeout and,
// with auto-challenge on, forces their last state on-chain. It returns the
// number of stale channels found.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.JoinDeadline())
	stale, err := s.store.Channels().FindStale(ctx, models.ChannelStatusJoining, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale channels: %w", err)
	}
	metrics.StaleChannels.Set(float64(len(stale)))

	for _, ch := range stale {
		log := s.logger.WithFields(logrus.Fields{
			"channel_id": ch.ChannelID,
			"wallet":     ch.Wallet,
			"since":      ch.UpdatedAt,
		})
		log.Warn("⏳ Channel stuck joining")

		if !s.cfg.AutoChallenge {
			continue
		}
		challenger, ok := s.challenger(ch.ChainID)
		if !ok {
			continue
		}
		if err := s.challenge(ctx, challenger, ch); err != nil {
			log.WithError(err).Error("❌ Auto-challenge failed")
			continue
		}
	}
	return len(stale), nil
}

func (s *Service) challenge(ctx context.Context, challenger Challenger, stale *models.Channel) error {
	unlock := s.locks.Lock(lock.ChannelKey(stale.ChannelID))
	defer unlock()

	ch, err := s.store.Channels().GetByID(ctx, stale.ChannelID)
	if err != nil {
		return err
	}
	if ch.Status != models.ChannelStatusJoining {
		return nil
	}
	last, err := ch.LastState()
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("channel %s has no state to challenge with", ch.ChannelID)
	}

	candidate, err := custody.FromModel(last)
	if err != nil {
		return err
	}
	channelID := common.HexToHash(ch.ChannelID)
	hash, err := custody.StateHash(channelID, candidate)
	if err != nil {
		return err
	}
	sig, err := s.signer.Sign(hash.Bytes())
	if err != nil {
		return err
	}
	candidate.Sigs = [][]byte{sig}

	tx, err := challenger.Challenge(ctx, channelID, candidate, nil, sig)
	if err != nil {
		return err
	}

	// touch the row so the next sweep waits another join timeout
	if err := s.store.Channels().Update(ctx, ch); err != nil {
		return fmt.Errorf("failed to record challenge: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"channel_id": ch.ChannelID,
		"tx":         tx.Hash().Hex(),
	}).Info("⚔️ Auto-challenge submitted")
	return nil
}
