package channel

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"clearnode/internal/custody"
	"clearnode/internal/ledger"
	"clearnode/internal/lock"
	"clearnode/internal/metrics"
	"clearnode/internal/models"
	"clearnode/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// HandleEvent applies one custody event. Replayed events are ignored, so the
// watcher and the NATS relay may both deliver the same log.
func (s *Service) HandleEvent(ctx context.Context, ev *custody.Event) error {
	switch ev.Kind {
	case custody.EventCreated:
		return s.onCreated(ctx, ev)
	case custody.EventOpened:
		return s.onOpened(ctx, ev)
	case custody.EventResized:
		return s.onResized(ctx, ev)
	case custody.EventClosed:
		return s.onClosed(ctx, ev)
	case custody.EventChallenged:
		return s.onChallenged(ctx, ev)
	case custody.EventCheckpointed:
		return s.onCheckpointed(ctx, ev)
	default:
		return fmt.Errorf("%w: %s", custody.ErrUnknownEvent, ev.Kind)
	}
}

func (s *Service) eventLogger(ev *custody.Event) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"event":      ev.Kind,
		"channel_id": ev.ChannelID.Hex(),
		"chain_id":   ev.ChainID,
		"block":      ev.BlockNumber,
	})
}

func (s *Service) onCreated(ctx context.Context, ev *custody.Event) error {
	log := s.eventLogger(ev)
	if ev.Channel == nil || ev.State == nil {
		return fmt.Errorf("%s without channel or state", ev.Kind)
	}
	if len(ev.Channel.Participants) != 2 || ev.Channel.Participants[1] != s.signer.Address() {
		log.Debug("Channel not served by this broker, skipped")
		return nil
	}
	if len(ev.State.Allocations) != 2 {
		log.Warn("⚠️ Created channel without two allocations, skipped")
		return nil
	}
	userAlloc := ev.State.Allocations[0]
	asset, err := s.assets.ByToken(ev.ChainID, userAlloc.Token)
	if err != nil {
		log.WithField("token", userAlloc.Token.Hex()).Warn("⚠️ Created channel for unsupported token, skipped")
		return nil
	}
	raw := userAlloc.Amount
	if raw == nil {
		raw = new(big.Int)
	}

	channelID := ev.ChannelID.Hex()
	wallet := ev.Channel.Participants[0].Hex()
	ch := &models.Channel{
		ChannelID:   channelID,
		ChainID:     ev.ChainID,
		Wallet:      wallet,
		Broker:      s.signer.Address().Hex(),
		Adjudicator: ev.Channel.Adjudicator.Hex(),
		Token:       userAlloc.Token.Hex(),
		Asset:       asset.Symbol,
		Challenge:   ev.Channel.Challenge,
		Nonce:       ev.Channel.Nonce,
		Status:      models.ChannelStatusJoining,
		RawAmount:   decimal.NewFromBigInt(raw, 0),
	}
	initial := custody.ToModel(*ev.State)
	ch.Version = initial.Version
	if err := ch.SetLastState(initial); err != nil {
		return err
	}

	unlock := s.locks.Lock(lock.ChannelKey(channelID))
	defer unlock()

	err = s.store.Channels().Create(ctx, ch)
	if errors.Is(err, repository.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to store channel: %w", err)
	}

	metrics.ChannelTransitions.WithLabelValues(string(ch.Status)).Inc()
	log.WithFields(logrus.Fields{"wallet": wallet, "amount": raw.String()}).Info("🆕 Channel joining")
	s.publish(ctx, ch, false)
	return nil
}

// transition runs fn on the stored channel under the channel and wallet locks.
// fn returns false when the event does not apply to the current status.
func (s *Service) transition(ctx context.Context, ev *custody.Event, fn func(st repository.Store, ch *models.Channel) (bool, error)) (*models.Channel, bool, error) {
	channelID := ev.ChannelID.Hex()
	current, err := s.store.Channels().GetByID(ctx, channelID)
	if errors.Is(err, repository.ErrNotFound) {
		s.eventLogger(ev).Debug("Event for unknown channel, skipped")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load channel: %w", err)
	}

	unlock := s.locks.Lock(lock.ChannelKey(channelID), lock.WalletKey(current.Wallet))
	defer unlock()

	var (
		ch      *models.Channel
		applied bool
	)
	err = s.store.Tx(ctx, func(st repository.Store) error {
		ch, err = st.Channels().GetByID(ctx, channelID)
		if err != nil {
			return err
		}
		applied, err = fn(st, ch)
		if err != nil || !applied {
			return err
		}
		return st.Channels().Update(ctx, ch)
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		metrics.ChannelTransitions.WithLabelValues(string(ch.Status)).Inc()
	}
	return ch, applied, nil
}

func (s *Service) onOpened(ctx context.Context, ev *custody.Event) error {
	ch, applied, err := s.transition(ctx, ev, func(st repository.Store, ch *models.Channel) (bool, error) {
		if ch.Status != models.ChannelStatusJoining {
			return false, nil
		}
		ch.Status = models.ChannelStatusOpen
		if raw := ch.Raw(); raw.Sign() > 0 {
			amount, err := s.toLedger(ch, raw)
			if err != nil {
				return false, err
			}
			if _, err := ledger.Record(ctx, st, models.TransactionTypeDeposit,
				ledger.CustodyAccount(ch.Wallet), ledger.WalletAccount(ch.Wallet), ch.Asset, amount); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil || !applied {
		return err
	}
	s.eventLogger(ev).WithField("amount", ch.RawAmount.String()).Info("✅ Channel opened")
	s.publish(ctx, ch, true)
	return nil
}

func (s *Service) onResized(ctx context.Context, ev *custody.Event) error {
	var delta *big.Int
	ch, applied, err := s.transition(ctx, ev, func(st repository.Store, ch *models.Channel) (bool, error) {
		if ch.Status == models.ChannelStatusClosed {
			return false, nil
		}
		pending, err := ch.Pending()
		if err != nil {
			return false, err
		}

		raw := ch.Raw()
		newRaw := new(big.Int)
		switch {
		case pending != nil && pending.Intent == models.ChannelIntentResize:
			if delta, err = pendingResize(pending); err != nil {
				return false, err
			}
			if newRaw, err = pending.Allocations[0].AmountInt(); err != nil {
				return false, err
			}
			ch.Version = pending.Version
			pending.ServerSignature = ""
			if err := ch.SetLastState(pending); err != nil {
				return false, err
			}
		case len(ev.Deltas) > 0:
			// resized without a state prepared here: trust the contract deltas
			delta = ev.Deltas[0]
			newRaw.Add(raw, delta)
			ch.Version++
		default:
			return false, nil
		}
		if newRaw.Sign() < 0 {
			return false, fmt.Errorf("channel %s: resize leaves negative amount", ch.ChannelID)
		}
		ch.RawAmount = decimal.NewFromBigInt(newRaw, 0)
		if err := ch.SetPending(nil); err != nil {
			return false, err
		}

		if delta.Sign() != 0 {
			amount, err := s.toLedger(ch, new(big.Int).Abs(delta))
			if err != nil {
				return false, err
			}
			txType, from, to := models.TransactionTypeDeposit, ledger.CustodyAccount(ch.Wallet), ledger.WalletAccount(ch.Wallet)
			if delta.Sign() < 0 {
				txType, from, to = models.TransactionTypeWithdrawal, ledger.WalletAccount(ch.Wallet), ledger.CustodyAccount(ch.Wallet)
			}
			if _, err := ledger.Record(ctx, st, txType, from, to, ch.Asset, amount); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil || !applied {
		return err
	}
	s.eventLogger(ev).WithFields(logrus.Fields{
		"amount":  ch.RawAmount.String(),
		"delta":   delta.String(),
		"version": ch.Version,
	}).Info("📐 Channel resized")
	s.publish(ctx, ch, delta.Sign() != 0)
	return nil
}

// pendingResize returns the custody side of a pending resize.
func pendingResize(pending *models.ChannelState) (*big.Int, error) {
	if len(pending.Allocations) == 0 {
		return nil, fmt.Errorf("pending resize without allocations")
	}
	resize, ok := new(big.Int).SetString(pending.ResizeAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid pending resize amount %q", pending.ResizeAmount)
	}
	return resize, nil
}

func (s *Service) onClosed(ctx context.Context, ev *custody.Event) error {
	var released decimal.Decimal
	ch, applied, err := s.transition(ctx, ev, func(st repository.Store, ch *models.Channel) (bool, error) {
		if ch.Status == models.ChannelStatusClosed {
			return false, nil
		}

		var final *models.ChannelState
		if ev.State != nil {
			final = custody.ToModel(*ev.State)
		} else {
			pending, err := ch.Pending()
			if err != nil {
				return false, err
			}
			if pending == nil {
				return false, fmt.Errorf("channel %s closed without a final state", ch.ChannelID)
			}
			final = pending
		}

		userAmount := new(big.Int)
		for _, a := range final.Allocations {
			if a.Destination == ch.Broker {
				continue
			}
			v, err := a.AmountInt()
			if err != nil {
				return false, err
			}
			userAmount.Add(userAmount, v)
		}

		if userAmount.Sign() > 0 {
			amount, err := s.toLedger(ch, userAmount)
			if err != nil {
				return false, err
			}
			available, err := ledger.Balance(ctx, st, ledger.WalletAccount(ch.Wallet), ch.Asset)
			if err != nil {
				return false, err
			}
			if available.LessThan(amount) {
				s.eventLogger(ev).WithFields(logrus.Fields{
					"final":     amount.String(),
					"available": available.String(),
				}).Error("❌ Unified balance short of closed allocation")
				amount = decimal.Max(available, decimal.Zero)
			}
			if amount.IsPositive() {
				if _, err := ledger.Record(ctx, st, models.TransactionTypeWithdrawal,
					ledger.WalletAccount(ch.Wallet), ledger.CustodyAccount(ch.Wallet), ch.Asset, amount); err != nil {
					return false, err
				}
			}
			released = amount
		}

		ch.Status = models.ChannelStatusClosed
		ch.PreviousStatus = ""
		ch.Version = final.Version
		ch.RawAmount = decimal.Zero
		if err := ch.SetLastState(final); err != nil {
			return false, err
		}
		return true, ch.SetPending(nil)
	})
	if err != nil || !applied {
		return err
	}
	s.eventLogger(ev).WithFields(logrus.Fields{
		"released": released.String(),
		"version":  ch.Version,
	}).Info("🔒 Channel closed")
	s.publish(ctx, ch, released.IsPositive())
	return nil
}

func (s *Service) onChallenged(ctx context.Context, ev *custody.Event) error {
	ch, applied, err := s.transition(ctx, ev, func(st repository.Store, ch *models.Channel) (bool, error) {
		if ch.Status == models.ChannelStatusClosed || ch.Status == models.ChannelStatusChallenged {
			return false, nil
		}
		ch.PreviousStatus = ch.Status
		ch.Status = models.ChannelStatusChallenged
		if ev.State != nil && ev.State.Version != nil && ev.State.Version.Uint64() > ch.Version {
			ch.Version = ev.State.Version.Uint64()
		}
		return true, nil
	})
	if err != nil || !applied {
		return err
	}
	fields := logrus.Fields{"previous": ch.PreviousStatus}
	if ev.Expiration != nil {
		fields["expiration"] = ev.Expiration.String()
	}
	s.eventLogger(ev).WithFields(fields).Warn("⚔️ Channel challenged")
	s.publish(ctx, ch, false)
	return nil
}

func (s *Service) onCheckpointed(ctx context.Context, ev *custody.Event) error {
	ch, applied, err := s.transition(ctx, ev, func(st repository.Store, ch *models.Channel) (bool, error) {
		if ch.Status == models.ChannelStatusClosed {
			return false, nil
		}
		if ch.Status == models.ChannelStatusChallenged {
			ch.Status = ch.PreviousStatus
			if ch.Status == "" {
				ch.Status = models.ChannelStatusOpen
			}
			ch.PreviousStatus = ""
		}
		if ev.State != nil && ev.State.Version != nil {
			if v := ev.State.Version.Uint64(); v > ch.Version {
				ch.Version = v
				if err := ch.SetLastState(custody.ToModel(*ev.State)); err != nil {
					return false, err
				}
			}
		}
		return true, nil
	})
	if err != nil || !applied {
		return err
	}
	s.eventLogger(ev).WithField("status", ch.Status).Info("📌 Channel checkpointed")
	s.publish(ctx, ch, false)
	return nil
}
