package channel

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"clearnode/internal/apperr"
	"clearnode/internal/custody"
	"clearnode/internal/ledger"
	"clearnode/internal/lock"
	"clearnode/internal/models"
	"clearnode/internal/repository"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// CreateRequest asks for a channel definition and initial state. Amount is in
// token base units.
type CreateRequest struct {
	Wallet  string
	ChainID uint64
	Token   string
	Amount  *big.Int
}

// ResizeRequest moves ResizeAmount between the custody deposit and the channel
// and AllocateAmount between the unified balance and the channel. Both are
// signed base-unit deltas.
type ResizeRequest struct {
	Wallet           string
	ChannelID        string
	ResizeAmount     *big.Int
	AllocateAmount   *big.Int
	FundsDestination string
}

// CloseRequest asks for the final state of a channel.
type CloseRequest struct {
	Wallet           string
	ChannelID        string
	FundsDestination string
}

// Create builds and signs the initial state of a new channel. Nothing is
// stored: the channel appears once the custody contract reports it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*SignedState, error) {
	wallet, err := utils.NormalizeAddress(req.Wallet)
	if err != nil {
		return nil, apperr.Validation("invalid wallet: %s", req.Wallet)
	}
	network, err := s.networks.NetworkByChainID(req.ChainID)
	if err != nil {
		return nil, apperr.Validation("unsupported chain: %d", req.ChainID)
	}
	if !utils.IsEvmAddress(req.Token) {
		return nil, apperr.Validation("invalid token: %s", req.Token)
	}
	token := common.HexToAddress(req.Token)
	asset, err := s.assets.ByToken(req.ChainID, token)
	if err != nil {
		return nil, apperr.Validation("unsupported token %s on chain %d", token.Hex(), req.ChainID)
	}
	deposit := req.Amount
	if deposit == nil {
		deposit = new(big.Int)
	}
	if deposit.Sign() < 0 {
		return nil, apperr.Validation("amount must not be negative")
	}

	existing, err := s.store.Channels().FindActive(ctx, wallet, req.ChainID, token.Hex())
	switch {
	case err == nil:
		return nil, apperr.State("an open channel with broker already exists: %s", existing.ChannelID)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to look up channels: %w", err)
	}

	challenge := network.ChallengePeriod
	if challenge == 0 {
		challenge = defaultChallengePeriod
	}
	broker := s.signer.Address()
	definition := custody.Channel{
		Participants: []common.Address{common.HexToAddress(wallet), broker},
		Adjudicator:  common.HexToAddress(network.Adjudicator),
		Challenge:    challenge,
		Nonce:        s.nonce(),
	}
	id, err := custody.ChannelID(definition, req.ChainID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	channelID := id.Hex()

	state := models.ChannelState{
		Intent:  models.ChannelIntentInitialize,
		Version: 0,
		Data:    "0x",
		Allocations: []models.ChannelAllocation{
			{Destination: wallet, Token: token.Hex(), Amount: deposit.String()},
			{Destination: broker.Hex(), Token: token.Hex(), Amount: "0"},
		},
	}
	sig, err := s.signState(channelID, &state)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	s.logger.WithFields(logrus.Fields{
		"channel_id": channelID,
		"wallet":     wallet,
		"chain_id":   req.ChainID,
		"asset":      asset.Symbol,
		"amount":     deposit.String(),
	}).Info("📝 Channel creation prepared")

	return &SignedState{
		ChannelID: channelID,
		Channel: &Definition{
			Participants: []string{wallet, broker.Hex()},
			Adjudicator:  definition.Adjudicator.Hex(),
			Challenge:    definition.Challenge,
			Nonce:        definition.Nonce,
		},
		State:           state,
		ServerSignature: sig,
	}, nil
}

// loadOwned loads a channel inside a transaction and checks ownership and status.
func loadOwned(ctx context.Context, st repository.Store, channelID, wallet string) (*models.Channel, error) {
	ch, err := st.Channels().GetByID(ctx, channelID)
	if err != nil {
		return nil, notFound(err, channelID)
	}
	if ch.Wallet != wallet {
		return nil, apperr.Authorization("channel %s does not belong to %s", channelID, wallet)
	}
	if ch.Status != models.ChannelStatusOpen {
		return nil, apperr.State("channel %s is %s, not open", channelID, ch.Status)
	}
	return ch, nil
}

func destinationOr(dest, wallet string) (string, error) {
	if dest == "" {
		return wallet, nil
	}
	normalized, err := utils.NormalizeAddress(dest)
	if err != nil {
		return "", apperr.Validation("invalid funds_destination: %s", dest)
	}
	return normalized, nil
}

// Resize validates a resize against the channel and the wallet's unified
// balance and returns the co-signed resize state. It is kept as pending until
// the custody contract reports ChannelResized.
func (s *Service) Resize(ctx context.Context, req ResizeRequest) (*SignedState, error) {
	wallet, err := utils.NormalizeAddress(req.Wallet)
	if err != nil {
		return nil, apperr.Validation("invalid wallet: %s", req.Wallet)
	}
	channelID, err := utils.NormalizeHash(req.ChannelID)
	if err != nil {
		return nil, apperr.Validation("invalid channel_id: %s", req.ChannelID)
	}
	resize, allocate := orZero(req.ResizeAmount), orZero(req.AllocateAmount)
	if resize.Sign() == 0 && allocate.Sign() == 0 {
		return nil, apperr.Validation("resize_amount and allocate_amount cannot both be zero")
	}
	destination, err := destinationOr(req.FundsDestination, wallet)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(lock.ChannelKey(channelID), lock.WalletKey(wallet))
	defer unlock()

	var result *SignedState
	err = s.store.Tx(ctx, func(st repository.Store) error {
		ch, err := loadOwned(ctx, st, channelID, wallet)
		if err != nil {
			return err
		}
		pending, err := ch.Pending()
		if err != nil {
			return err
		}
		if pending != nil && pending.Intent == models.ChannelIntentResize {
			return apperr.State("channel %s has a pending resize", channelID)
		}

		raw := ch.Raw()
		newAmount := new(big.Int).Add(raw, resize)
		newAmount.Add(newAmount, allocate)
		if newAmount.Sign() < 0 {
			return apperr.State("new channel amount must be non-negative")
		}

		unified, err := s.unifiedBase(ctx, st, ch)
		if err != nil {
			return err
		}
		if resize.Sign() < 0 && unified.Cmp(new(big.Int).Neg(resize)) < 0 {
			return apperr.State(ledger.MsgInsufficientUnified)
		}
		if newAmount.Cmp(new(big.Int).Add(unified, resize)) > 0 {
			return apperr.State(ledger.MsgInsufficientUnified)
		}

		data, err := custody.EncodeResizeData(resize, allocate)
		if err != nil {
			return apperr.Internal(err)
		}
		state := models.ChannelState{
			Intent:  models.ChannelIntentResize,
			Version: ch.Version + 1,
			Data:    hexutil.Encode(data),
			Allocations: []models.ChannelAllocation{
				{Destination: destination, Token: ch.Token, Amount: newAmount.String()},
				{Destination: ch.Broker, Token: ch.Token, Amount: "0"},
			},
			ResizeAmount:   resize.String(),
			AllocateAmount: allocate.String(),
		}
		sig, err := s.signState(channelID, &state)
		if err != nil {
			return apperr.Internal(err)
		}
		if err := ch.SetPending(&state); err != nil {
			return err
		}
		if err := st.Channels().Update(ctx, ch); err != nil {
			return fmt.Errorf("failed to store pending resize: %w", err)
		}
		result = &SignedState{ChannelID: channelID, State: state, ServerSignature: sig}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"channel_id": channelID,
		"resize":     resize.String(),
		"allocate":   allocate.String(),
		"version":    result.State.Version,
	}).Info("📐 Channel resize co-signed")
	return result, nil
}

// Close returns the co-signed final state. The wallet keeps at most its
// unified balance; the broker receives the rest of the locked amount.
func (s *Service) Close(ctx context.Context, req CloseRequest) (*SignedState, error) {
	wallet, err := utils.NormalizeAddress(req.Wallet)
	if err != nil {
		return nil, apperr.Validation("invalid wallet: %s", req.Wallet)
	}
	channelID, err := utils.NormalizeHash(req.ChannelID)
	if err != nil {
		return nil, apperr.Validation("invalid channel_id: %s", req.ChannelID)
	}
	destination, err := destinationOr(req.FundsDestination, wallet)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(lock.ChannelKey(channelID), lock.WalletKey(wallet))
	defer unlock()

	var result *SignedState
	err = s.store.Tx(ctx, func(st repository.Store) error {
		ch, err := loadOwned(ctx, st, channelID, wallet)
		if err != nil {
			return err
		}

		raw := ch.Raw()
		unified, err := s.unifiedBase(ctx, st, ch)
		if err != nil {
			return err
		}
		user := raw
		if unified.Cmp(raw) < 0 {
			user = unified
		}
		brokerShare := new(big.Int).Sub(raw, user)

		state := models.ChannelState{
			Intent:  models.ChannelIntentFinalize,
			Version: ch.Version + 1,
			Data:    "0x",
			Allocations: []models.ChannelAllocation{
				{Destination: destination, Token: ch.Token, Amount: user.String()},
				{Destination: ch.Broker, Token: ch.Token, Amount: brokerShare.String()},
			},
		}
		sig, err := s.signState(channelID, &state)
		if err != nil {
			return apperr.Internal(err)
		}
		if err := ch.SetPending(&state); err != nil {
			return err
		}
		if err := st.Channels().Update(ctx, ch); err != nil {
			return fmt.Errorf("failed to store pending close: %w", err)
		}
		result = &SignedState{ChannelID: channelID, State: state, ServerSignature: sig}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"channel_id": channelID,
		"user":       result.State.Allocations[0].Amount,
		"broker":     result.State.Allocations[1].Amount,
		"version":    result.State.Version,
	}).Info("🔒 Channel close co-signed")
	return result, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
