// Package channel runs the custody channel lifecycle: it prepares and co-signs
// the states a wallet submits on-chain and moves channel status and unified
// balances as the matching custody events are observed.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"clearnode/internal/apperr"
	"clearnode/internal/config"
	"clearnode/internal/custody"
	"clearnode/internal/ledger"
	"clearnode/internal/lock"
	"clearnode/internal/models"
	"clearnode/internal/notify"
	"clearnode/internal/repository"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultChallengePeriod = 3600

// Networks resolves the custody deployment of a chain. *config.Config implements it.
type Networks interface {
	NetworkByChainID(chainID uint64) (*config.NetworkConfig, error)
}

// Challenger submits a challenge on-chain. *custody.Client implements it.
type Challenger interface {
	Challenge(ctx context.Context, channelID common.Hash, candidate custody.State, proofs []custody.State, challengerSig []byte) (*types.Transaction, error)
}

// Definition is the channel definition returned to the wallet on create.
type Definition struct {
	Participants []string `json:"participants"`
	Adjudicator  string   `json:"adjudicator"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// SignedState is the response of create, resize and close: a state for the
// wallet to countersign and submit to the custody contract.
type SignedState struct {
	ChannelID       string              `json:"channel_id"`
	Channel         *Definition         `json:"channel,omitempty"`
	State           models.ChannelState `json:"state"`
	ServerSignature sign.Sig            `json:"server_signature"`
}

// Service channel lifecycle service
type Service struct {
	store    repository.Store
	locks    *lock.Keyed
	assets   *utils.AssetRegistry
	networks Networks
	signer   *sign.Signer
	ledger   *ledger.Service
	notifier notify.Notifier
	cfg      config.ChannelsConfig
	logger   *logrus.Logger
	now      func() time.Time
	nonce    func() uint64

	mu          sync.RWMutex
	challengers map[uint64]Challenger
}

func NewService(
	store repository.Store,
	locks *lock.Keyed,
	assets *utils.AssetRegistry,
	networks Networks,
	signer *sign.Signer,
	ledgerService *ledger.Service,
	notifier notify.Notifier,
	cfg config.ChannelsConfig,
	logger *logrus.Logger,
) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:       store,
		locks:       locks,
		assets:      assets,
		networks:    networks,
		signer:      signer,
		ledger:      ledgerService,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		nonce:       func() uint64 { return uint64(time.Now().UnixNano()) },
		challengers: make(map[uint64]Challenger),
	}
}

// SetChallenger registers the on-chain client used for auto-challenges on chainID.
func (s *Service) SetChallenger(chainID uint64, c Challenger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challengers[chainID] = c
}

func (s *Service) challenger(chainID uint64) (Challenger, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challengers[chainID]
	return c, ok
}

// Get loads one channel.
func (s *Service) Get(ctx context.Context, channelID string) (*models.Channel, error) {
	id, err := utils.NormalizeHash(channelID)
	if err != nil {
		return nil, apperr.Validation("invalid channel_id: %s", channelID)
	}
	ch, err := s.store.Channels().GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return ch, nil
}

// List returns a wallet's channels, or every channel when wallet is empty.
func (s *Service) List(ctx context.Context, wallet string, status models.ChannelStatus, page repository.Page) ([]*models.Channel, error) {
	if wallet == "" {
		return s.store.Channels().List(ctx, status, page)
	}
	normalized, err := utils.NormalizeAddress(wallet)
	if err != nil {
		return nil, apperr.Validation("invalid participant: %s", wallet)
	}
	return s.store.Channels().FindByWallet(ctx, normalized, status)
}

// signState hashes st for channelID and attaches the broker signature.
func (s *Service) signState(channelID string, st *models.ChannelState) (sign.Sig, error) {
	onchain, err := custody.FromModel(st)
	if err != nil {
		return nil, err
	}
	hash, err := custody.StateHash(common.HexToHash(channelID), onchain)
	if err != nil {
		return nil, err
	}
	sig, err := s.signer.Sign(hash.Bytes())
	if err != nil {
		return nil, err
	}
	st.ServerSignature = sig.String()
	return sig, nil
}

func (s *Service) decimalsOf(ch *models.Channel) (uint8, error) {
	decimals, ok := s.assets.Decimals(ch.Asset)
	if !ok {
		return 0, fmt.Errorf("channel %s: unknown asset %s", ch.ChannelID, ch.Asset)
	}
	return decimals, nil
}

// unifiedBase is the wallet's unified balance of the channel asset in token base units.
func (s *Service) unifiedBase(ctx context.Context, st repository.Store, ch *models.Channel) (*big.Int, error) {
	decimals, err := s.decimalsOf(ch)
	if err != nil {
		return nil, err
	}
	balance, err := ledger.Balance(ctx, st, ledger.WalletAccount(ch.Wallet), ch.Asset)
	if err != nil {
		return nil, fmt.Errorf("failed to read unified balance: %w", err)
	}
	if balance.Sign() <= 0 {
		return new(big.Int), nil
	}
	return balance.Shift(int32(decimals)).BigInt(), nil
}

func (s *Service) toLedger(ch *models.Channel, v *big.Int) (decimal.Decimal, error) {
	decimals, err := s.decimalsOf(ch)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(v, -int32(decimals)), nil
}

func (s *Service) publish(ctx context.Context, ch *models.Channel, balancesChanged bool) {
	s.notifier.Notify(ch.Wallet, notify.ChannelUpdate, ch)
	if balancesChanged && s.ledger != nil {
		s.ledger.NotifyBalances(ctx, ch.Wallet)
	}
}

func notFound(err error, channelID string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Validation("channel %s not found", channelID)
	}
	return fmt.Errorf("failed to load channel: %w", err)
}
