// Package appsession runs application sessions: virtual ledgers shared by a
// fixed set of participants whose state moves only under quorum-signed,
// versioned submissions.
package appsession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"clearnode/internal/amount"
	"clearnode/internal/apperr"
	"clearnode/internal/ledger"
	"clearnode/internal/lock"
	"clearnode/internal/models"
	"clearnode/internal/notify"
	"clearnode/internal/repository"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Definition is the immutable part of a session as the creator declares it.
type Definition struct {
	Protocol     string   `json:"protocol"`
	Application  string   `json:"application"`
	Participants []string `json:"participants"`
	Weights      []uint64 `json:"weights"`
	Quorum       uint64   `json:"quorum"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// Allocation is one participant's share of one asset.
type Allocation struct {
	Participant string          `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// Session is a stored session together with its current allocations.
type Session struct {
	*models.AppSession
	Allocations []Allocation `json:"allocations"`
}

// Result is returned by every accepted mutation.
type Result struct {
	SessionID string                  `json:"app_session_id"`
	Status    models.AppSessionStatus `json:"status"`
	Version   uint64                  `json:"version"`
}

// Service application session service
type Service struct {
	store    repository.Store
	locks    *lock.Keyed
	assets   *utils.AssetRegistry
	ledger   *ledger.Service
	notifier notify.Notifier
	logger   *logrus.Logger
	now      func() time.Time
}

func NewService(store repository.Store, locks *lock.Keyed, assets *utils.AssetRegistry, ledgerService *ledger.Service, notifier notify.Notifier, logger *logrus.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    store,
		locks:    locks,
		assets:   assets,
		ledger:   ledgerService,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Get loads a session and its allocations.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	id, err := utils.NormalizeHash(sessionID)
	if err != nil {
		return nil, apperr.Validation("invalid app_session_id: %s", sessionID)
	}
	session, err := s.store.AppSessions().GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return s.withAllocations(ctx, s.store, session)
}

// Definition returns the definition a session was created with.
func (s *Service) Definition(ctx context.Context, sessionID string) (*Definition, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return definitionOf(session.AppSession), nil
}

// List returns the sessions a participant takes part in, newest first.
func (s *Service) List(ctx context.Context, participant string, status models.AppSessionStatus, page repository.Page) ([]*Session, error) {
	wallet, err := utils.NormalizeAddress(participant)
	if err != nil {
		return nil, apperr.Validation("invalid participant: %s", participant)
	}
	switch status {
	case "", models.AppSessionStatusOpen, models.AppSessionStatusClosed:
	default:
		return nil, apperr.Validation("invalid status: %s", status)
	}
	sessions, err := s.store.AppSessions().FindByParticipant(ctx, wallet, status, page)
	if err != nil {
		return nil, fmt.Errorf("failed to list app sessions: %w", err)
	}
	out := make([]*Session, 0, len(sessions))
	for _, session := range sessions {
		withAllocs, err := s.withAllocations(ctx, s.store, session)
		if err != nil {
			return nil, err
		}
		out = append(out, withAllocs)
	}
	return out, nil
}

func (s *Service) withAllocations(ctx context.Context, st repository.Store, session *models.AppSession) (*Session, error) {
	holdings, err := st.Ledger().Holdings(ctx, models.AccountTypeAppSession, session.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session allocations: %w", err)
	}
	allocs := make([]Allocation, 0, len(holdings))
	for _, h := range holdings {
		if h.Amount.IsZero() {
			continue
		}
		allocs = append(allocs, Allocation{Participant: h.Wallet, Asset: h.Asset, Amount: h.Amount})
	}
	sort.Slice(allocs, func(i, j int) bool {
		if allocs[i].Participant == allocs[j].Participant {
			return allocs[i].Asset < allocs[j].Asset
		}
		return allocs[i].Participant < allocs[j].Participant
	})
	return &Session{AppSession: session, Allocations: allocs}, nil
}

func definitionOf(session *models.AppSession) *Definition {
	weights := make([]uint64, len(session.Weights))
	for i, w := range session.Weights {
		weights[i] = uint64(w)
	}
	return &Definition{
		Protocol:     session.Protocol,
		Application:  session.Application,
		Participants: append([]string(nil), session.Participants...),
		Weights:      weights,
		Quorum:       session.Quorum,
		Challenge:    session.Challenge,
		Nonce:        session.Nonce,
	}
}

// normalizeAllocations checks every allocation against the participant set
// and the asset registry. A repeated (participant, asset) pair is an error.
func (s *Service) normalizeAllocations(participants []string, allocs []Allocation) ([]Allocation, error) {
	members := make(map[string]bool, len(participants))
	for _, p := range participants {
		members[p] = true
	}
	seen := make(map[balanceKey]bool, len(allocs))
	out := make([]Allocation, 0, len(allocs))
	for _, a := range allocs {
		participant, err := utils.NormalizeAddress(a.Participant)
		if err != nil {
			return nil, apperr.Validation("invalid participant: %s", a.Participant)
		}
		if !members[participant] {
			return nil, apperr.Validation("allocation to non-participant %s", participant)
		}
		asset := utils.NormalizeAsset(a.Asset)
		decimals, ok := s.assets.Decimals(asset)
		if !ok {
			return nil, apperr.Validation("unsupported asset: %s", a.Asset)
		}
		if a.Amount.IsNegative() {
			return nil, apperr.Validation("negative allocation for participant %s", participant)
		}
		if err := amount.CheckPrecision(a.Amount, decimals); err != nil {
			return nil, apperr.Validation("invalid amount for %s: %v", asset, err)
		}
		key := balanceKey{participant: participant, asset: asset}
		if seen[key] {
			return nil, apperr.Validation("duplicate allocation for participant %s and asset %s", participant, asset)
		}
		seen[key] = true
		out = append(out, Allocation{Participant: participant, Asset: asset, Amount: a.Amount})
	}
	return out, nil
}

// publish sends the session update to every participant and refreshes the
// unified balances of the wallets whose funds moved.
func (s *Service) publish(ctx context.Context, sessionID string, moved []string) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		s.logger.WithError(err).WithField("app_session_id", sessionID).Warn("⚠️ Failed to load session for notification")
		return
	}
	for _, p := range session.Participants {
		s.notifier.Notify(p, notify.AppSessionUpdate, session)
	}
	if len(moved) > 0 && s.ledger != nil {
		s.ledger.NotifyBalances(ctx, moved...)
	}
}

func notFound(err error, sessionID string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Validation("app session %s not found", sessionID)
	}
	return fmt.Errorf("failed to load app session: %w", err)
}

func toSignAllocations(allocs []Allocation) []sign.SessionAllocation {
	out := make([]sign.SessionAllocation, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, sign.SessionAllocation{
			Participant: common.HexToAddress(a.Participant),
			Asset:       a.Asset,
			Amount:      a.Amount,
		})
	}
	return out
}
