package appsession

import (
	"context"

	"clearnode/internal/apperr"
	"clearnode/internal/metrics"
	"clearnode/internal/models"
	"clearnode/internal/repository"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SubmitRequest carries the next state of a session. Allocations list the
// full new split; a participant and asset left out holds zero.
type SubmitRequest struct {
	SessionID   string
	Intent      models.AppIntent
	Version     uint64
	Allocations []Allocation
	SessionData string
	Sigs        []sign.Sig
}

// CloseRequest carries the final split of a session. A zero Version means the
// next one.
type CloseRequest struct {
	SessionID   string
	Version     uint64
	Allocations []Allocation
	SessionData string
	Sigs        []sign.Sig
}

// mutation is the shared frame of submit and close: it loads the session under
// its locks, checks the version and the signatures, and stores what apply did.
type mutation struct {
	sessionID   string
	intent      models.AppIntent
	version     uint64
	allocations []Allocation
	sessionData string
	sigs        []sign.Sig
}

type applyFunc func(st repository.Store, session *models.AppSession, sg signers, d map[balanceKey]decimal.Decimal) ([]string, error)

func (s *Service) mutate(ctx context.Context, m mutation, apply applyFunc) (*Result, error) {
	id, err := utils.NormalizeHash(m.sessionID)
	if err != nil {
		return nil, apperr.Validation("invalid app_session_id: %s", m.sessionID)
	}
	current, err := s.store.AppSessions().GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}

	unlock := s.locks.Lock(lockKeys(id, current.Participants)...)
	defer unlock()

	var (
		result *Result
		moved  []string
	)
	err = s.store.Tx(ctx, func(st repository.Store) error {
		session, err := st.AppSessions().GetByID(ctx, id)
		if err != nil {
			return notFound(err, id)
		}
		if session.Status != models.AppSessionStatusOpen {
			return apperr.State("app session %s is %s", id, session.Status)
		}
		if m.intent != models.AppIntentOperate && m.intent != models.AppIntentClose && !models.SupportsIntents(session.Protocol) {
			return apperr.Validation("unsupported parameter: intent")
		}

		signedVersion := m.version
		version := m.version
		if version == 0 && (m.intent == models.AppIntentClose || session.Protocol == models.ProtocolLegacy) {
			version = session.Version + 1
		}
		if version != session.Version+1 {
			return apperr.State("incorrect version: expected %d, got %d", session.Version+1, m.version)
		}

		next, err := s.normalizeAllocations(session.Participants, m.allocations)
		if err != nil {
			return err
		}
		holdings, err := st.Ledger().Holdings(ctx, models.AccountTypeAppSession, id)
		if err != nil {
			return err
		}

		hash, err := sign.SubmitStateHash(common.HexToHash(id), uint8(m.intent), signedVersion, toSignAllocations(next), m.sessionData)
		if err != nil {
			return apperr.Validation("%s", err.Error())
		}
		sg, err := s.recoverSigners(ctx, st, hash, m.sigs, session.Application)
		if err != nil {
			return err
		}

		if moved, err = apply(st, session, sg, deltas(holdings, next)); err != nil {
			return err
		}

		session.Version = version
		session.SessionData = m.sessionData
		if m.intent == models.AppIntentClose {
			session.Status = models.AppSessionStatusClosed
		}
		if err := st.AppSessions().Update(ctx, session); err != nil {
			return err
		}
		result = &Result{SessionID: id, Status: session.Status, Version: session.Version}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AppSessionTransitions.WithLabelValues(m.intent.String()).Inc()
	s.logger.WithFields(logrus.Fields{
		"app_session_id": id,
		"intent":         m.intent.String(),
		"version":        result.Version,
		"status":         result.Status,
	}).Info("🎲 App session state accepted")
	s.publish(ctx, id, moved)
	return result, nil
}

// Submit applies an operate, deposit or withdraw state.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	var apply applyFunc
	switch req.Intent {
	case models.AppIntentOperate:
		apply = func(st repository.Store, session *models.AppSession, sg signers, d map[balanceKey]decimal.Decimal) ([]string, error) {
			if err := conserved(d); err != nil {
				return nil, err
			}
			if err := requireQuorum(session, sg); err != nil {
				return nil, err
			}
			return nil, rebalance(ctx, st, session.SessionID, d)
		}
	case models.AppIntentDeposit:
		apply = func(st repository.Store, session *models.AppSession, sg signers, d map[balanceKey]decimal.Decimal) ([]string, error) {
			return applyDeposit(ctx, st, session, sg, d)
		}
	case models.AppIntentWithdraw:
		apply = func(st repository.Store, session *models.AppSession, sg signers, d map[balanceKey]decimal.Decimal) ([]string, error) {
			return applyWithdraw(ctx, st, session, sg, d)
		}
	default:
		return nil, apperr.Validation("unsupported parameter: intent")
	}

	return s.mutate(ctx, mutation{
		sessionID:   req.SessionID,
		intent:      req.Intent,
		version:     req.Version,
		allocations: req.Allocations,
		sessionData: req.SessionData,
		sigs:        req.Sigs,
	}, apply)
}

func applyDeposit(ctx context.Context, st repository.Store, session *models.AppSession, sg signers, d map[balanceKey]decimal.Decimal) ([]string, error) {
	keys := sortedKeys(d)
	sum := decimal.Zero
	for _, k := range keys {
		if d[k].IsNegative() {
			return nil, apperr.State("decreased allocation for participant %s", k.participant)
		}
		sum = sum.Add(d[k])
	}
	if !sum.IsPositive() {
		return nil, apperr.State("non-positive sum")
	}
	if err := requireQuorum(session, sg); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if !sg.signed(k.participant) {
			return nil, apperr.Authorization(msgDepositorSignature)
		}
	}

	moved := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := fund(ctx, st, session.SessionID, sg, k.participant, k.asset, d[k]); err != nil {
			return nil, err
		}
		moved = append(moved, k.participant)
	}
	return moved, nil
}

func applyWithdraw(ctx context.Context, st repository.Store, session *models.AppSession, sg signers, d map[balanceKey]decimal.Decimal) ([]string, error) {
	keys := sortedKeys(d)
	sum := decimal.Zero
	for _, k := range keys {
		if d[k].IsPositive() {
			return nil, apperr.State("increased allocation for participant %s", k.participant)
		}
		sum = sum.Add(d[k])
	}
	if !sum.IsNegative() {
		return nil, apperr.State("non-negative sum")
	}
	if err := requireQuorum(session, sg); err != nil {
		return nil, err
	}

	moved := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := release(ctx, st, session.SessionID, k.participant, k.asset, d[k].Neg()); err != nil {
			return nil, err
		}
		moved = append(moved, k.participant)
	}
	return moved, nil
}

// Close settles the final split back to the participants' unified balances.
// The split must hold exactly what the session holds.
func (s *Service) Close(ctx context.Context, req CloseRequest) (*Result, error) {
	return s.mutate(ctx, mutation{
		sessionID:   req.SessionID,
		intent:      models.AppIntentClose,
		version:     req.Version,
		allocations: req.Allocations,
		sessionData: req.SessionData,
		sigs:        req.Sigs,
	}, func(st repository.Store, session *models.AppSession, sg signers, d map[balanceKey]decimal.Decimal) ([]string, error) {
		for _, sum := range sumByAsset(d) {
			if !sum.IsZero() {
				return nil, apperr.State("allocation sum mismatch")
			}
		}
		if err := requireQuorum(session, sg); err != nil {
			return nil, err
		}
		if err := rebalance(ctx, st, session.SessionID, d); err != nil {
			return nil, err
		}

		holdings, err := st.Ledger().Holdings(ctx, models.AccountTypeAppSession, session.SessionID)
		if err != nil {
			return nil, err
		}
		var moved []string
		for _, h := range holdings {
			if !h.Amount.IsPositive() {
				continue
			}
			if err := release(ctx, st, session.SessionID, h.Wallet, h.Asset, h.Amount); err != nil {
				return nil, err
			}
			moved = append(moved, h.Wallet)
		}
		return moved, nil
	})
}
