package appsession

import (
	"context"
	"errors"
	"fmt"
	"math"

	"clearnode/internal/apperr"
	"clearnode/internal/metrics"
	"clearnode/internal/models"
	"clearnode/internal/repository"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// CreateRequest opens a session. Sigs are quorum signatures over the session
// creation hash.
type CreateRequest struct {
	Definition  Definition
	Allocations []Allocation
	SessionData string
	Sigs        []sign.Sig
}

// validateDefinition normalizes participants and checks weights and quorum.
func validateDefinition(def Definition) ([]string, error) {
	if !models.SupportedProtocol(def.Protocol) {
		return nil, apperr.Validation("unsupported protocol: %s", def.Protocol)
	}
	if def.Application == "" {
		return nil, apperr.Validation("application is required")
	}
	if len(def.Participants) == 0 {
		return nil, apperr.Validation("participants must not be empty")
	}
	if len(def.Weights) != len(def.Participants) {
		return nil, apperr.Validation("got %d weights for %d participants", len(def.Weights), len(def.Participants))
	}

	participants := make([]string, 0, len(def.Participants))
	seen := make(map[string]bool, len(def.Participants))
	for _, p := range def.Participants {
		wallet, err := utils.NormalizeAddress(p)
		if err != nil {
			return nil, apperr.Validation("invalid participant: %s", p)
		}
		if seen[wallet] {
			return nil, apperr.Validation("duplicate participant %s", wallet)
		}
		seen[wallet] = true
		participants = append(participants, wallet)
	}

	if def.Quorum > MaxQuorum {
		return nil, apperr.Validation("quorum %d exceeds %d", def.Quorum, MaxQuorum)
	}
	var total uint64
	for _, w := range def.Weights {
		if w > math.MaxInt64 || total+w < total {
			return nil, apperr.Validation("participant weights overflow")
		}
		total += w
	}
	if def.Quorum == 0 || def.Quorum > total {
		return nil, apperr.Validation("quorum %d must be between 1 and the total weight %d", def.Quorum, total)
	}
	return participants, nil
}

// Create validates the definition and the creators' signatures, then moves
// every funded allocation from the unified balances into the new session.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	def := req.Definition
	participants, err := validateDefinition(def)
	if err != nil {
		return nil, err
	}
	allocs, err := s.normalizeAllocations(participants, req.Allocations)
	if err != nil {
		return nil, err
	}

	members := make([]sign.Participant, len(participants))
	weights := make(pq.Int64Array, len(participants))
	for i, p := range participants {
		members[i] = sign.Participant{Wallet: common.HexToAddress(p), Weight: def.Weights[i]}
		weights[i] = int64(def.Weights[i])
	}
	hash, err := sign.CreateSessionHash(sign.SessionDefinition{
		Protocol:     def.Protocol,
		Application:  def.Application,
		Participants: members,
		Quorum:       def.Quorum,
		Challenge:    def.Challenge,
		Nonce:        def.Nonce,
	}, req.SessionData)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	sessionID := hash.Hex()

	session := &models.AppSession{
		SessionID:    sessionID,
		Application:  def.Application,
		Protocol:     def.Protocol,
		Participants: pq.StringArray(participants),
		Weights:      weights,
		Quorum:       def.Quorum,
		Challenge:    def.Challenge,
		Nonce:        def.Nonce,
		Status:       models.AppSessionStatusOpen,
		Version:      1,
		SessionData:  req.SessionData,
	}

	unlock := s.locks.Lock(lockKeys(sessionID, participants)...)
	defer unlock()

	var funded []string
	err = s.store.Tx(ctx, func(st repository.Store) error {
		funded = funded[:0]
		sg, err := s.recoverSigners(ctx, st, hash, req.Sigs, def.Application)
		if err != nil {
			return err
		}
		if err := requireQuorum(session, sg); err != nil {
			return err
		}
		for _, a := range allocs {
			if a.Amount.IsPositive() && !sg.signed(a.Participant) {
				return apperr.Authorization(msgDepositorSignature)
			}
		}

		err = st.AppSessions().Create(ctx, session)
		if errors.Is(err, repository.ErrDuplicate) {
			return apperr.State("app session %s already exists", sessionID)
		}
		if err != nil {
			return fmt.Errorf("failed to store app session: %w", err)
		}

		for _, a := range allocs {
			if !a.Amount.IsPositive() {
				continue
			}
			if err := fund(ctx, st, sessionID, sg, a.Participant, a.Asset, a.Amount); err != nil {
				return err
			}
			funded = append(funded, a.Participant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AppSessionTransitions.WithLabelValues("create").Inc()
	s.logger.WithFields(logrus.Fields{
		"app_session_id": sessionID,
		"application":    def.Application,
		"participants":   len(participants),
		"quorum":         def.Quorum,
	}).Info("🎲 App session created")
	s.publish(ctx, sessionID, funded)

	return &Result{SessionID: sessionID, Status: session.Status, Version: session.Version}, nil
}
