// Package auth runs the challenge/response handshake that binds a session key
// to a wallet, and issues the bearer tokens used to reconnect.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clearnode/internal/apperr"
	"clearnode/internal/config"
	"clearnode/internal/dto"
	"clearnode/internal/models"
	"clearnode/internal/repository"
	"clearnode/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Challenge pending handshake, valid until Deadline
type Challenge struct {
	Token       uuid.UUID
	Wallet      string
	SessionKey  string
	Application string
	Allowances  []models.Allowance
	Scope       string
	ExpiresAt   uint64 // requested session key expiry, unix seconds
	Deadline    time.Time
}

// Session identity established by a successful handshake
type Session struct {
	Wallet      string
	SessionKey  string
	Application string
	Scope       string
	Allowances  []models.Allowance
	ExpiresAt   time.Time
}

// Service authentication service
type Service struct {
	store  repository.Store
	cfg    config.AuthConfig
	secret []byte
	logger *logrus.Logger
	now    func() time.Time

	mu         sync.Mutex
	challenges map[uuid.UUID]*Challenge
}

func NewService(store repository.Store, cfg config.AuthConfig, logger *logrus.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &Service{
		store:      store,
		cfg:        cfg,
		secret:     []byte(cfg.JWTSecret),
		logger:     logger,
		now:        time.Now,
		challenges: make(map[uuid.UUID]*Challenge),
	}, nil
}

// Request validates an auth_request and stores a fresh challenge
func (s *Service) Request(ctx context.Context, req dto.AuthRequest) (*Challenge, error) {
	wallet, err := utils.NormalizeAddress(req.Address)
	if err != nil {
		return nil, apperr.Validation("invalid address: %s", req.Address)
	}
	sessionKey := wallet
	if req.SessionKey != "" {
		if sessionKey, err = utils.NormalizeAddress(req.SessionKey); err != nil {
			return nil, apperr.Validation("invalid session_key: %s", req.SessionKey)
		}
	}
	if req.Application == "" {
		return nil, apperr.Validation("application is required")
	}
	for _, a := range req.Allowances {
		if a.Asset == "" || a.Amount.IsNegative() {
			return nil, apperr.Validation("invalid allowance for %q", a.Asset)
		}
	}

	now := s.now()
	maxExpiry := now.Add(s.cfg.MaxSessionKeyLifetime())
	expiresAt := req.ExpiresAt
	switch {
	case expiresAt == 0:
		expiresAt = uint64(maxExpiry.Unix())
	case expiresAt <= uint64(now.Unix()):
		return nil, apperr.Validation("expires_at is in the past")
	case expiresAt > uint64(maxExpiry.Unix()):
		expiresAt = uint64(maxExpiry.Unix())
	}

	if sessionKey != wallet {
		existing, err := s.store.SessionKeys().GetByAddress(ctx, sessionKey)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to load session key: %w", err)
		}
		if existing != nil && existing.Wallet != wallet && !existing.Expired(now) {
			return nil, apperr.Authorization("session key already registered to another wallet")
		}
	}

	ch := &Challenge{
		Token:       uuid.New(),
		Wallet:      wallet,
		SessionKey:  sessionKey,
		Application: req.Application,
		Allowances:  normalizeAllowances(req.Allowances),
		Scope:       req.Scope,
		ExpiresAt:   expiresAt,
		Deadline:    now.Add(s.cfg.ChallengeLifetime()),
	}

	s.mu.Lock()
	s.challenges[ch.Token] = ch
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"wallet":      wallet,
		"session_key": sessionKey,
		"application": req.Application,
	}).Debug("🔐 Auth challenge issued")
	return ch, nil
}

func normalizeAllowances(in []models.Allowance) []models.Allowance {
	out := make([]models.Allowance, 0, len(in))
	for _, a := range in {
		out = append(out, models.Allowance{Asset: utils.NormalizeAsset(a.Asset), Amount: a.Amount})
	}
	return out
}

// takeChallenge removes and returns a live challenge
func (s *Service) takeChallenge(token string) (*Challenge, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return nil, apperr.Validation("invalid challenge")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return nil, apperr.Authorization("challenge not found or expired")
	}
	delete(s.challenges, id)
	if !s.now().Before(ch.Deadline) {
		return nil, apperr.Authorization("challenge not found or expired")
	}
	return ch, nil
}

// Verify checks the wallet's signature over the challenge policy, registers the
// session key and returns the session plus a bearer token.
func (s *Service) Verify(ctx context.Context, challenge string, sig []byte) (*Session, string, error) {
	ch, err := s.takeChallenge(challenge)
	if err != nil {
		return nil, "", err
	}

	signer, err := recoverPolicySigner(ch, sig)
	if err != nil {
		return nil, "", apperr.Authorization("invalid signature")
	}
	if signer.Hex() != ch.Wallet {
		return nil, "", apperr.Authorization("invalid signature")
	}

	session := &Session{
		Wallet:      ch.Wallet,
		SessionKey:  ch.SessionKey,
		Application: ch.Application,
		Scope:       ch.Scope,
		Allowances:  copyAllowances(ch.Allowances),
		ExpiresAt:   time.Unix(int64(ch.ExpiresAt), 0),
	}

	if session.SessionKey != session.Wallet {
		if err := s.registerSessionKey(ctx, session); err != nil {
			return nil, "", err
		}
	}

	token, err := s.IssueToken(session)
	if err != nil {
		return nil, "", apperr.Internal(err)
	}

	s.logger.WithFields(logrus.Fields{
		"wallet":      session.Wallet,
		"session_key": session.SessionKey,
		"expires_at":  session.ExpiresAt,
	}).Info("✅ Session key authorised")
	return session, token, nil
}

func (s *Service) registerSessionKey(ctx context.Context, session *Session) error {
	return s.store.Tx(ctx, func(st repository.Store) error {
		key, err := st.SessionKeys().GetByAddress(ctx, session.SessionKey)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			key = &models.SessionKey{Address: session.SessionKey}
		case err != nil:
			return fmt.Errorf("failed to load session key: %w", err)
		case key.Wallet != session.Wallet && !key.Expired(s.now()):
			return apperr.Authorization("session key already registered to another wallet")
		}

		// re-authorisation resets the spent counters
		key.Wallet = session.Wallet
		key.Application = session.Application
		key.Scope = session.Scope
		key.ExpiresAt = session.ExpiresAt
		key.Spent = ""
		if err := key.SetAllowances(session.Allowances); err != nil {
			return err
		}
		return st.SessionKeys().Save(ctx, key)
	})
}

// VerifyToken is the reconnect path: a still-valid bearer token restores the session
func (s *Service) VerifyToken(ctx context.Context, token string) (*Session, error) {
	claims, err := s.ParseToken(token)
	if err != nil {
		return nil, apperr.Authorization("invalid or expired token")
	}
	session := &Session{
		Wallet:      claims.Wallet,
		SessionKey:  claims.SessionKey,
		Application: claims.Application,
		Scope:       claims.Scope,
		Allowances:  claims.Allowances,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}

	if session.SessionKey != session.Wallet {
		key, err := s.store.SessionKeys().GetByAddress(ctx, session.SessionKey)
		if err != nil || key.Wallet != session.Wallet || key.Expired(s.now()) {
			return nil, apperr.Authorization("session key revoked or expired")
		}
	}
	return session, nil
}

// SessionKeyOwner resolves the wallet a live session key acts for
func (s *Service) SessionKeyOwner(ctx context.Context, sessionKey string) (string, error) {
	key, err := s.store.SessionKeys().GetByAddress(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	if key.Expired(s.now()) {
		return "", apperr.Authorization("session key expired")
	}
	return key.Wallet, nil
}

// SweepChallenges drops challenges past their deadline
func (s *Service) SweepChallenges() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ch := range s.challenges {
		if !now.Before(ch.Deadline) {
			delete(s.challenges, id)
			n++
		}
	}
	return n
}

// SweepSessionKeys deletes expired session key registrations
func (s *Service) SweepSessionKeys(ctx context.Context) (int64, error) {
	return s.store.SessionKeys().DeleteExpired(ctx, s.now())
}

// PendingChallenges number of outstanding challenges
func (s *Service) PendingChallenges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}
