package auth

import (
	"context"
	"io"
	"testing"
	"time"

	"clearnode/internal/apperr"
	"clearnode/internal/config"
	"clearnode/internal/dto"
	"clearnode/internal/models"
	"clearnode/internal/repository"
	"clearnode/internal/sessionkey"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *repository.MemoryStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := repository.NewMemoryStore()
	svc, err := NewService(store, config.AuthConfig{
		JWTSecret:     "test-secret",
		JWTTTL:        3600,
		ChallengeTTL:  60,
		SessionKeyTTL: 86400,
	}, logger)
	require.NoError(t, err)
	return svc, store
}

func newWallet(t *testing.T) *sessionkey.LocalWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return sessionkey.NewLocalWallet(key)
}

func signPolicy(t *testing.T, w *sessionkey.LocalWallet, ch *Challenge) []byte {
	t.Helper()
	sig, err := w.SignTypedData(context.Background(), PolicyTypedData(ch))
	require.NoError(t, err)
	return sig
}

func TestHandshake(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	wallet := newWallet(t)
	sessionKey := newWallet(t)

	ch, err := svc.Request(ctx, dto.AuthRequest{
		Address:     wallet.Address().Hex(),
		SessionKey:  sessionKey.Address().Hex(),
		Application: "chess",
		Scope:       "app.create",
		Allowances:  []models.Allowance{{Asset: "USDC", Amount: decimal.NewFromInt(50)}},
		ExpiresAt:   uint64(time.Now().Add(time.Hour).Unix()),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.PendingChallenges())

	session, token, err := svc.Verify(ctx, ch.Token.String(), signPolicy(t, wallet, ch))
	require.NoError(t, err)
	assert.Equal(t, wallet.Address().Hex(), session.Wallet)
	assert.Equal(t, sessionKey.Address().Hex(), session.SessionKey)
	assert.NotEmpty(t, token)
	assert.Equal(t, 0, svc.PendingChallenges())

	key, err := store.SessionKeys().GetByAddress(ctx, sessionKey.Address().Hex())
	require.NoError(t, err)
	assert.Equal(t, wallet.Address().Hex(), key.Wallet)
	remaining, err := key.Remaining("usdc")
	require.NoError(t, err)
	assert.Equal(t, "50", remaining.String())

	// reconnect with the bearer token
	restored, err := svc.VerifyToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, session.Wallet, restored.Wallet)
	assert.Equal(t, session.SessionKey, restored.SessionKey)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	wallet := newWallet(t)
	intruder := newWallet(t)

	ch, err := svc.Request(ctx, dto.AuthRequest{Address: wallet.Address().Hex(), Application: "chess"})
	require.NoError(t, err)

	_, _, err = svc.Verify(ctx, ch.Token.String(), signPolicy(t, intruder, ch))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	// challenges are single use
	_, _, err = svc.Verify(ctx, ch.Token.String(), signPolicy(t, wallet, ch))
	assert.EqualError(t, err, "challenge not found or expired")
}

func TestChallengeExpiry(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	wallet := newWallet(t)
	now := time.Now()
	svc.now = func() time.Time { return now }

	ch, err := svc.Request(ctx, dto.AuthRequest{Address: wallet.Address().Hex(), Application: "chess"})
	require.NoError(t, err)

	svc.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Equal(t, 1, svc.SweepChallenges())

	_, _, err = svc.Verify(ctx, ch.Token.String(), signPolicy(t, wallet, ch))
	assert.EqualError(t, err, "challenge not found or expired")
}

func TestRequestValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	wallet := newWallet(t).Address().Hex()

	tests := []struct {
		name string
		req  dto.AuthRequest
	}{
		{name: "bad address", req: dto.AuthRequest{Address: "0x123", Application: "chess"}},
		{name: "bad session key", req: dto.AuthRequest{Address: wallet, SessionKey: "nope", Application: "chess"}},
		{name: "no application", req: dto.AuthRequest{Address: wallet}},
		{name: "negative allowance", req: dto.AuthRequest{Address: wallet, Application: "chess", Allowances: []models.Allowance{{Asset: "usdc", Amount: decimal.NewFromInt(-1)}}}},
		{name: "expired", req: dto.AuthRequest{Address: wallet, Application: "chess", ExpiresAt: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Request(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
}

func TestExpiryIsCapped(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	wallet := newWallet(t)

	ch, err := svc.Request(ctx, dto.AuthRequest{
		Address:     wallet.Address().Hex(),
		Application: "chess",
		ExpiresAt:   uint64(time.Now().Add(365 * 24 * time.Hour).Unix()),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, ch.ExpiresAt, uint64(time.Now().Add(24*time.Hour).Unix()))
}

func TestSessionKeyCannotBeStolen(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	alice := newWallet(t)
	mallory := newWallet(t)
	shared := newWallet(t).Address().Hex()

	ch, err := svc.Request(ctx, dto.AuthRequest{Address: alice.Address().Hex(), SessionKey: shared, Application: "chess"})
	require.NoError(t, err)
	_, _, err = svc.Verify(ctx, ch.Token.String(), signPolicy(t, alice, ch))
	require.NoError(t, err)

	_, err = svc.Request(ctx, dto.AuthRequest{Address: mallory.Address().Hex(), SessionKey: shared, Application: "chess"})
	assert.EqualError(t, err, "session key already registered to another wallet")
}

func TestTokenRejectedAfterKeyExpiry(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	wallet := newWallet(t)
	sessionKey := newWallet(t).Address().Hex()

	ch, err := svc.Request(ctx, dto.AuthRequest{Address: wallet.Address().Hex(), SessionKey: sessionKey, Application: "chess"})
	require.NoError(t, err)
	_, token, err := svc.Verify(ctx, ch.Token.String(), signPolicy(t, wallet, ch))
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := svc.SweepSessionKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.SessionKeys().GetByAddress(ctx, sessionKey)
	require.ErrorIs(t, err, repository.ErrNotFound)

	_, err = svc.VerifyToken(ctx, token)
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Now()
	session := &Session{Wallet: "0xabc", SessionKey: "0xdef", Scope: "all", ExpiresAt: now.Add(time.Minute)}

	token, err := GenerateToken(secret, session, now, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", claims.Wallet)
	assert.Equal(t, "0xdef", claims.SessionKey)
	assert.WithinDuration(t, now.Add(time.Minute), claims.ExpiresAt.Time, time.Second, "token capped at key expiry")

	_, err = ValidateToken([]byte("other"), token)
	assert.Error(t, err)
}
