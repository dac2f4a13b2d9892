package clients

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clearnode/internal/appsession"
	"clearnode/internal/auth"
	"clearnode/internal/channel"
	"clearnode/internal/config"
	"clearnode/internal/dto"
	"clearnode/internal/ledger"
	"clearnode/internal/lock"
	"clearnode/internal/models"
	"clearnode/internal/notify"
	"clearnode/internal/repository"
	"clearnode/internal/rpc"
	"clearnode/internal/sessionkey"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	url   string
	store *repository.MemoryStore
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.Default()
	cfg.Assets = []config.AssetConfig{
		{Symbol: "usdc", ChainID: 1, Token: "0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb", Decimals: 6},
	}
	cfg.Auth = config.AuthConfig{JWTSecret: "test-secret", JWTTTL: 3600, ChallengeTTL: 60, SessionKeyTTL: 86400}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	broker := sign.NewSignerFromKey(key)
	assets, err := utils.NewAssetRegistry(cfg.Assets)
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	locks := lock.NewKeyed()
	hub := rpc.NewHub(broker, logger)
	authService, err := auth.NewService(store, cfg.Auth, logger)
	require.NoError(t, err)
	ledgerService := ledger.NewService(store, locks, assets, hub, logger)
	router := rpc.NewRouter(cfg, hub, broker, rpc.Services{
		Store:       store,
		Assets:      assets,
		Auth:        authService,
		Ledger:      ledgerService,
		Channels:    channel.NewService(store, locks, assets, cfg, broker, ledgerService, hub, cfg.Channels, logger),
		AppSessions: appsession.NewService(store, locks, assets, ledgerService, hub, logger),
	}, logger)

	srv := httptest.NewServer(rpc.NewServer(router, hub, cfg.RPC, logger))
	t.Cleanup(srv.Close)
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), store: store}
}

func (s *testServer) credit(t *testing.T, wallet string, amount int64) {
	t.Helper()
	err := s.store.Tx(context.Background(), func(st repository.Store) error {
		_, err := ledger.Record(context.Background(), st, models.TransactionTypeDeposit,
			ledger.CustodyAccount(wallet), ledger.WalletAccount(wallet), "usdc", decimal.NewFromInt(amount))
		return err
	})
	require.NoError(t, err)
}

func newLocalWallet(t *testing.T) *sessionkey.LocalWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return sessionkey.NewLocalWallet(key)
}

func dial(t *testing.T, url string, opts ...ClientOption) *ClearnodeClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := Dial(ctx, url, append(opts, WithLogger(logger), WithTimeout(5*time.Second))...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv.url)

	resp, err := c.Call(context.Background(), rpc.MethodPing, rpc.EmptyParams{})
	require.NoError(t, err)
	assert.Equal(t, rpc.MethodPong, resp.Res.Method)
	require.Len(t, resp.Sig, 1)

	var cfg rpc.ConfigResult
	require.NoError(t, c.CallResult(context.Background(), rpc.MethodGetConfig, nil, &cfg))
	assert.NotEmpty(t, cfg.BrokerAddress)
}

func TestErrorEnvelopeBecomesRPCError(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv.url)

	_, err := c.Call(context.Background(), rpc.MethodGetLedgerBalances, rpc.EmptyParams{})
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "authentication required", rpcErr.Message)
}

func TestAuthenticateTransferAndNotify(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	alice, bob := newLocalWallet(t), newLocalWallet(t)
	aliceKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	sessionSigner := sign.NewSignerFromKey(aliceKey)
	srv.credit(t, alice.Address().Hex(), 100)

	ac := dial(t, srv.url, WithSigner(sessionSigner))
	verified, err := ac.Authenticate(ctx, alice, dto.AuthRequest{
		SessionKey:  sessionSigner.Address().Hex(),
		Application: "wallet",
		Allowances:  []models.Allowance{{Asset: "USDC", Amount: decimal.NewFromInt(50)}},
	})
	require.NoError(t, err)
	assert.True(t, verified.Success)
	assert.Equal(t, alice.Address().Hex(), verified.Address)

	bc := dial(t, srv.url)
	_, err = bc.Authenticate(ctx, bob, dto.AuthRequest{Application: "wallet"})
	require.NoError(t, err)
	notes := bc.Subscribe()

	err = ac.CallResult(ctx, rpc.MethodTransfer, rpc.TransferParams{
		Destination: bob.Address().Hex(),
		Allocations: []ledger.TransferAllocation{{Asset: "usdc", Amount: decimal.NewFromInt(20)}},
	}, nil)
	require.NoError(t, err)

	seen := map[notify.Method]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[notify.Transfer] || !seen[notify.BalanceUpdate] {
		select {
		case n := <-notes:
			seen[n.Method] = true
		case <-timeout:
			t.Fatalf("notifications not received, got %v", seen)
		}
	}

	var balances rpc.BalancesResult
	require.NoError(t, bc.CallResult(ctx, rpc.MethodGetLedgerBalances, rpc.EmptyParams{}, &balances))
	require.Len(t, balances.LedgerBalances, 1)
	assert.Equal(t, "20", balances.LedgerBalances[0].Amount.String())

	// the session key allowance caps what it may move
	_, err = ac.Call(ctx, rpc.MethodTransfer, rpc.TransferParams{
		Destination: bob.Address().Hex(),
		Allocations: []ledger.TransferAllocation{{Asset: "usdc", Amount: decimal.NewFromInt(40)}},
	})
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, ledger.MsgAllowanceExceeded, rpcErr.Message)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv.url)
	notes := c.Subscribe()

	require.NoError(t, c.Close())
	select {
	case _, ok := <-notes:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed")
	}
	_, err := c.Call(context.Background(), rpc.MethodPing, rpc.EmptyParams{})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRegistryFollowsNotifications(t *testing.T) {
	reg := NewChannelRegistry()
	ch := &models.Channel{ChannelID: "0xAB", Status: models.ChannelStatusOpen, Version: 3}
	raw, err := json.Marshal(ch)
	require.NoError(t, err)

	changed, err := reg.Apply(Notification{Method: notify.ChannelUpdate, Params: raw})
	require.NoError(t, err)
	assert.True(t, changed)

	stale := &models.Channel{ChannelID: "0xab", Status: models.ChannelStatusJoining, Version: 1}
	assert.False(t, reg.PutChannel(stale))

	e, ok := reg.Get("0xab")
	require.True(t, ok)
	assert.Equal(t, EntryChannel, e.Kind)
	assert.Equal(t, "open", e.Status)
	assert.Equal(t, uint64(3), e.Version)

	session := &appsession.Session{AppSession: &models.AppSession{SessionID: "0xcd", Status: models.AppSessionStatusOpen, Version: 2}}
	raw, err = json.Marshal(session)
	require.NoError(t, err)
	changed, err = reg.Apply(Notification{Method: notify.AppSessionUpdate, Params: raw})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = reg.Apply(Notification{Method: notify.Transfer, Params: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, 2, reg.Len())
	assert.Len(t, reg.List(EntryAppSession), 1)
	reg.Delete("0xCD")
	assert.Len(t, reg.List(""), 1)
}
