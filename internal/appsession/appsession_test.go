package appsession

import (
	"context"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"clearnode/internal/apperr"
	"clearnode/internal/config"
	"clearnode/internal/ledger"
	"clearnode/internal/lock"
	"clearnode/internal/models"
	"clearnode/internal/notify"
	"clearnode/internal/repository"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const application = "chess"

type fixture struct {
	svc      *Service
	store    *repository.MemoryStore
	recorder *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	assets, err := utils.NewAssetRegistry([]config.AssetConfig{
		{Symbol: "usdc", ChainID: 1, Token: "0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb", Decimals: 6},
	})
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	locks := lock.NewKeyed()
	recorder := &notify.Recorder{}
	ledgerService := ledger.NewService(store, locks, assets, recorder, logger)
	return &fixture{
		svc:      NewService(store, locks, assets, ledgerService, recorder, logger),
		store:    store,
		recorder: recorder,
	}
}

// credit funds a unified balance the way a confirmed channel deposit does
func (f *fixture) credit(t *testing.T, wallet string, amount int64) {
	t.Helper()
	err := f.store.Tx(context.Background(), func(st repository.Store) error {
		_, err := ledger.Record(context.Background(), st, models.TransactionTypeDeposit,
			ledger.CustodyAccount(wallet), ledger.WalletAccount(wallet), "usdc", decimal.NewFromInt(amount))
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) unified(t *testing.T, wallet string) string {
	t.Helper()
	bal, err := ledger.Balance(context.Background(), f.store, ledger.WalletAccount(wallet), "usdc")
	require.NoError(t, err)
	return bal.String()
}

type participant struct {
	addr   string
	signer *sign.Signer
}

func newParticipant(t *testing.T) participant {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := sign.NewSignerFromKey(key)
	return participant{addr: s.Address().Hex(), signer: s}
}

func (p participant) sign(t *testing.T, hash common.Hash, role sign.Role) sign.Sig {
	t.Helper()
	raw, err := p.signer.Sign(hash.Bytes())
	require.NoError(t, err)
	tagged, err := sign.Tag(raw, role)
	require.NoError(t, err)
	return tagged
}

func usdc(p participant, n int64) Allocation {
	return Allocation{Participant: p.addr, Asset: "usdc", Amount: decimal.NewFromInt(n)}
}

func createHash(t *testing.T, def Definition, data string) common.Hash {
	t.Helper()
	members := make([]sign.Participant, len(def.Participants))
	for i, p := range def.Participants {
		members[i] = sign.Participant{Wallet: common.HexToAddress(p), Weight: def.Weights[i]}
	}
	hash, err := sign.CreateSessionHash(sign.SessionDefinition{
		Protocol:     def.Protocol,
		Application:  def.Application,
		Participants: members,
		Quorum:       def.Quorum,
		Challenge:    def.Challenge,
		Nonce:        def.Nonce,
	}, data)
	require.NoError(t, err)
	return hash
}

func stateHash(t *testing.T, sessionID string, intent models.AppIntent, version uint64, allocs []Allocation, data string) common.Hash {
	t.Helper()
	hash, err := sign.SubmitStateHash(common.HexToHash(sessionID), uint8(intent), version, toSignAllocations(allocs), data)
	require.NoError(t, err)
	return hash
}

func definition(protocol string, weights []uint64, quorum uint64, members ...participant) Definition {
	addrs := make([]string, len(members))
	for i, m := range members {
		addrs[i] = m.addr
	}
	return Definition{
		Protocol:     protocol,
		Application:  application,
		Participants: addrs,
		Weights:      weights,
		Quorum:       quorum,
		Challenge:    86400,
		Nonce:        uint64(time.Now().UnixNano()),
	}
}

func (f *fixture) create(t *testing.T, def Definition, allocs []Allocation, signers ...participant) string {
	t.Helper()
	hash := createHash(t, def, "")
	sigs := make([]sign.Sig, 0, len(signers))
	for _, s := range signers {
		sigs = append(sigs, s.sign(t, hash, sign.RoleWallet))
	}
	res, err := f.svc.Create(context.Background(), CreateRequest{Definition: def, Allocations: allocs, Sigs: sigs})
	require.NoError(t, err)
	return res.SessionID
}

func (f *fixture) submit(t *testing.T, sessionID string, intent models.AppIntent, version uint64, allocs []Allocation, data string, signers ...participant) (*Result, error) {
	t.Helper()
	hash := stateHash(t, sessionID, intent, version, allocs, data)
	sigs := make([]sign.Sig, 0, len(signers))
	for _, s := range signers {
		sigs = append(sigs, s.sign(t, hash, sign.RoleWallet))
	}
	return f.svc.Submit(context.Background(), SubmitRequest{
		SessionID:   sessionID,
		Intent:      intent,
		Version:     version,
		Allocations: allocs,
		SessionData: data,
		Sigs:        sigs,
	})
}

func (f *fixture) close(t *testing.T, sessionID string, version uint64, allocs []Allocation, signers ...participant) (*Result, error) {
	t.Helper()
	hash := stateHash(t, sessionID, models.AppIntentClose, version, allocs, "final")
	sigs := make([]sign.Sig, 0, len(signers))
	for _, s := range signers {
		sigs = append(sigs, s.sign(t, hash, sign.RoleWallet))
	}
	return f.svc.Close(context.Background(), CloseRequest{
		SessionID:   sessionID,
		Version:     version,
		Allocations: allocs,
		SessionData: "final",
		Sigs:        sigs,
	})
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 200)

	def := definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b)
	sessionID := f.create(t, def, []Allocation{usdc(a, 100), usdc(b, 0)}, a)

	session, err := f.svc.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.AppSessionStatusOpen, session.Status)
	assert.Equal(t, uint64(1), session.Version)
	assert.Equal(t, "100", f.unified(t, a.addr))

	res, err := f.submit(t, sessionID, models.AppIntentOperate, 2, []Allocation{usdc(a, 50), usdc(b, 50)}, `{"move":"e4"}`, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)

	res, err = f.submit(t, sessionID, models.AppIntentDeposit, 3, []Allocation{usdc(a, 70), usdc(b, 50)}, `{"move":"e5"}`, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Version)
	assert.Equal(t, "80", f.unified(t, a.addr))

	session, err = f.svc.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, `{"move":"e5"}`, session.SessionData)
	require.Len(t, session.Allocations, 2)

	res, err = f.close(t, sessionID, 4, []Allocation{usdc(a, 0), usdc(b, 120)}, a)
	require.NoError(t, err)
	assert.Equal(t, models.AppSessionStatusClosed, res.Status)
	assert.Equal(t, uint64(4), res.Version)

	assert.Equal(t, "80", f.unified(t, a.addr), "a paid 120 in total since creation")
	assert.Equal(t, "120", f.unified(t, b.addr))

	session, err = f.svc.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, session.Allocations)
	assert.Equal(t, "final", session.SessionData)

	_, err = f.submit(t, sessionID, models.AppIntentOperate, 5, nil, "", a)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindState))

	assert.Positive(t, f.recorder.Count(b.addr, notify.AppSessionUpdate))
	assert.Positive(t, f.recorder.Count(b.addr, notify.BalanceUpdate))
}

func TestDepositNeedsUnifiedBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 100)

	sessionID := f.create(t, definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b), []Allocation{usdc(a, 100)}, a)

	_, err := f.submit(t, sessionID, models.AppIntentDeposit, 2, []Allocation{usdc(a, 120)}, "", a)
	require.Error(t, err)
	assert.EqualError(t, err, ledger.MsgInsufficientUnified)

	session, err := f.svc.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), session.Version)
	assert.Equal(t, "0", f.unified(t, a.addr))
}

func TestVersionMismatchLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 10)
	sessionID := f.create(t, definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b), []Allocation{usdc(a, 10)}, a)

	for _, version := range []uint64{0, 1, 3} {
		_, err := f.submit(t, sessionID, models.AppIntentOperate, version, []Allocation{usdc(a, 5), usdc(b, 5)}, "changed", a)
		require.Error(t, err)
		assert.Equal(t, apperr.KindState, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "incorrect version: expected 2, got")
	}

	session, err := f.svc.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), session.Version)
	assert.Equal(t, "", session.SessionData)
	require.Len(t, session.Allocations, 1)
	assert.Equal(t, "10", session.Allocations[0].Amount.String())
}

func TestDepositRules(t *testing.T) {
	a, b := newParticipant(t), newParticipant(t)

	tests := []struct {
		name    string
		weights []uint64
		quorum  uint64
		allocs  []Allocation
		signers []participant
		kind    apperr.Kind
		message string
	}{
		{
			name:    "decreased allocation",
			weights: []uint64{100, 0}, quorum: 100,
			allocs:  []Allocation{usdc(a, 5), usdc(b, 30)},
			signers: []participant{a, b},
			kind:    apperr.KindState,
			message: "decreased allocation for participant " + a.addr,
		},
		{
			name:    "non-positive sum",
			weights: []uint64{100, 0}, quorum: 100,
			allocs:  []Allocation{usdc(a, 10), usdc(b, 20)},
			signers: []participant{a},
			kind:    apperr.KindState,
			message: "non-positive sum",
		},
		{
			name:    "quorum not reached",
			weights: []uint64{50, 50}, quorum: 100,
			allocs:  []Allocation{usdc(a, 15), usdc(b, 20)},
			signers: []participant{a},
			kind:    apperr.KindAuthorization,
			message: "quorum not reached",
		},
		{
			name:    "depositor signature required",
			weights: []uint64{100, 0}, quorum: 100,
			allocs:  []Allocation{usdc(a, 10), usdc(b, 25)},
			signers: []participant{a},
			kind:    apperr.KindAuthorization,
			message: "depositor signature required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.credit(t, a.addr, 100)
			f.credit(t, b.addr, 100)
			sessionID := f.create(t, definition(models.ProtocolIntents, tt.weights, tt.quorum, a, b),
				[]Allocation{usdc(a, 10), usdc(b, 20)}, a, b)

			_, err := f.submit(t, sessionID, models.AppIntentDeposit, 2, tt.allocs, "", tt.signers...)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.EqualError(t, err, tt.message)
			assert.Equal(t, "90", f.unified(t, a.addr))
			assert.Equal(t, "80", f.unified(t, b.addr))
		})
	}
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 100)
	f.credit(t, b.addr, 100)
	sessionID := f.create(t, definition(models.ProtocolIntents, []uint64{50, 50}, 100, a, b),
		[]Allocation{usdc(a, 40), usdc(b, 40)}, a, b)

	_, err := f.submit(t, sessionID, models.AppIntentWithdraw, 2, []Allocation{usdc(a, 30), usdc(b, 45)}, "", a, b)
	assert.EqualError(t, err, "increased allocation for participant "+b.addr)

	_, err = f.submit(t, sessionID, models.AppIntentWithdraw, 2, []Allocation{usdc(a, 40), usdc(b, 40)}, "", a, b)
	assert.EqualError(t, err, "non-negative sum")

	_, err = f.submit(t, sessionID, models.AppIntentWithdraw, 2, []Allocation{usdc(a, 25), usdc(b, 40)}, "", a)
	assert.EqualError(t, err, "quorum not reached")

	res, err := f.submit(t, sessionID, models.AppIntentWithdraw, 2, []Allocation{usdc(a, 25), usdc(b, 40)}, "", a, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "75", f.unified(t, a.addr))
	assert.Equal(t, "60", f.unified(t, b.addr))
}

func TestOperateMustConserve(t *testing.T) {
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 100)
	sessionID := f.create(t, definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b), []Allocation{usdc(a, 100)}, a)

	_, err := f.submit(t, sessionID, models.AppIntentOperate, 2, []Allocation{usdc(a, 50), usdc(b, 60)}, "", a)
	require.Error(t, err)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	_, err = f.submit(t, sessionID, models.AppIntentOperate, 2, []Allocation{usdc(a, 40), usdc(b, 60)}, "", b)
	assert.EqualError(t, err, "quorum not reached")
}

func TestLegacyProtocol(t *testing.T) {
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 100)
	sessionID := f.create(t, definition(models.ProtocolLegacy, []uint64{100, 0}, 100, a, b), []Allocation{usdc(a, 100)}, a)

	_, err := f.submit(t, sessionID, models.AppIntentDeposit, 2, []Allocation{usdc(a, 110)}, "", a)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.EqualError(t, err, "unsupported parameter: intent")

	// version 0 means the next version on the legacy protocol
	res, err := f.submit(t, sessionID, models.AppIntentOperate, 0, []Allocation{usdc(a, 60), usdc(b, 40)}, "", a)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
}

func TestCloseRequiresFullSplit(t *testing.T) {
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 100)
	sessionID := f.create(t, definition(models.ProtocolIntents, []uint64{50, 50}, 50, a, b), []Allocation{usdc(a, 100)}, a)

	_, err := f.close(t, sessionID, 2, []Allocation{usdc(a, 60), usdc(b, 30)}, a)
	assert.EqualError(t, err, "allocation sum mismatch")

	_, err = f.close(t, sessionID, 2, []Allocation{usdc(a, 60), usdc(b, 40)}, newParticipant(t))
	assert.EqualError(t, err, "quorum not reached")

	res, err := f.close(t, sessionID, 0, []Allocation{usdc(a, 60), usdc(b, 40)}, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "60", f.unified(t, a.addr))
	assert.Equal(t, "40", f.unified(t, b.addr))
}

func TestConcurrentSubmissionsAreLinearized(t *testing.T) {
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 100)
	sessionID := f.create(t, definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b), []Allocation{usdc(a, 100)}, a)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allocs := []Allocation{usdc(a, int64(100-i)), usdc(b, int64(i))}
			_, err := f.submit(t, sessionID, models.AppIntentOperate, 2, allocs, "", a)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			if assert.Contains(t, err.Error(), "incorrect version") {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, workers-1, rejected)
}

func TestSessionKeySigner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	sessionKey := newParticipant(t)
	f.credit(t, a.addr, 100)

	key := &models.SessionKey{
		Address:     sessionKey.addr,
		Wallet:      a.addr,
		Application: application,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, key.SetAllowances([]models.Allowance{{Asset: "usdc", Amount: decimal.NewFromInt(30)}}))
	require.NoError(t, f.store.SessionKeys().Save(ctx, key))

	def := definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b)
	hash := createHash(t, def, "")
	res, err := f.svc.Create(ctx, CreateRequest{
		Definition:  def,
		Allocations: []Allocation{usdc(a, 20)},
		Sigs:        []sign.Sig{sessionKey.sign(t, hash, sign.RoleSessionKey)},
	})
	require.NoError(t, err)

	stored, err := f.store.SessionKeys().GetByAddress(ctx, sessionKey.addr)
	require.NoError(t, err)
	remaining, err := stored.Remaining("usdc")
	require.NoError(t, err)
	assert.Equal(t, "10", remaining.String())

	allocs := []Allocation{usdc(a, 40)}
	hash = stateHash(t, res.SessionID, models.AppIntentDeposit, 2, allocs, "")
	_, err = f.svc.Submit(ctx, SubmitRequest{
		SessionID:   res.SessionID,
		Intent:      models.AppIntentDeposit,
		Version:     2,
		Allocations: allocs,
		Sigs:        []sign.Sig{sessionKey.sign(t, hash, sign.RoleSessionKey)},
	})
	assert.EqualError(t, err, ledger.MsgAllowanceExceeded)
	assert.Equal(t, "80", f.unified(t, a.addr))

	// a session key registered for another application carries no weight here
	other := definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b)
	other.Application = "poker"
	hash = createHash(t, other, "")
	_, err = f.svc.Create(ctx, CreateRequest{
		Definition: other,
		Sigs:       []sign.Sig{sessionKey.sign(t, hash, sign.RoleSessionKey)},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 10)

	valid := func() Definition { return definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b) }
	tests := []struct {
		name   string
		def    func() Definition
		allocs []Allocation
		kind   apperr.Kind
	}{
		{name: "unknown protocol", def: func() Definition { d := valid(); d.Protocol = "NitroRPC/9"; return d }, kind: apperr.KindValidation},
		{name: "no participants", def: func() Definition { d := valid(); d.Participants = nil; d.Weights = nil; return d }, kind: apperr.KindValidation},
		{name: "weights mismatch", def: func() Definition { d := valid(); d.Weights = []uint64{100}; return d }, kind: apperr.KindValidation},
		{name: "duplicate participant", def: func() Definition { d := valid(); d.Participants[1] = a.addr; return d }, kind: apperr.KindValidation},
		{name: "quorum above total", def: func() Definition { d := valid(); d.Quorum = 101; return d }, kind: apperr.KindValidation},
		{name: "quorum above 100", def: func() Definition { d := valid(); d.Weights = []uint64{500, 500}; d.Quorum = 1000; return d }, kind: apperr.KindValidation},
		{name: "weights overflow", def: func() Definition { d := valid(); d.Weights = []uint64{math.MaxUint64, 2}; d.Quorum = 1; return d }, kind: apperr.KindValidation},
		{name: "zero quorum", def: func() Definition { d := valid(); d.Quorum = 0; return d }, kind: apperr.KindValidation},
		{name: "stranger allocation", def: valid, allocs: []Allocation{usdc(newParticipant(t), 1)}, kind: apperr.KindValidation},
		{name: "unknown asset", def: valid, allocs: []Allocation{{Participant: a.addr, Asset: "doge", Amount: decimal.NewFromInt(1)}}, kind: apperr.KindValidation},
		{name: "too precise", def: valid, allocs: []Allocation{{Participant: a.addr, Asset: "usdc", Amount: decimal.RequireFromString("0.0000001")}}, kind: apperr.KindValidation},
		{name: "insufficient balance", def: valid, allocs: []Allocation{usdc(a, 11)}, kind: apperr.KindState},
		{name: "unsigned funder", def: valid, allocs: []Allocation{usdc(b, 1)}, kind: apperr.KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := tt.def()
			var sigs []sign.Sig
			if len(def.Participants) == len(def.Weights) && len(def.Participants) > 0 {
				sigs = append(sigs, a.sign(t, createHash(t, def, ""), sign.RoleWallet))
			}
			_, err := f.svc.Create(context.Background(), CreateRequest{Definition: def, Allocations: tt.allocs, Sigs: sigs})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
	assert.Equal(t, "10", f.unified(t, a.addr))
}

func TestListAndDefinition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := newParticipant(t), newParticipant(t)
	f.credit(t, a.addr, 10)

	def := definition(models.ProtocolIntents, []uint64{100, 0}, 100, a, b)
	sessionID := f.create(t, def, []Allocation{usdc(a, 10)}, a)

	got, err := f.svc.Definition(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, def, *got)

	page, err := repository.NewPage(0, 10, "")
	require.NoError(t, err)
	sessions, err := f.svc.List(ctx, b.addr, models.AppSessionStatusOpen, page)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessionID, sessions[0].SessionID)

	sessions, err = f.svc.List(ctx, b.addr, models.AppSessionStatusClosed, page)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = f.svc.Get(ctx, common.Hash{}.Hex())
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
