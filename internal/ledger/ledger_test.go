package ledger

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"clearnode/internal/apperr"
	"clearnode/internal/config"
	"clearnode/internal/lock"
	"clearnode/internal/models"
	"clearnode/internal/notify"
	"clearnode/internal/repository"
	"clearnode/internal/utils"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	bob   = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*Service, *repository.MemoryStore, *notify.Recorder) {
	t.Helper()
	assets, err := utils.NewAssetRegistry([]config.AssetConfig{
		{Symbol: "usdc", ChainID: 1, Token: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
	})
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := repository.NewMemoryStore()
	rec := &notify.Recorder{}
	return NewService(store, lock.NewKeyed(), assets, rec, logger), store, rec
}

func fund(t *testing.T, store repository.Store, wallet, asset, amount string) {
	t.Helper()
	err := store.Tx(context.Background(), func(st repository.Store) error {
		_, err := Record(context.Background(), st, models.TransactionTypeDeposit, CustodyAccount(wallet), WalletAccount(wallet), asset, dec(amount))
		return err
	})
	require.NoError(t, err)
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	tx, err := Record(ctx, store, models.TransactionTypeDeposit, CustodyAccount(alice), WalletAccount(alice), "usdc", dec("500"))
	require.NoError(t, err)
	assert.NotZero(t, tx.ID)

	entries, err := store.Ledger().Entries(ctx, repository.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, tx.ID, entries[0].TransactionID)
	assert.Equal(t, "500", entries[0].Debit.String())
	assert.Equal(t, "500", entries[1].Credit.String())

	custody, err := Balance(ctx, store, CustodyAccount(alice), "usdc")
	require.NoError(t, err)
	assert.Equal(t, "-500", custody.String())

	unified, err := Balance(ctx, store, WalletAccount(alice), "usdc")
	require.NoError(t, err)
	assert.Equal(t, "500", unified.String())
}

func TestRecordRejects(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	tests := []struct {
		name   string
		from   Account
		to     Account
		amount string
		kind   apperr.Kind
		msg    string
	}{
		{name: "zero", from: WalletAccount(alice), to: WalletAccount(bob), amount: "0", kind: apperr.KindValidation},
		{name: "negative", from: WalletAccount(alice), to: WalletAccount(bob), amount: "-1", kind: apperr.KindValidation},
		{name: "same account", from: WalletAccount(alice), to: WalletAccount(alice), amount: "1", kind: apperr.KindValidation},
		{name: "overdraw unified", from: WalletAccount(alice), to: WalletAccount(bob), amount: "1", kind: apperr.KindState, msg: MsgInsufficientUnified},
		{name: "overdraw session", from: SessionAccount("0xabc", alice), to: WalletAccount(alice), amount: "1", kind: apperr.KindState, msg: MsgInsufficientSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Record(ctx, store, models.TransactionTypeTransfer, tt.from, tt.to, "usdc", dec(tt.amount))
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			if tt.msg != "" {
				assert.EqualError(t, err, tt.msg)
			}
		})
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	svc, store, rec := newTestService(t)
	fund(t, store, alice, "usdc", "100")

	allocations := []TransferAllocation{{Asset: "USDC", Amount: dec("40.5")}}
	txs, err := svc.Transfer(ctx, TransferRequest{
		From:        alice,
		Destination: bob,
		Allocations: allocations,
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionTypeTransfer, txs[0].Type)
	assert.Equal(t, "usdc", txs[0].Asset)
	// the caller's allocations are left as given
	assert.Equal(t, "USDC", allocations[0].Asset)

	aliceBal, err := svc.Balances(ctx, alice)
	require.NoError(t, err)
	require.Len(t, aliceBal, 1)
	assert.Equal(t, "59.5", aliceBal[0].Amount.String())

	bobBal, err := svc.Balances(ctx, bob)
	require.NoError(t, err)
	require.Len(t, bobBal, 1)
	assert.Equal(t, "40.5", bobBal[0].Amount.String())

	assert.Equal(t, 1, rec.Count(alice, notify.Transfer))
	assert.Equal(t, 1, rec.Count(bob, notify.Transfer))
	assert.Equal(t, 1, rec.Count(bob, notify.BalanceUpdate))
}

func TestTransferValidation(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	fund(t, store, alice, "usdc", "10")

	tests := []struct {
		name string
		req  TransferRequest
		msg  string
	}{
		{name: "self", req: TransferRequest{From: alice, Destination: alice, Allocations: []TransferAllocation{{Asset: "usdc", Amount: dec("1")}}}, msg: "cannot transfer to self"},
		{name: "zero", req: TransferRequest{From: alice, Destination: bob, Allocations: []TransferAllocation{{Asset: "usdc", Amount: dec("0")}}}, msg: "amount must be positive"},
		{name: "empty", req: TransferRequest{From: alice, Destination: bob}, msg: "allocations must not be empty"},
		{name: "unknown asset", req: TransferRequest{From: alice, Destination: bob, Allocations: []TransferAllocation{{Asset: "doge", Amount: dec("1")}}}, msg: "unsupported asset: doge"},
		{name: "too precise", req: TransferRequest{From: alice, Destination: bob, Allocations: []TransferAllocation{{Asset: "usdc", Amount: dec("0.0000001")}}}},
		{name: "insufficient", req: TransferRequest{From: alice, Destination: bob, Allocations: []TransferAllocation{{Asset: "usdc", Amount: dec("11")}}}, msg: MsgInsufficientUnified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Transfer(ctx, tt.req)
			require.Error(t, err)
			if tt.msg != "" {
				assert.EqualError(t, err, tt.msg)
			}
		})
	}

	// nothing moved
	bal, err := Balance(ctx, store, WalletAccount(alice), "usdc")
	require.NoError(t, err)
	assert.Equal(t, "10", bal.String())
}

func TestTransferIsAtomicAcrossLegs(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	fund(t, store, alice, "usdc", "10")

	_, err := svc.Transfer(ctx, TransferRequest{
		From:        alice,
		Destination: bob,
		Allocations: []TransferAllocation{
			{Asset: "usdc", Amount: dec("6")},
			{Asset: "usdc", Amount: dec("6")},
		},
	})
	require.EqualError(t, err, MsgInsufficientUnified)

	bal, err := Balance(ctx, store, WalletAccount(bob), "usdc")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestTransferWithSessionKeyAllowance(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	fund(t, store, alice, "usdc", "100")

	key := &models.SessionKey{Address: "0x1111111111111111111111111111111111111111", Wallet: alice, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, key.SetAllowances([]models.Allowance{{Asset: "usdc", Amount: dec("5")}}))
	require.NoError(t, store.SessionKeys().Save(ctx, key))

	req := func(amount string) TransferRequest {
		return TransferRequest{
			From:        alice,
			SessionKey:  key.Address,
			Destination: bob,
			Allocations: []TransferAllocation{{Asset: "usdc", Amount: dec(amount)}},
		}
	}

	_, err := svc.Transfer(ctx, req("3"))
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, req("3"))
	require.EqualError(t, err, MsgAllowanceExceeded)
	_, err = svc.Transfer(ctx, req("2"))
	require.NoError(t, err)
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	fund(t, store, alice, "usdc", "10")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transfer(ctx, TransferRequest{
				From:        alice,
				Destination: bob,
				Allocations: []TransferAllocation{{Asset: "usdc", Amount: dec("1")}},
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	bal, err := Balance(ctx, store, WalletAccount(alice), "usdc")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestTransactionsQuery(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	fund(t, store, alice, "usdc", "10")
	_, err := svc.Transfer(ctx, TransferRequest{From: alice, Destination: bob, Allocations: []TransferAllocation{{Asset: "usdc", Amount: dec("1")}}})
	require.NoError(t, err)

	all, err := svc.Transactions(ctx, Query{AccountID: alice})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.TransactionTypeTransfer, all[0].Type, "newest first by default")

	deposits, err := svc.Transactions(ctx, Query{AccountID: alice, TxType: "deposit", Sort: "asc"})
	require.NoError(t, err)
	assert.Len(t, deposits, 1)

	_, err = svc.Transactions(ctx, Query{TxType: "mint"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	entries, err := svc.Entries(ctx, Query{AccountID: bob, Asset: "USDC"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
