package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"clearnode/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000A11CE"
	bob   = "0x0000000000000000000000000000000000000B0B"
)

func credit(account string, typ models.AccountType, wallet, asset, amount string) *models.LedgerEntry {
	return &models.LedgerEntry{
		AccountID:   account,
		AccountType: typ,
		Wallet:      wallet,
		Asset:       asset,
		Credit:      decimal.RequireFromString(amount),
		Debit:       decimal.Zero,
	}
}

func debit(account string, typ models.AccountType, wallet, asset, amount string) *models.LedgerEntry {
	e := credit(account, typ, wallet, asset, "0")
	e.Debit = decimal.RequireFromString(amount)
	return e
}

func TestMemoryStore_TxRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.Tx(ctx, func(tx Store) error {
		require.NoError(t, tx.Ledger().CreateEntries(ctx, []*models.LedgerEntry{
			credit(alice, models.AccountTypeWallet, alice, "usdc", "10"),
		}))
		require.NoError(t, tx.Channels().Create(ctx, &models.Channel{ChannelID: "0x01", Wallet: alice}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := store.Ledger().Balance(ctx, AccountRef{ID: alice, Type: models.AccountTypeWallet, Wallet: alice}, "usdc")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	_, err = store.Channels().GetByID(ctx, "0x01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TxCommitAndNested(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Tx(ctx, func(tx Store) error {
		return tx.Tx(ctx, func(inner Store) error {
			return inner.Ledger().CreateEntries(ctx, []*models.LedgerEntry{
				credit(alice, models.AccountTypeWallet, alice, "usdc", "10"),
				debit(alice, models.AccountTypeWallet, alice, "usdc", "2.5"),
			})
		})
	})
	require.NoError(t, err)

	bal, err := store.Ledger().Balance(ctx, AccountRef{ID: alice, Type: models.AccountTypeWallet, Wallet: alice}, "usdc")
	require.NoError(t, err)
	assert.Equal(t, "7.5", bal.String())
}

func TestMemoryStore_Holdings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	session := "0xsession"

	require.NoError(t, store.Ledger().CreateEntries(ctx, []*models.LedgerEntry{
		credit(session, models.AccountTypeAppSession, bob, "usdc", "3"),
		credit(session, models.AccountTypeAppSession, alice, "usdc", "5"),
		credit(session, models.AccountTypeAppSession, alice, "eth", "1"),
		debit(session, models.AccountTypeAppSession, alice, "eth", "1"),
		credit(alice, models.AccountTypeWallet, alice, "usdc", "100"),
	}))

	holdings, err := store.Ledger().Holdings(ctx, models.AccountTypeAppSession, session)
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	assert.Equal(t, bob, holdings[0].Wallet)
	assert.Equal(t, "3", holdings[0].Amount.String())
	assert.Equal(t, alice, holdings[1].Wallet)
	assert.Equal(t, "5", holdings[1].Amount.String())
}

func TestMemoryStore_RequestsReserve(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	requests := store.Requests()
	const hashA, hashB = "0xaa", "0xbb"

	require.NoError(t, requests.Reserve(ctx, &models.RPCRecord{Signer: alice, RequestID: 7, Method: "transfer", PayloadHash: hashA}))
	assert.ErrorIs(t, requests.Reserve(ctx, &models.RPCRecord{Signer: alice, RequestID: 7, Method: "transfer", PayloadHash: hashA}), ErrDuplicate)
	// same id, different payload
	require.NoError(t, requests.Reserve(ctx, &models.RPCRecord{Signer: alice, RequestID: 7, Method: "transfer", PayloadHash: hashB}))
	require.NoError(t, requests.Reserve(ctx, &models.RPCRecord{Signer: bob, RequestID: 7, Method: "transfer", PayloadHash: hashA}))

	require.NoError(t, requests.Release(ctx, alice, hashA))
	require.NoError(t, requests.Reserve(ctx, &models.RPCRecord{Signer: alice, RequestID: 7, Method: "transfer", PayloadHash: hashA}))

	n, err := requests.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMemoryStore_SessionsByParticipant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sessions := store.AppSessions()

	require.NoError(t, sessions.Create(ctx, &models.AppSession{
		SessionID:    "0x01",
		Participants: []string{alice, bob},
		Weights:      []int64{50, 50},
		Status:       models.AppSessionStatusOpen,
	}))
	require.NoError(t, sessions.Create(ctx, &models.AppSession{
		SessionID:    "0x02",
		Participants: []string{bob},
		Weights:      []int64{100},
		Status:       models.AppSessionStatusClosed,
	}))
	assert.ErrorIs(t, sessions.Create(ctx, &models.AppSession{SessionID: "0x01"}), ErrDuplicate)

	got, err := sessions.FindByParticipant(ctx, bob, "", Page{})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = sessions.FindByParticipant(ctx, bob, models.AppSessionStatusOpen, Page{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0x01", got[0].SessionID)

	// returned rows are copies
	got[0].Participants[0] = "mutated"
	fresh, err := sessions.GetByID(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, alice, fresh.Participants[0])
}

func TestMemoryStore_SessionKeysExpire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	keys := store.SessionKeys()
	now := time.Now()

	require.NoError(t, keys.Save(ctx, &models.SessionKey{Address: "0xaa", Wallet: alice, ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, keys.Save(ctx, &models.SessionKey{Address: "0xbb", Wallet: alice, ExpiresAt: now.Add(time.Hour)}))

	n, err := keys.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = keys.GetByAddress(ctx, "0xaa")
	assert.ErrorIs(t, err, ErrNotFound)
	left, err := keys.FindByWallet(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestWindow(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{2, 3}, window(items, Page{Offset: 1, Limit: 2}))
	assert.Equal(t, []int{5, 4}, window(items, Page{Limit: 2, Desc: true}))
	assert.Equal(t, []int{}, window(items, Page{Offset: 10}))
	assert.Equal(t, items, window(items, Page{}))
}
