// Package ledger implements double-entry bookkeeping over unified balances,
// app session shares and the custody mirror of each wallet.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clearnode/internal/apperr"
	"clearnode/internal/metrics"
	"clearnode/internal/models"
	"clearnode/internal/repository"

	"github.com/shopspring/decimal"
)

const (
	MsgInsufficientUnified = "insufficient unified balance"
	MsgInsufficientSession = "insufficient session balance"
	MsgAllowanceExceeded   = "allowance exceeded"
)

// Account identifies one side of a ledger movement
type Account struct {
	ID     string
	Type   models.AccountType
	Wallet string
}

func WalletAccount(wallet string) Account {
	return Account{ID: wallet, Type: models.AccountTypeWallet, Wallet: wallet}
}

func CustodyAccount(wallet string) Account {
	return Account{ID: wallet, Type: models.AccountTypeCustody, Wallet: wallet}
}

func SessionAccount(sessionID, participant string) Account {
	return Account{ID: sessionID, Type: models.AccountTypeAppSession, Wallet: participant}
}

func (a Account) ref() repository.AccountRef {
	return repository.AccountRef{ID: a.ID, Type: a.Type, Wallet: a.Wallet}
}

// Balance of one account in asset
func Balance(ctx context.Context, st repository.Store, account Account, asset string) (decimal.Decimal, error) {
	return st.Ledger().Balance(ctx, account.ref(), asset)
}

// Record appends one transaction with its debit and credit entries. Callers
// run it inside Store.Tx and hold the locks of every wallet involved.
// Wallet and app session accounts may not go negative; the custody mirror may.
func Record(ctx context.Context, st repository.Store, txType models.TransactionType, from, to Account, asset string, amount decimal.Decimal) (*models.LedgerTransaction, error) {
	if !models.ValidTransactionType(txType) {
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}
	if from == to {
		return nil, apperr.Validation("source and destination accounts are the same")
	}

	if from.Type != models.AccountTypeCustody {
		available, err := Balance(ctx, st, from, asset)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		if available.LessThan(amount) {
			if from.Type == models.AccountTypeWallet {
				return nil, apperr.State(MsgInsufficientUnified)
			}
			return nil, apperr.State(MsgInsufficientSession)
		}
	}

	tx := &models.LedgerTransaction{
		Type:            txType,
		FromAccount:     from.ID,
		FromAccountType: from.Type,
		ToAccount:       to.ID,
		ToAccountType:   to.Type,
		Asset:           asset,
		Amount:          amount,
	}
	if err := st.Ledger().CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create ledger transaction: %w", err)
	}

	entries := []*models.LedgerEntry{
		{
			TransactionID: tx.ID,
			AccountID:     from.ID,
			AccountType:   from.Type,
			Wallet:        from.Wallet,
			Asset:         asset,
			Credit:        decimal.Zero,
			Debit:         amount,
		},
		{
			TransactionID: tx.ID,
			AccountID:     to.ID,
			AccountType:   to.Type,
			Wallet:        to.Wallet,
			Asset:         asset,
			Credit:        amount,
			Debit:         decimal.Zero,
		},
	}
	if err := st.Ledger().CreateEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to create ledger entries: %w", err)
	}

	metrics.LedgerTransactions.WithLabelValues(string(txType)).Inc()
	return tx, nil
}

// ChargeAllowance debits amount from the allowance of a session key acting for wallet.
func ChargeAllowance(ctx context.Context, st repository.Store, sessionKey, wallet, asset string, amount decimal.Decimal) error {
	key, err := st.SessionKeys().GetByAddress(ctx, sessionKey)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Authorization("unknown session key")
	}
	if err != nil {
		return fmt.Errorf("failed to load session key: %w", err)
	}
	if key.Wallet != wallet {
		return apperr.Authorization("session key is not registered for %s", wallet)
	}
	if key.Expired(time.Now()) {
		return apperr.Authorization("session key expired")
	}
	if err := key.Spend(asset, amount); err != nil {
		return apperr.Authorization(MsgAllowanceExceeded)
	}
	if err := st.SessionKeys().Save(ctx, key); err != nil {
		return fmt.Errorf("failed to update session key allowance: %w", err)
	}
	return nil
}
