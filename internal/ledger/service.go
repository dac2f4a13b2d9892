package ledger

import (
	"context"
	"fmt"
	"sort"

	"clearnode/internal/amount"
	"clearnode/internal/apperr"
	"clearnode/internal/lock"
	"clearnode/internal/models"
	"clearnode/internal/notify"
	"clearnode/internal/repository"
	"clearnode/internal/utils"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// BalancesPayload is the body of a balance update notification
type BalancesPayload struct {
	BalanceUpdates []models.Balance `json:"balance_updates"`
}

// TransfersPayload is the body of a transfer notification
type TransfersPayload struct {
	Transactions []*models.LedgerTransaction `json:"transactions"`
}

// TransferAllocation one asset leg of a transfer
type TransferAllocation struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// TransferRequest moves funds between two unified balances. SessionKey is set
// when the request was signed by a session key instead of the wallet.
type TransferRequest struct {
	From        string
	SessionKey  string
	Destination string
	Allocations []TransferAllocation
}

// Query narrows entry and transaction listings
type Query struct {
	AccountID string
	Wallet    string
	Asset     string
	TxType    string
	Offset    int
	Limit     int
	Sort      string
}

// Service serves ledger reads and unified-balance transfers
type Service struct {
	store    repository.Store
	locks    *lock.Keyed
	assets   *utils.AssetRegistry
	notifier notify.Notifier
	logger   *logrus.Logger
}

func NewService(store repository.Store, locks *lock.Keyed, assets *utils.AssetRegistry, notifier notify.Notifier, logger *logrus.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{store: store, locks: locks, assets: assets, notifier: notifier, logger: logger}
}

// Balances of a wallet's unified account, or of a whole app session when
// accountID is a session id.
func (s *Service) Balances(ctx context.Context, accountID string) ([]models.Balance, error) {
	accountType := models.AccountTypeWallet
	switch {
	case utils.IsHash32(accountID):
		accountType = models.AccountTypeAppSession
		accountID, _ = utils.NormalizeHash(accountID)
	default:
		wallet, err := utils.NormalizeAddress(accountID)
		if err != nil {
			return nil, apperr.Validation("invalid account id: %s", accountID)
		}
		accountID = wallet
	}

	holdings, err := s.store.Ledger().Holdings(ctx, accountType, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	return sumByAsset(holdings), nil
}

func sumByAsset(holdings []repository.Holding) []models.Balance {
	totals := make(map[string]decimal.Decimal)
	for _, h := range holdings {
		totals[h.Asset] = totals[h.Asset].Add(h.Amount)
	}
	out := make([]models.Balance, 0, len(totals))
	for asset, total := range totals {
		if total.IsZero() {
			continue
		}
		out = append(out, models.Balance{Asset: asset, Amount: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Entries lists ledger entries for an account
func (s *Service) Entries(ctx context.Context, q Query) ([]*models.LedgerEntry, error) {
	page, err := repository.NewPage(q.Offset, q.Limit, q.Sort)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	filter := repository.EntryFilter{Asset: utils.NormalizeAsset(q.Asset), Page: page}
	if q.AccountID != "" {
		if filter.AccountID, err = normalizeAccountID(q.AccountID); err != nil {
			return nil, err
		}
	}
	if q.Wallet != "" {
		if filter.Wallet, err = utils.NormalizeAddress(q.Wallet); err != nil {
			return nil, apperr.Validation("invalid wallet: %s", q.Wallet)
		}
	}
	return s.store.Ledger().Entries(ctx, filter)
}

// Transactions lists ledger transactions touching an account
func (s *Service) Transactions(ctx context.Context, q Query) ([]*models.LedgerTransaction, error) {
	page, err := repository.NewPage(q.Offset, q.Limit, q.Sort)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	filter := repository.TransactionFilter{Asset: utils.NormalizeAsset(q.Asset), Page: page}
	if q.AccountID != "" {
		if filter.AccountID, err = normalizeAccountID(q.AccountID); err != nil {
			return nil, err
		}
	}
	if q.TxType != "" {
		filter.Type = models.TransactionType(q.TxType)
		if !models.ValidTransactionType(filter.Type) {
			return nil, apperr.Validation("unknown tx_type: %s", q.TxType)
		}
	}
	return s.store.Ledger().Transactions(ctx, filter)
}

func normalizeAccountID(id string) (string, error) {
	if utils.IsHash32(id) {
		return utils.NormalizeHash(id)
	}
	wallet, err := utils.NormalizeAddress(id)
	if err != nil {
		return "", apperr.Validation("invalid account id: %s", id)
	}
	return wallet, nil
}

// Transfer moves every allocation from one unified balance to another atomically
func (s *Service) Transfer(ctx context.Context, req TransferRequest) ([]*models.LedgerTransaction, error) {
	from, err := utils.NormalizeAddress(req.From)
	if err != nil {
		return nil, apperr.Validation("invalid sender: %s", req.From)
	}
	to, err := utils.NormalizeAddress(req.Destination)
	if err != nil {
		return nil, apperr.Validation("invalid destination: %s", req.Destination)
	}
	if from == to {
		return nil, apperr.Validation("cannot transfer to self")
	}
	if len(req.Allocations) == 0 {
		return nil, apperr.Validation("allocations must not be empty")
	}
	allocations := make([]TransferAllocation, len(req.Allocations))
	for i, alloc := range req.Allocations {
		decimals, ok := s.assets.Decimals(alloc.Asset)
		if !ok {
			return nil, apperr.Validation("unsupported asset: %s", alloc.Asset)
		}
		if !alloc.Amount.IsPositive() {
			return nil, apperr.Validation("amount must be positive")
		}
		if err := amount.CheckPrecision(alloc.Amount, decimals); err != nil {
			return nil, apperr.Validation("invalid amount for %s: %v", alloc.Asset, err)
		}
		alloc.Asset = utils.NormalizeAsset(alloc.Asset)
		allocations[i] = alloc
	}

	unlock := s.locks.Lock(lock.WalletKey(from), lock.WalletKey(to))
	defer unlock()

	var txs []*models.LedgerTransaction
	err = s.store.Tx(ctx, func(st repository.Store) error {
		txs = txs[:0]
		for _, alloc := range allocations {
			if req.SessionKey != "" {
				if err := ChargeAllowance(ctx, st, req.SessionKey, from, alloc.Asset, alloc.Amount); err != nil {
					return err
				}
			}
			tx, err := Record(ctx, st, models.TransactionTypeTransfer, WalletAccount(from), WalletAccount(to), alloc.Asset, alloc.Amount)
			if err != nil {
				return err
			}
			txs = append(txs, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"from":  from,
		"to":    to,
		"legs":  len(txs),
		"proxy": req.SessionKey != "",
	}).Info("💸 Transfer recorded")

	payload := TransfersPayload{Transactions: txs}
	s.notifier.Notify(from, notify.Transfer, payload)
	s.notifier.Notify(to, notify.Transfer, payload)
	s.NotifyBalances(ctx, from, to)
	return txs, nil
}

// NotifyBalances pushes fresh unified balances to each wallet. Called after commit.
func (s *Service) NotifyBalances(ctx context.Context, wallets ...string) {
	seen := make(map[string]bool, len(wallets))
	for _, wallet := range wallets {
		if wallet == "" || seen[wallet] {
			continue
		}
		seen[wallet] = true
		balances, err := s.Balances(ctx, wallet)
		if err != nil {
			s.logger.WithError(err).WithField("wallet", wallet).Warn("⚠️ Failed to load balances for notification")
			continue
		}
		s.notifier.Notify(wallet, notify.BalanceUpdate, BalancesPayload{BalanceUpdates: balances})
	}
}
