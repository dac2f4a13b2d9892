package repository

import (
	"context"

	"clearnode/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountRef addresses one ledger account. For app session accounts ID is the
// session id and Wallet selects the participant share.
type AccountRef struct {
	ID     string
	Type   models.AccountType
	Wallet string
}

// Holding is the net balance of one (wallet, asset) pair inside an account
type Holding struct {
	Wallet string
	Asset  string
	Amount decimal.Decimal
}

// EntryFilter narrows ledger entry listings. Empty fields match anything.
type EntryFilter struct {
	AccountID   string
	AccountType models.AccountType
	Wallet      string
	Asset       string
	Page        Page
}

// TransactionFilter narrows ledger transaction listings. AccountID matches either side.
type TransactionFilter struct {
	AccountID string
	Asset     string
	Type      models.TransactionType
	Page      Page
}

// LedgerRepository is append-only: entries and transactions are never updated
type LedgerRepository interface {
	CreateTransaction(ctx context.Context, tx *models.LedgerTransaction) error
	CreateEntries(ctx context.Context, entries []*models.LedgerEntry) error

	// Balance is Σcredit − Σdebit for one account and asset
	Balance(ctx context.Context, ref AccountRef, asset string) (decimal.Decimal, error)
	// Holdings groups an account's entries by wallet and asset
	Holdings(ctx context.Context, accountType models.AccountType, accountID string) ([]Holding, error)
	Entries(ctx context.Context, filter EntryFilter) ([]*models.LedgerEntry, error)
	Transactions(ctx context.Context, filter TransactionFilter) ([]*models.LedgerTransaction, error)
}

// ledgerRepository implements LedgerRepository
type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new LedgerRepository instance
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

// CreateTransaction inserts a transaction header and fills its ID
func (r *ledgerRepository) CreateTransaction(ctx context.Context, tx *models.LedgerTransaction) error {
	return translate(r.db.WithContext(ctx).Create(tx).Error)
}

// CreateEntries inserts entries in one batch
func (r *ledgerRepository) CreateEntries(ctx context.Context, entries []*models.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return translate(r.db.WithContext(ctx).CreateInBatches(entries, 100).Error)
}

type sumRow struct {
	Wallet string
	Asset  string
	Credit decimal.Decimal
	Debit  decimal.Decimal
}

// Balance sums credits and debits for the account
func (r *ledgerRepository) Balance(ctx context.Context, ref AccountRef, asset string) (decimal.Decimal, error) {
	var row sumRow
	err := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("COALESCE(SUM(credit), 0) AS credit, COALESCE(SUM(debit), 0) AS debit").
		Where("account_id = ? AND account_type = ? AND wallet = ? AND asset = ?", ref.ID, ref.Type, ref.Wallet, asset).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Credit.Sub(row.Debit), nil
}

// Holdings returns one row per (wallet, asset) with a non-zero net balance
func (r *ledgerRepository) Holdings(ctx context.Context, accountType models.AccountType, accountID string) ([]Holding, error) {
	var rows []sumRow
	err := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("wallet, asset, COALESCE(SUM(credit), 0) AS credit, COALESCE(SUM(debit), 0) AS debit").
		Where("account_id = ? AND account_type = ?", accountID, accountType).
		Group("wallet, asset").
		Order("wallet, asset").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toHoldings(rows), nil
}

func toHoldings(rows []sumRow) []Holding {
	holdings := make([]Holding, 0, len(rows))
	for _, row := range rows {
		net := row.Credit.Sub(row.Debit)
		if net.IsZero() {
			continue
		}
		holdings = append(holdings, Holding{Wallet: row.Wallet, Asset: row.Asset, Amount: net})
	}
	return holdings
}

// Entries lists ledger entries in insertion order
func (r *ledgerRepository) Entries(ctx context.Context, filter EntryFilter) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	q := r.db.WithContext(ctx).Model(&models.LedgerEntry{})
	if filter.AccountID != "" {
		q = q.Where("account_id = ?", filter.AccountID)
	}
	if filter.AccountType != "" {
		q = q.Where("account_type = ?", filter.AccountType)
	}
	if filter.Wallet != "" {
		q = q.Where("wallet = ?", filter.Wallet)
	}
	if filter.Asset != "" {
		q = q.Where("asset = ?", filter.Asset)
	}
	if err := filter.Page.apply(q, "id").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Transactions lists ledger transactions touching an account
func (r *ledgerRepository) Transactions(ctx context.Context, filter TransactionFilter) ([]*models.LedgerTransaction, error) {
	var txs []*models.LedgerTransaction
	q := r.db.WithContext(ctx).Model(&models.LedgerTransaction{})
	if filter.AccountID != "" {
		q = q.Where("from_account = ? OR to_account = ?", filter.AccountID, filter.AccountID)
	}
	if filter.Asset != "" {
		q = q.Where("asset = ?", filter.Asset)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if err := filter.Page.apply(q, "id").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}
