package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType kind of ledger account
type AccountType string

const (
	AccountTypeWallet     AccountType = "wallet"      // unified balance
	AccountTypeAppSession AccountType = "app_session" // one participant's share inside a session
	AccountTypeCustody    AccountType = "custody"     // mirror of the wallet's on-chain custody side
)

// TransactionType category of a ledger movement
type TransactionType string

const (
	TransactionTypeTransfer      TransactionType = "transfer"
	TransactionTypeDeposit       TransactionType = "deposit"
	TransactionTypeWithdrawal    TransactionType = "withdrawal"
	TransactionTypeAppDeposit    TransactionType = "app_deposit"
	TransactionTypeAppWithdrawal TransactionType = "app_withdrawal"
)

func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TransactionTypeTransfer, TransactionTypeDeposit, TransactionTypeWithdrawal,
		TransactionTypeAppDeposit, TransactionTypeAppWithdrawal:
		return true
	}
	return false
}

// LedgerEntry immutable debit or credit row. Never updated, never deleted.
type LedgerEntry struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	TransactionID uint            `json:"transaction_id" gorm:"not null;index"`
	AccountID     string          `json:"account_id" gorm:"not null;index:idx_ledger_account;size:66"`
	AccountType   AccountType     `json:"account_type" gorm:"not null;index:idx_ledger_account"`
	Wallet        string          `json:"wallet" gorm:"not null;index:idx_ledger_account;size:42"`
	Asset         string          `json:"asset" gorm:"not null;index:idx_ledger_account"`
	Credit        decimal.Decimal `json:"credit" gorm:"type:numeric(78,18);not null"`
	Debit         decimal.Decimal `json:"debit" gorm:"type:numeric(78,18);not null"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerTransaction one logical movement, backed by exactly one debit and one credit entry
type LedgerTransaction struct {
	ID              uint            `json:"id" gorm:"primaryKey"`
	Type            TransactionType `json:"tx_type" gorm:"not null;index"`
	FromAccount     string          `json:"from_account" gorm:"not null;index;size:66"`
	FromAccountType AccountType     `json:"from_account_type" gorm:"not null"`
	ToAccount       string          `json:"to_account" gorm:"not null;index;size:66"`
	ToAccountType   AccountType     `json:"to_account_type" gorm:"not null"`
	Asset           string          `json:"asset" gorm:"not null;index"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(78,18);not null"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

// Balance per-asset view of an account
type Balance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}
