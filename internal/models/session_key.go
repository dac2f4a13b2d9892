package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Allowance cap on what a session key may move out of the unified balance
type Allowance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// SessionKey a short-lived key authorised by a wallet during the auth handshake
type SessionKey struct {
	Address     string    `json:"session_key" gorm:"primaryKey;size:42"`
	Wallet      string    `json:"wallet" gorm:"not null;index;size:42"`
	Application string    `json:"application" gorm:"not null"`
	Scope       string    `json:"scope"`
	Allowances  string    `json:"-" gorm:"type:text"` // JSON []Allowance
	Spent       string    `json:"-" gorm:"type:text"` // JSON map asset -> amount
	ExpiresAt   time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (SessionKey) TableName() string { return "session_keys" }

func (k *SessionKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

func (k *SessionKey) GetAllowances() ([]Allowance, error) {
	if k.Allowances == "" {
		return nil, nil
	}
	var out []Allowance
	if err := json.Unmarshal([]byte(k.Allowances), &out); err != nil {
		return nil, fmt.Errorf("failed to decode allowances: %w", err)
	}
	return out, nil
}

func (k *SessionKey) SetAllowances(allowances []Allowance) error {
	data, err := json.Marshal(allowances)
	if err != nil {
		return err
	}
	k.Allowances = string(data)
	return nil
}

func (k *SessionKey) GetSpent() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	if k.Spent == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(k.Spent), &out); err != nil {
		return nil, fmt.Errorf("failed to decode spent amounts: %w", err)
	}
	return out, nil
}

// Remaining is the unspent allowance for asset. Assets without an allowance have none.
func (k *SessionKey) Remaining(asset string) (decimal.Decimal, error) {
	allowances, err := k.GetAllowances()
	if err != nil {
		return decimal.Zero, err
	}
	spent, err := k.GetSpent()
	if err != nil {
		return decimal.Zero, err
	}
	for _, a := range allowances {
		if strings.EqualFold(a.Asset, asset) {
			return a.Amount.Sub(spent[strings.ToLower(asset)]), nil
		}
	}
	return decimal.Zero, nil
}

// Spend records amount against the allowance, failing when it would go over.
func (k *SessionKey) Spend(asset string, amount decimal.Decimal) error {
	remaining, err := k.Remaining(asset)
	if err != nil {
		return err
	}
	if amount.GreaterThan(remaining) {
		return fmt.Errorf("allowance exceeded for %s: remaining %s, requested %s", asset, remaining.String(), amount.String())
	}
	spent, err := k.GetSpent()
	if err != nil {
		return err
	}
	key := strings.ToLower(asset)
	spent[key] = spent[key].Add(amount)
	data, err := json.Marshal(spent)
	if err != nil {
		return err
	}
	k.Spent = string(data)
	return nil
}
