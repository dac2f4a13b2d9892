package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ChannelStatus on-chain custody lock status
type ChannelStatus string

const (
	ChannelStatusJoining    ChannelStatus = "joining"    // deposit seen, open not yet confirmed
	ChannelStatusOpen       ChannelStatus = "open"       // funds locked, off-chain updates allowed
	ChannelStatusChallenged ChannelStatus = "challenged" // a participant forced the last state on-chain
	ChannelStatusClosed     ChannelStatus = "closed"     // terminal
)

// ChannelIntent tags a channel state, matches the custody contract enum
type ChannelIntent uint8

const (
	ChannelIntentOperate    ChannelIntent = 0
	ChannelIntentInitialize ChannelIntent = 1
	ChannelIntentResize     ChannelIntent = 2
	ChannelIntentFinalize   ChannelIntent = 3
)

func (i ChannelIntent) String() string {
	switch i {
	case ChannelIntentOperate:
		return "operate"
	case ChannelIntentInitialize:
		return "initialize"
	case ChannelIntentResize:
		return "resize"
	case ChannelIntentFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("intent(%d)", uint8(i))
	}
}

// ChannelAllocation amount is in token base units
type ChannelAllocation struct {
	Destination string `json:"destination"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
}

// AmountInt parses the base-unit amount.
func (a ChannelAllocation) AmountInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(a.Amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid allocation amount %q", a.Amount)
	}
	return v, nil
}

// ChannelState versioned, intent-tagged snapshot of a channel
type ChannelState struct {
	Intent          ChannelIntent       `json:"intent"`
	Version         uint64              `json:"version"`
	Data            string              `json:"state_data"` // 0x hex
	Allocations     []ChannelAllocation `json:"allocations"`
	ServerSignature string              `json:"server_signature,omitempty"`
	ResizeAmount    string              `json:"resize_amount,omitempty"`
	AllocateAmount  string              `json:"allocate_amount,omitempty"`
}

// Channel one on-chain custody lock between a wallet and the broker
type Channel struct {
	ChannelID      string          `json:"channel_id" gorm:"primaryKey;size:66"`
	ChainID        uint64          `json:"chain_id" gorm:"not null;index"`
	Wallet         string          `json:"wallet" gorm:"not null;index;size:42"`
	Broker         string          `json:"broker" gorm:"not null;size:42"`
	Adjudicator    string          `json:"adjudicator" gorm:"size:42"`
	Token          string          `json:"token" gorm:"not null;size:42"`
	Asset          string          `json:"asset" gorm:"not null;index"`
	Challenge      uint64          `json:"challenge"`
	Nonce          uint64          `json:"nonce"`
	Status         ChannelStatus   `json:"status" gorm:"not null;index"`
	PreviousStatus ChannelStatus   `json:"-"`
	Version        uint64          `json:"version"`
	RawAmount      decimal.Decimal `json:"amount" gorm:"type:numeric(78,0);not null"`
	State          string          `json:"-" gorm:"type:text"`
	PendingState   string          `json:"-" gorm:"type:text"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Channel) TableName() string { return "channels" }

// LastState decodes the last confirmed state.
func (c *Channel) LastState() (*ChannelState, error) {
	return decodeChannelState(c.State)
}

func (c *Channel) SetLastState(s *ChannelState) error {
	encoded, err := encodeChannelState(s)
	if err != nil {
		return err
	}
	c.State = encoded
	return nil
}

// Pending returns the co-signed state awaiting on-chain confirmation, nil if none.
func (c *Channel) Pending() (*ChannelState, error) {
	return decodeChannelState(c.PendingState)
}

func (c *Channel) SetPending(s *ChannelState) error {
	encoded, err := encodeChannelState(s)
	if err != nil {
		return err
	}
	c.PendingState = encoded
	return nil
}

// Raw is the locked wallet amount in base units.
func (c *Channel) Raw() *big.Int {
	return c.RawAmount.BigInt()
}

func decodeChannelState(raw string) (*ChannelState, error) {
	if raw == "" {
		return nil, nil
	}
	var s ChannelState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode channel state: %w", err)
	}
	return &s, nil
}

func encodeChannelState(s *ChannelState) (string, error) {
	if s == nil {
		return "", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode channel state: %w", err)
	}
	return string(data), nil
}
