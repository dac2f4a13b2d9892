package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// AppSessionStatus application session status
type AppSessionStatus string

const (
	AppSessionStatusOpen   AppSessionStatus = "open"
	AppSessionStatusClosed AppSessionStatus = "closed"
)

// Protocol versions. Only sessions created under an intent-aware protocol
// accept deposit and withdraw submissions.
const (
	ProtocolLegacy  = "NitroRPC/0.2"
	ProtocolIntents = "NitroRPC/0.4"
)

func SupportedProtocol(protocol string) bool {
	return protocol == ProtocolLegacy || protocol == ProtocolIntents
}

func SupportsIntents(protocol string) bool {
	return protocol == ProtocolIntents
}

// AppIntent semantic category of a session state submission
type AppIntent uint8

const (
	AppIntentOperate  AppIntent = 0
	AppIntentDeposit  AppIntent = 1
	AppIntentWithdraw AppIntent = 2
	AppIntentClose    AppIntent = 3
)

func (i AppIntent) String() string {
	switch i {
	case AppIntentOperate:
		return "operate"
	case AppIntentDeposit:
		return "deposit"
	case AppIntentWithdraw:
		return "withdraw"
	case AppIntentClose:
		return "close"
	default:
		return fmt.Sprintf("intent(%d)", uint8(i))
	}
}

func ParseAppIntent(s string) (AppIntent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "operate":
		return AppIntentOperate, nil
	case "deposit":
		return AppIntentDeposit, nil
	case "withdraw":
		return AppIntentWithdraw, nil
	case "close":
		return AppIntentClose, nil
	default:
		return 0, fmt.Errorf("unknown intent %q", s)
	}
}

func (i AppIntent) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *AppIntent) UnmarshalText(text []byte) error {
	parsed, err := ParseAppIntent(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// AppSession virtual multi-party ledger governed by quorum-signed state
type AppSession struct {
	SessionID    string           `json:"app_session_id" gorm:"primaryKey;size:66"`
	Application  string           `json:"application" gorm:"not null;index"`
	Protocol     string           `json:"protocol" gorm:"not null"`
	Participants pq.StringArray   `json:"participants" gorm:"type:text[];not null"`
	Weights      pq.Int64Array    `json:"weights" gorm:"type:bigint[];not null"`
	Quorum       uint64           `json:"quorum"`
	Challenge    uint64           `json:"challenge"`
	Nonce        uint64           `json:"nonce"`
	Status       AppSessionStatus `json:"status" gorm:"not null;index"`
	Version      uint64           `json:"version"`
	SessionData  string           `json:"session_data" gorm:"type:text"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (AppSession) TableName() string { return "app_sessions" }

// ParticipantIndex returns the position of wallet in the participant list, -1 if absent.
func (s *AppSession) ParticipantIndex(wallet string) int {
	for i, p := range s.Participants {
		if strings.EqualFold(p, wallet) {
			return i
		}
	}
	return -1
}

// Weight of a participant, 0 for strangers.
func (s *AppSession) Weight(wallet string) uint64 {
	i := s.ParticipantIndex(wallet)
	if i < 0 || i >= len(s.Weights) || s.Weights[i] < 0 {
		return 0
	}
	return uint64(s.Weights[i])
}
