package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"

	"clearnode/internal/apperr"
	"clearnode/internal/appsession"
	"clearnode/internal/dto"
	"clearnode/internal/ledger"
	"clearnode/internal/models"
	"clearnode/internal/sign"
	"clearnode/internal/utils"
)

// Method names a request type. Every method has exactly one params type.
type Method string

const (
	MethodPing                  Method = "ping"
	MethodGetConfig             Method = "get_config"
	MethodGetAssets             Method = "get_assets"
	MethodAuthRequest           Method = "auth_request"
	MethodAuthVerify            Method = "auth_verify"
	MethodGetLedgerBalances     Method = "get_ledger_balances"
	MethodGetLedgerEntries      Method = "get_ledger_entries"
	MethodGetLedgerTransactions Method = "get_ledger_transactions"
	MethodGetChannels           Method = "get_channels"
	MethodCreateChannel         Method = "create_channel"
	MethodResizeChannel         Method = "resize_channel"
	MethodCloseChannel          Method = "close_channel"
	MethodCreateAppSession      Method = "create_app_session"
	MethodGetAppDefinition      Method = "get_app_definition"
	MethodGetAppSessions        Method = "get_app_sessions"
	MethodSubmitAppState        Method = "submit_app_state"
	MethodCloseAppSession       Method = "close_app_session"
	MethodTransfer              Method = "transfer"

	// server only
	MethodPong          Method = "pong"
	MethodError         Method = "error"
	MethodAuthChallenge Method = "auth_challenge"
)

type (
	EmptyParams struct{}

	GetAssetsParams struct {
		ChainID uint64 `json:"chain_id,omitempty"`
	}

	GetLedgerBalancesParams struct {
		AccountID string `json:"account_id,omitempty"`
	}

	GetLedgerEntriesParams struct {
		AccountID string `json:"account_id,omitempty"`
		Wallet    string `json:"wallet,omitempty"`
		Asset     string `json:"asset,omitempty"`
		Offset    int    `json:"offset,omitempty"`
		Limit     int    `json:"limit,omitempty"`
		Sort      string `json:"sort,omitempty"`
	}

	GetLedgerTransactionsParams struct {
		AccountID string `json:"account_id,omitempty"`
		Asset     string `json:"asset,omitempty"`
		TxType    string `json:"tx_type,omitempty"`
		Offset    int    `json:"offset,omitempty"`
		Limit     int    `json:"limit,omitempty"`
		Sort      string `json:"sort,omitempty"`
	}

	GetChannelsParams struct {
		Participant string `json:"participant,omitempty"`
		Status      string `json:"status,omitempty"`
		Offset      int    `json:"offset,omitempty"`
		Limit       int    `json:"limit,omitempty"`
		Sort        string `json:"sort,omitempty"`
	}

	CreateChannelParams struct {
		ChainID uint64 `json:"chain_id"`
		Token   string `json:"token"`
		Amount  string `json:"amount"`
	}

	ResizeChannelParams struct {
		ChannelID        string `json:"channel_id"`
		ResizeAmount     string `json:"resize_amount,omitempty"`
		AllocateAmount   string `json:"allocate_amount,omitempty"`
		FundsDestination string `json:"funds_destination,omitempty"`
	}

	CloseChannelParams struct {
		ChannelID        string `json:"channel_id"`
		FundsDestination string `json:"funds_destination,omitempty"`
	}

	CreateAppSessionParams struct {
		Definition  appsession.Definition   `json:"definition"`
		Allocations []appsession.Allocation `json:"allocations"`
		SessionData string                  `json:"session_data,omitempty"`
		QuorumSigs  []sign.Sig              `json:"quorum_sigs"`
	}

	GetAppDefinitionParams struct {
		AppSessionID string `json:"app_session_id"`
	}

	GetAppSessionsParams struct {
		Participant string `json:"participant,omitempty"`
		Status      string `json:"status,omitempty"`
		Offset      int    `json:"offset,omitempty"`
		Limit       int    `json:"limit,omitempty"`
		Sort        string `json:"sort,omitempty"`
	}

	SubmitAppStateParams struct {
		AppSessionID string                  `json:"app_session_id"`
		Intent       models.AppIntent        `json:"intent"`
		Version      uint64                  `json:"version"`
		Allocations  []appsession.Allocation `json:"allocations"`
		SessionData  string                  `json:"session_data,omitempty"`
		QuorumSigs   []sign.Sig              `json:"quorum_sigs"`
	}

	CloseAppSessionParams struct {
		AppSessionID string                  `json:"app_session_id"`
		Version      uint64                  `json:"version,omitempty"`
		Allocations  []appsession.Allocation `json:"allocations"`
		SessionData  string                  `json:"session_data,omitempty"`
		QuorumSigs   []sign.Sig              `json:"quorum_sigs"`
	}

	TransferParams struct {
		Destination string                      `json:"destination"`
		Allocations []ledger.TransferAllocation `json:"allocations"`
	}
)

// validator is implemented by params that check themselves at the boundary
type validator interface {
	Validate() error
}

// paramsFor returns a fresh params value for method, nil for unknown methods.
func paramsFor(method Method) any {
	switch method {
	case MethodPing, MethodGetConfig:
		return &EmptyParams{}
	case MethodGetAssets:
		return &GetAssetsParams{}
	case MethodAuthRequest:
		return &dto.AuthRequest{}
	case MethodAuthVerify:
		return &dto.AuthVerifyRequest{}
	case MethodGetLedgerBalances:
		return &GetLedgerBalancesParams{}
	case MethodGetLedgerEntries:
		return &GetLedgerEntriesParams{}
	case MethodGetLedgerTransactions:
		return &GetLedgerTransactionsParams{}
	case MethodGetChannels:
		return &GetChannelsParams{}
	case MethodCreateChannel:
		return &CreateChannelParams{}
	case MethodResizeChannel:
		return &ResizeChannelParams{}
	case MethodCloseChannel:
		return &CloseChannelParams{}
	case MethodCreateAppSession:
		return &CreateAppSessionParams{}
	case MethodGetAppDefinition:
		return &GetAppDefinitionParams{}
	case MethodGetAppSessions:
		return &GetAppSessionsParams{}
	case MethodSubmitAppState:
		return &SubmitAppStateParams{}
	case MethodCloseAppSession:
		return &CloseAppSessionParams{}
	case MethodTransfer:
		return &TransferParams{}
	default:
		return nil
	}
}

// DecodeParams decodes raw into the params type of method and validates it.
// Unknown fields are rejected.
func DecodeParams(method Method, raw json.RawMessage) (any, error) {
	params := paramsFor(method)
	if params == nil {
		return nil, apperr.Validation("unknown method: %s", method)
	}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(params); err != nil {
			return nil, apperr.Validation("invalid params for %s: %v", method, err)
		}
	}
	if v, ok := params.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return params, nil
}

// parseBaseUnits parses an optional signed integer amount in token base units.
func parseBaseUnits(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, apperr.Validation("invalid %s: %s", field, s)
	}
	return v, nil
}

func requireHash(field, s string) error {
	if !utils.IsHash32(s) {
		return apperr.Validation("invalid %s: %q", field, s)
	}
	return nil
}

func (p *CreateChannelParams) Validate() error {
	if p.ChainID == 0 {
		return apperr.Validation("chain_id is required")
	}
	if !utils.IsEvmAddress(p.Token) {
		return apperr.Validation("invalid token: %q", p.Token)
	}
	v, err := parseBaseUnits("amount", p.Amount)
	if err != nil {
		return err
	}
	if v.Sign() < 0 {
		return apperr.Validation("amount must not be negative")
	}
	return nil
}

func (p *ResizeChannelParams) Validate() error {
	if err := requireHash("channel_id", p.ChannelID); err != nil {
		return err
	}
	if _, err := parseBaseUnits("resize_amount", p.ResizeAmount); err != nil {
		return err
	}
	_, err := parseBaseUnits("allocate_amount", p.AllocateAmount)
	return err
}

func (p *CloseChannelParams) Validate() error {
	return requireHash("channel_id", p.ChannelID)
}

func (p *GetAppDefinitionParams) Validate() error {
	return requireHash("app_session_id", p.AppSessionID)
}

func (p *CreateAppSessionParams) Validate() error {
	if len(p.QuorumSigs) == 0 {
		return apperr.Validation("quorum_sigs must not be empty")
	}
	return nil
}

func (p *SubmitAppStateParams) Validate() error {
	if err := requireHash("app_session_id", p.AppSessionID); err != nil {
		return err
	}
	if len(p.QuorumSigs) == 0 {
		return apperr.Validation("quorum_sigs must not be empty")
	}
	return nil
}

func (p *CloseAppSessionParams) Validate() error {
	if err := requireHash("app_session_id", p.AppSessionID); err != nil {
		return err
	}
	if len(p.QuorumSigs) == 0 {
		return apperr.Validation("quorum_sigs must not be empty")
	}
	return nil
}

func (p *TransferParams) Validate() error {
	if !utils.IsEvmAddress(p.Destination) {
		return apperr.Validation("invalid destination: %q", p.Destination)
	}
	if len(p.Allocations) == 0 {
		return apperr.Validation("allocations must not be empty")
	}
	return nil
}

func (p *GetChannelsParams) Validate() error {
	switch models.ChannelStatus(p.Status) {
	case "", models.ChannelStatusJoining, models.ChannelStatusOpen, models.ChannelStatusChallenged, models.ChannelStatusClosed:
		return nil
	default:
		return apperr.Validation("invalid status: %s", p.Status)
	}
}
