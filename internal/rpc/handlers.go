package rpc

import (
	"context"
	"sort"

	"clearnode/internal/apperr"
	"clearnode/internal/appsession"
	"clearnode/internal/channel"
	"clearnode/internal/dto"
	"clearnode/internal/ledger"
	"clearnode/internal/models"
	"clearnode/internal/repository"
	"clearnode/internal/utils"
)

// NetworkInfo one custody deployment as reported by get_config
type NetworkInfo struct {
	Name               string `json:"name"`
	ChainID            uint64 `json:"chain_id"`
	CustodyAddress     string `json:"custody_address"`
	AdjudicatorAddress string `json:"adjudicator_address"`
	ChallengePeriod    uint64 `json:"challenge_period"`
}

// ConfigResult response of get_config
type ConfigResult struct {
	BrokerAddress string        `json:"broker_address"`
	Networks      []NetworkInfo `json:"networks"`
}

type AssetsResult struct {
	Assets []utils.AssetInfo `json:"assets"`
}

type BalancesResult struct {
	LedgerBalances []models.Balance `json:"ledger_balances"`
}

type EntriesResult struct {
	LedgerEntries []*models.LedgerEntry `json:"ledger_entries"`
}

type TransactionsResult struct {
	LedgerTransactions []*models.LedgerTransaction `json:"ledger_transactions"`
}

type ChannelsResult struct {
	Channels []*models.Channel `json:"channels"`
}

type AppSessionsResult struct {
	AppSessions []*appsession.Session `json:"app_sessions"`
}

func (r *Router) handlePing(context.Context, *Call) (any, error) {
	return EmptyParams{}, nil
}

func (r *Router) handleGetConfig(context.Context, *Call) (any, error) {
	result := ConfigResult{Networks: []NetworkInfo{}}
	if r.signer != nil {
		result.BrokerAddress = r.signer.Address().Hex()
	}
	if r.cfg != nil {
		for name, network := range r.cfg.Blockchain.Networks {
			if !network.Enabled {
				continue
			}
			result.Networks = append(result.Networks, NetworkInfo{
				Name:               name,
				ChainID:            network.ChainID,
				CustodyAddress:     network.CustodyContract,
				AdjudicatorAddress: network.Adjudicator,
				ChallengePeriod:    network.ChallengePeriod,
			})
		}
	}
	sort.Slice(result.Networks, func(i, j int) bool { return result.Networks[i].ChainID < result.Networks[j].ChainID })
	return result, nil
}

func (r *Router) handleGetAssets(_ context.Context, call *Call) (any, error) {
	params := call.Params.(*GetAssetsParams)
	result := AssetsResult{Assets: []utils.AssetInfo{}}
	for _, asset := range r.svc.Assets.All() {
		if params.ChainID != 0 && asset.ChainID != params.ChainID {
			continue
		}
		result.Assets = append(result.Assets, asset)
	}
	return result, nil
}

func (r *Router) handleAuthRequest(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*dto.AuthRequest)
	ch, err := r.svc.Auth.Request(ctx, *params)
	if err != nil {
		return nil, err
	}
	return dto.AuthChallenge{ChallengeMessage: ch.Token.String()}, nil
}

// handleAuthVerify completes a handshake with the signature in the envelope,
// or restores a session from a bearer token.
func (r *Router) handleAuthVerify(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*dto.AuthVerifyRequest)

	var token string
	switch {
	case params.Challenge != "":
		if len(call.Request.Sig) == 0 {
			return nil, apperr.Authorization("missing signature")
		}
		session, jwtToken, err := r.svc.Auth.Verify(ctx, params.Challenge, call.Request.Sig[0])
		if err != nil {
			return nil, err
		}
		r.hub.Bind(call.Conn, session.Wallet)
		call.Conn.bind(session)
		token = jwtToken
	case params.JWT != "":
		session, err := r.svc.Auth.VerifyToken(ctx, params.JWT)
		if err != nil {
			return nil, err
		}
		r.hub.Bind(call.Conn, session.Wallet)
		call.Conn.bind(session)
		token = params.JWT
	default:
		return nil, apperr.Validation("challenge or jwt is required")
	}

	session := call.Conn.Session()
	return dto.AuthVerifyResponse{
		Address:    session.Wallet,
		SessionKey: session.SessionKey,
		JWTToken:   token,
		Success:    true,
	}, nil
}

func (r *Router) handleGetLedgerBalances(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*GetLedgerBalancesParams)
	account := params.AccountID
	if account == "" {
		account = call.Wallet
	}
	balances, err := r.svc.Ledger.Balances(ctx, account)
	if err != nil {
		return nil, err
	}
	return BalancesResult{LedgerBalances: balances}, nil
}

func (r *Router) handleGetLedgerEntries(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*GetLedgerEntriesParams)
	q := ledger.Query{
		AccountID: params.AccountID,
		Wallet:    params.Wallet,
		Asset:     params.Asset,
		Offset:    params.Offset,
		Limit:     params.Limit,
		Sort:      params.Sort,
	}
	if q.AccountID == "" && q.Wallet == "" {
		q.Wallet = call.Wallet
	}
	entries, err := r.svc.Ledger.Entries(ctx, q)
	if err != nil {
		return nil, err
	}
	return EntriesResult{LedgerEntries: entries}, nil
}

func (r *Router) handleGetLedgerTransactions(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*GetLedgerTransactionsParams)
	txs, err := r.svc.Ledger.Transactions(ctx, ledger.Query{
		AccountID: params.AccountID,
		Asset:     params.Asset,
		TxType:    params.TxType,
		Offset:    params.Offset,
		Limit:     params.Limit,
		Sort:      params.Sort,
	})
	if err != nil {
		return nil, err
	}
	return TransactionsResult{LedgerTransactions: txs}, nil
}

func (r *Router) handleGetChannels(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*GetChannelsParams)
	page, err := repository.NewPage(params.Offset, params.Limit, params.Sort)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	channels, err := r.svc.Channels.List(ctx, params.Participant, models.ChannelStatus(params.Status), page)
	if err != nil {
		return nil, err
	}
	return ChannelsResult{Channels: channels}, nil
}

func (r *Router) handleCreateChannel(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*CreateChannelParams)
	amount, err := parseBaseUnits("amount", params.Amount)
	if err != nil {
		return nil, err
	}
	return r.svc.Channels.Create(ctx, channel.CreateRequest{
		Wallet:  call.Wallet,
		ChainID: params.ChainID,
		Token:   params.Token,
		Amount:  amount,
	})
}

func (r *Router) handleResizeChannel(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*ResizeChannelParams)
	resize, err := parseBaseUnits("resize_amount", params.ResizeAmount)
	if err != nil {
		return nil, err
	}
	allocate, err := parseBaseUnits("allocate_amount", params.AllocateAmount)
	if err != nil {
		return nil, err
	}
	return r.svc.Channels.Resize(ctx, channel.ResizeRequest{
		Wallet:           call.Wallet,
		ChannelID:        params.ChannelID,
		ResizeAmount:     resize,
		AllocateAmount:   allocate,
		FundsDestination: params.FundsDestination,
	})
}

func (r *Router) handleCloseChannel(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*CloseChannelParams)
	return r.svc.Channels.Close(ctx, channel.CloseRequest{
		Wallet:           call.Wallet,
		ChannelID:        params.ChannelID,
		FundsDestination: params.FundsDestination,
	})
}

func (r *Router) handleCreateAppSession(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*CreateAppSessionParams)
	return r.svc.AppSessions.Create(ctx, appsession.CreateRequest{
		Definition:  params.Definition,
		Allocations: params.Allocations,
		SessionData: params.SessionData,
		Sigs:        params.QuorumSigs,
	})
}

func (r *Router) handleGetAppDefinition(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*GetAppDefinitionParams)
	return r.svc.AppSessions.Definition(ctx, params.AppSessionID)
}

func (r *Router) handleGetAppSessions(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*GetAppSessionsParams)
	participant := params.Participant
	if participant == "" {
		participant = call.Wallet
	}
	if participant == "" {
		return nil, apperr.Validation("participant is required")
	}
	page, err := repository.NewPage(params.Offset, params.Limit, params.Sort)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	sessions, err := r.svc.AppSessions.List(ctx, participant, models.AppSessionStatus(params.Status), page)
	if err != nil {
		return nil, err
	}
	return AppSessionsResult{AppSessions: sessions}, nil
}

func (r *Router) handleSubmitAppState(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*SubmitAppStateParams)
	return r.svc.AppSessions.Submit(ctx, appsession.SubmitRequest{
		SessionID:   params.AppSessionID,
		Intent:      params.Intent,
		Version:     params.Version,
		Allocations: params.Allocations,
		SessionData: params.SessionData,
		Sigs:        params.QuorumSigs,
	})
}

func (r *Router) handleCloseAppSession(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*CloseAppSessionParams)
	return r.svc.AppSessions.Close(ctx, appsession.CloseRequest{
		SessionID:   params.AppSessionID,
		Version:     params.Version,
		Allocations: params.Allocations,
		SessionData: params.SessionData,
		Sigs:        params.QuorumSigs,
	})
}

func (r *Router) handleTransfer(ctx context.Context, call *Call) (any, error) {
	params := call.Params.(*TransferParams)
	txs, err := r.svc.Ledger.Transfer(ctx, ledger.TransferRequest{
		From:        call.Wallet,
		SessionKey:  call.SessionKey,
		Destination: params.Destination,
		Allocations: params.Allocations,
	})
	if err != nil {
		return nil, err
	}
	return ledger.TransfersPayload{Transactions: txs}, nil
}
