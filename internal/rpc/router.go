package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"clearnode/internal/apperr"
	"clearnode/internal/appsession"
	"clearnode/internal/auth"
	"clearnode/internal/channel"
	"clearnode/internal/config"
	"clearnode/internal/ledger"
	"clearnode/internal/metrics"
	"clearnode/internal/models"
	"clearnode/internal/repository"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

const (
	msgAlreadyProcessed = "request already processed"
	msgRequestExpired   = "request expired"

	// maxClockSkew is how far ahead of the server clock a request may be stamped
	maxClockSkew = time.Minute
)

// Services the router dispatches into
type Services struct {
	Store       repository.Store
	Assets      *utils.AssetRegistry
	Auth        *auth.Service
	Ledger      *ledger.Service
	Channels    *channel.Service
	AppSessions *appsession.Service
}

// Call is one decoded request on its way through a handler. SessionKey is set
// when the envelope was signed by a session key rather than the wallet.
type Call struct {
	Conn       *Conn
	Request    *Request
	Params     any
	Wallet     string
	SessionKey string
}

type handlerFunc func(ctx context.Context, call *Call) (any, error)

type route struct {
	handler handlerFunc
	reply   Method // response method, the request method when empty
	auth    bool   // needs an authenticated connection
	signed  bool   // state-changing: envelope signature and replay guard
}

// Router decodes requests, enforces authentication and replay protection, and
// signs every response with the broker key.
type Router struct {
	cfg    *config.Config
	hub    *Hub
	signer *sign.Signer
	svc    Services
	logger *logrus.Logger
	routes map[Method]route
	now    func() time.Time
}

func NewRouter(cfg *config.Config, hub *Hub, signer *sign.Signer, svc Services, logger *logrus.Logger) *Router {
	r := &Router{cfg: cfg, hub: hub, signer: signer, svc: svc, logger: logger, now: time.Now}
	r.routes = map[Method]route{
		MethodPing:                  {handler: r.handlePing, reply: MethodPong},
		MethodGetConfig:             {handler: r.handleGetConfig},
		MethodGetAssets:             {handler: r.handleGetAssets},
		MethodAuthRequest:           {handler: r.handleAuthRequest, reply: MethodAuthChallenge},
		MethodAuthVerify:            {handler: r.handleAuthVerify},
		MethodGetLedgerBalances:     {handler: r.handleGetLedgerBalances, auth: true},
		MethodGetLedgerEntries:      {handler: r.handleGetLedgerEntries, auth: true},
		MethodGetLedgerTransactions: {handler: r.handleGetLedgerTransactions},
		MethodGetChannels:           {handler: r.handleGetChannels},
		MethodCreateChannel:         {handler: r.handleCreateChannel, auth: true, signed: true},
		MethodResizeChannel:         {handler: r.handleResizeChannel, auth: true, signed: true},
		MethodCloseChannel:          {handler: r.handleCloseChannel, auth: true, signed: true},
		MethodCreateAppSession:      {handler: r.handleCreateAppSession, auth: true, signed: true},
		MethodGetAppDefinition:      {handler: r.handleGetAppDefinition},
		MethodGetAppSessions:        {handler: r.handleGetAppSessions},
		MethodSubmitAppState:        {handler: r.handleSubmitAppState, auth: true, signed: true},
		MethodCloseAppSession:       {handler: r.handleCloseAppSession, auth: true, signed: true},
		MethodTransfer:              {handler: r.handleTransfer, auth: true, signed: true},
	}
	return r
}

// Handle processes one raw client message and returns the encoded response.
func (r *Router) Handle(ctx context.Context, conn *Conn, data []byte) []byte {
	resp := r.Dispatch(ctx, conn, data)
	out, err := json.Marshal(resp)
	if err != nil {
		r.logger.WithError(err).Error("❌ Failed to encode response")
		out, _ = json.Marshal(r.sign(NewErrorResponse(resp.Res.RequestID, "internal error")))
	}
	return out
}

// Dispatch runs a request through the pipeline. It always returns a signed response.
func (r *Router) Dispatch(ctx context.Context, conn *Conn, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		metrics.RPCRequests.WithLabelValues("unknown", string(apperr.KindValidation)).Inc()
		return r.sign(NewErrorResponse(0, "invalid message format"))
	}
	id := req.Req.RequestID

	if !conn.limiter.Allow() {
		metrics.RPCRateLimited.Inc()
		return r.sign(NewErrorResponse(id, "rate limit exceeded"))
	}

	rt, ok := r.routes[req.Req.Method]
	if !ok {
		metrics.RPCRequests.WithLabelValues("unknown", string(apperr.KindValidation)).Inc()
		return r.sign(NewErrorResponse(id, "unknown method: "+string(req.Req.Method)))
	}

	start := time.Now()
	result, err := r.call(ctx, conn, &req, rt)
	method := string(req.Req.Method)
	metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := apperr.KindOf(err)
		metrics.RPCRequests.WithLabelValues(method, string(kind)).Inc()
		entry := r.logger.WithFields(logrus.Fields{
			"conn_id":    conn.ID,
			"wallet":     conn.Wallet(),
			"method":     method,
			"request_id": id,
		}).WithError(err)
		if kind == apperr.KindInternal {
			entry.Error("❌ RPC request failed")
		} else {
			entry.Debug("RPC request rejected")
		}
		return r.sign(NewErrorResponse(id, apperr.PublicMessage(err)))
	}
	metrics.RPCRequests.WithLabelValues(method, "ok").Inc()

	reply := rt.reply
	if reply == "" {
		reply = req.Req.Method
	}
	resp, err := NewResponse(id, reply, result)
	if err != nil {
		r.logger.WithError(err).WithField("method", method).Error("❌ Failed to encode result")
		return r.sign(NewErrorResponse(id, "internal error"))
	}
	return r.sign(resp)
}

func (r *Router) call(ctx context.Context, conn *Conn, req *Request, rt route) (any, error) {
	params, err := DecodeParams(req.Req.Method, req.Req.Params)
	if err != nil {
		return nil, err
	}
	call := &Call{Conn: conn, Request: req, Params: params, Wallet: conn.Wallet()}

	if rt.auth && call.Wallet == "" {
		return nil, apperr.Authorization("authentication required")
	}
	if !rt.signed {
		return rt.handler(ctx, call)
	}

	if call.SessionKey, err = r.envelopeSigner(ctx, conn, req); err != nil {
		return nil, err
	}
	if err := r.checkFresh(req); err != nil {
		return nil, err
	}
	hash := req.Hash()
	record := &models.RPCRecord{
		Signer:      call.Wallet,
		RequestID:   req.Req.RequestID,
		Method:      string(req.Req.Method),
		PayloadHash: hexutil.Encode(hash),
	}
	if err := r.svc.Store.Requests().Reserve(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Idempotency(msgAlreadyProcessed)
		}
		return nil, apperr.Internal(err)
	}

	result, err := rt.handler(ctx, call)
	if err != nil {
		if relErr := r.svc.Store.Requests().Release(ctx, call.Wallet, record.PayloadHash); relErr != nil {
			r.logger.WithError(relErr).WithField("request_id", req.Req.RequestID).Warn("⚠️ Failed to release request reservation")
		}
		return nil, err
	}
	return result, nil
}

// checkFresh bounds the envelope timestamp to the replay record lifetime.
// Records are pruned after that lifetime, so an older request could
// otherwise be accepted twice.
func (r *Router) checkFresh(req *Request) error {
	now := r.now()
	stamped := time.UnixMilli(int64(req.Req.Timestamp))
	if stamped.After(now.Add(maxClockSkew)) {
		return apperr.Validation("request timestamp is in the future")
	}
	if now.Sub(stamped) > r.cfg.RPC.RecordLifetime() {
		return apperr.Idempotency(msgRequestExpired)
	}
	return nil
}

// envelopeSigner finds a request signature from the connection's wallet or
// from a live session key registered to it. It returns the session key, or ""
// for a wallet signature.
func (r *Router) envelopeSigner(ctx context.Context, conn *Conn, req *Request) (string, error) {
	wallet := conn.Wallet()
	hash := req.Hash()
	for _, sig := range req.Sig {
		addr, err := sign.RecoverAddress(hash, sig)
		if err != nil {
			continue
		}
		signer := addr.Hex()
		if strings.EqualFold(signer, wallet) {
			return "", nil
		}
		if session := conn.Session(); session != nil && strings.EqualFold(signer, session.SessionKey) {
			if session.ExpiresAt.IsZero() || time.Now().Before(session.ExpiresAt) {
				return session.SessionKey, nil
			}
		}
		if r.svc.Auth == nil {
			continue
		}
		owner, err := r.svc.Auth.SessionKeyOwner(ctx, signer)
		if err == nil && strings.EqualFold(owner, wallet) {
			return signer, nil
		}
	}
	return "", apperr.Authorization("invalid signature")
}

func (r *Router) sign(resp *Response) *Response {
	if r.signer == nil {
		return resp
	}
	if err := resp.SignWith(r.signer); err != nil {
		r.logger.WithError(err).Error("❌ Failed to sign response")
	}
	return resp
}
