package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"clearnode/internal/apperr"
	"clearnode/internal/auth"
	"clearnode/internal/dto"
	"clearnode/internal/models"
	"clearnode/internal/notify"
	"clearnode/internal/rpc"
	"clearnode/internal/sessionkey"
	"clearnode/internal/sign"
	"clearnode/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultCallTimeout = 30 * time.Second
	notificationBuffer = 64
)

var ErrClientClosed = errors.New("clearnode client closed")

// RPCError is an error envelope returned by the server.
type RPCError struct {
	RequestID uint64
	Message   string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("clearnode error (request %d): %s", e.RequestID, e.Message)
}

// Notification is a server push: bu, cu, asu or tr.
type Notification struct {
	Method    notify.Method
	Params    json.RawMessage
	Timestamp uint64
}

// ClearnodeClient is a websocket RPC client. One read loop routes responses to
// their pending call by request id and everything with id 0 to subscribers.
type ClearnodeClient struct {
	conn    *websocket.Conn
	signer  *sign.Signer
	timeout time.Duration
	logger  *logrus.Logger

	nextID atomic.Uint64

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[uint64]chan *rpc.Response
	subscribers []chan Notification

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// ClientOption configures a ClearnodeClient
type ClientOption func(*ClearnodeClient)

// WithSigner signs every request with s unless the call passes its own signers.
func WithSigner(s *sign.Signer) ClientOption {
	return func(c *ClearnodeClient) { c.signer = s }
}

// WithTimeout bounds calls whose context carries no deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *ClearnodeClient) { c.timeout = d }
}

// WithLogger sets the client logger
func WithLogger(l *logrus.Logger) ClientOption {
	return func(c *ClearnodeClient) { c.logger = l }
}

// Dial connects to a clearnode websocket endpoint.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*ClearnodeClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, apperr.Transport("failed to connect to %s: %v", url, err)
	}
	c := &ClearnodeClient{
		conn:    conn,
		timeout: defaultCallTimeout,
		logger:  logrus.StandardLogger(),
		pending: make(map[uint64]chan *rpc.Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// NextID returns a fresh request id for requests built by the caller.
func (c *ClearnodeClient) NextID() uint64 {
	return c.nextID.Add(1)
}

// Call sends a request and waits for its response. With no signers the
// client signer, if any, signs the request. An error envelope comes back as
// *RPCError.
func (c *ClearnodeClient) Call(ctx context.Context, method rpc.Method, params any, signers ...*sign.Signer) (*rpc.Response, error) {
	req, err := rpc.NewRequest(c.NextID(), method, params)
	if err != nil {
		return nil, err
	}
	if len(signers) == 0 && c.signer != nil {
		signers = []*sign.Signer{c.signer}
	}
	for _, s := range signers {
		sig, err := s.Sign(req.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		req.Sig = append(req.Sig, sig)
	}
	return c.Send(ctx, req)
}

// Send writes a prepared request and waits for the matching response.
func (c *ClearnodeClient) Send(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := req.Req.RequestID
	ch := make(chan *rpc.Response, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClientClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, apperr.Transport("failed to send request %d: %v", id, err)
	}

	select {
	case resp := <-ch:
		if msg, isErr := resp.IsError(); isErr {
			return resp, &RPCError{RequestID: id, Message: msg}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, apperr.Transport("request %d: %v", id, ctx.Err())
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// CallResult is Call plus decoding of the response params into out.
func (c *ClearnodeClient) CallResult(ctx context.Context, method rpc.Method, params, out any, signers ...*sign.Signer) error {
	resp, err := c.Call(ctx, method, params, signers...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Res.Params, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Subscribe returns a channel of server notifications. It is closed when the
// client closes. Notifications are dropped for a subscriber that falls behind.
func (c *ClearnodeClient) Subscribe() <-chan Notification {
	ch := make(chan Notification, notificationBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		close(ch)
	default:
		c.subscribers = append(c.subscribers, ch)
	}
	return ch
}

// Authenticate runs the auth_request / auth_verify handshake. The wallet
// signs the policy; req.Address defaults to the wallet address and a zero
// ExpiresAt to one hour from now.
func (c *ClearnodeClient) Authenticate(ctx context.Context, wallet sessionkey.WalletSigner, req dto.AuthRequest) (*dto.AuthVerifyResponse, error) {
	if req.Address == "" {
		req.Address = wallet.Address().Hex()
	}
	if req.ExpiresAt == 0 {
		req.ExpiresAt = uint64(time.Now().Add(time.Hour).Unix())
	}
	allowances := make([]models.Allowance, 0, len(req.Allowances))
	for _, a := range req.Allowances {
		allowances = append(allowances, models.Allowance{Asset: utils.NormalizeAsset(a.Asset), Amount: a.Amount})
	}
	var challenge dto.AuthChallenge
	if err := c.CallResult(ctx, rpc.MethodAuthRequest, req, &challenge); err != nil {
		return nil, err
	}
	token, err := uuid.Parse(challenge.ChallengeMessage)
	if err != nil {
		return nil, fmt.Errorf("invalid challenge %q: %w", challenge.ChallengeMessage, err)
	}

	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = req.Address
	}
	policy := auth.PolicyTypedData(&auth.Challenge{
		Token:       token,
		Wallet:      wallet.Address().Hex(),
		SessionKey:  sessionKey,
		Application: req.Application,
		Allowances:  allowances,
		Scope:       req.Scope,
		ExpiresAt:   req.ExpiresAt,
	})
	sig, err := wallet.SignTypedData(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to sign auth policy: %w", err)
	}

	verify, err := rpc.NewRequest(c.NextID(), rpc.MethodAuthVerify, dto.AuthVerifyRequest{Challenge: challenge.ChallengeMessage})
	if err != nil {
		return nil, err
	}
	verify.Sig = []sign.Sig{sig}
	resp, err := c.Send(ctx, verify)
	if err != nil {
		return nil, err
	}
	var result dto.AuthVerifyResponse
	if err := json.Unmarshal(resp.Res.Params, &result); err != nil {
		return nil, fmt.Errorf("failed to decode auth_verify result: %w", err)
	}
	return &result, nil
}

// Resume restores an authenticated session with a bearer token.
func (c *ClearnodeClient) Resume(ctx context.Context, jwtToken string) (*dto.AuthVerifyResponse, error) {
	var result dto.AuthVerifyResponse
	if err := c.CallResult(ctx, rpc.MethodAuthVerify, dto.AuthVerifyRequest{JWT: jwtToken}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *ClearnodeClient) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()
	for {
		var data []byte
		if _, data, err = c.conn.ReadMessage(); err != nil {
			return
		}
		var resp rpc.Response
		if uerr := json.Unmarshal(data, &resp); uerr != nil {
			c.logger.WithError(uerr).Warn("⚠️ Dropping malformed server message")
			continue
		}
		if resp.Res.RequestID == 0 && resp.Res.Method != rpc.MethodError {
			c.dispatchNotification(&resp)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.Res.RequestID]
		c.mu.Unlock()
		if !ok {
			c.logger.WithField("request_id", resp.Res.RequestID).Debug("response without pending call")
			continue
		}
		ch <- &resp
	}
}

func (c *ClearnodeClient) dispatchNotification(resp *rpc.Response) {
	n := Notification{Method: notify.Method(resp.Res.Method), Params: resp.Res.Params, Timestamp: resp.Res.Timestamp}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscribers {
		select {
		case sub <- n:
		default:
			c.logger.WithField("method", n.Method).Warn("⚠️ Notification dropped, subscriber is behind")
		}
	}
}

func (c *ClearnodeClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		for _, sub := range c.subscribers {
			close(sub)
		}
		c.subscribers = nil
		c.mu.Unlock()
	})
}

// Err returns why the read loop stopped, nil while connected.
func (c *ClearnodeClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *ClearnodeClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.shutdown(ErrClientClosed)
	return err
}
