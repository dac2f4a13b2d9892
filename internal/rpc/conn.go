package rpc

import (
	"sync"

	"clearnode/internal/auth"
	"clearnode/internal/config"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const sendBufferSize = 256

// Conn is the server-side state of one websocket connection. The wallet is
// empty until auth_verify succeeds.
type Conn struct {
	ID string

	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	mu      sync.RWMutex
	session *auth.Session
}

// NewConn creates a connection with its own rate limiter.
func NewConn(cfg config.RPCConfig) *Conn {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Conn{
		ID:      uuid.New().String(),
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Wallet the connection is authenticated as, or "".
func (c *Conn) Wallet() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.Wallet
}

// Session returns the authenticated session, nil before auth_verify.
func (c *Conn) Session() *auth.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Conn) bind(session *auth.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

// Send returns the outbound queue drained by the write loop.
func (c *Conn) Send() <-chan []byte { return c.send }

// Done is closed when the connection is shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// enqueue never blocks; false means the message was dropped.
func (c *Conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close marks the connection done. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}
