package rpc

import (
	"encoding/json"
	"strings"
	"sync"

	"clearnode/internal/metrics"
	"clearnode/internal/notify"
	"clearnode/internal/sign"

	"github.com/sirupsen/logrus"
)

// Hub tracks live connections and the wallet each one is bound to. It is
// the websocket notify.Notifier.
type Hub struct {
	signer *sign.Signer
	logger *logrus.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	byWallet map[string]map[string]*Conn // wallet -> conn id set
}

// NewHub creates a new hub
func NewHub(signer *sign.Signer, logger *logrus.Logger) *Hub {
	return &Hub{
		signer:   signer,
		logger:   logger,
		conns:    make(map[string]*Conn),
		byWallet: make(map[string]map[string]*Conn),
	}
}

// Register adds a new, unauthenticated connection
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

// Unregister removes a connection and its wallet binding
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	if wallet := c.Wallet(); wallet != "" {
		h.unbindLocked(wallet, c.ID)
		metrics.WSAuthenticated.Dec()
	}
	h.mu.Unlock()

	c.Close()
	metrics.WSConnections.Dec()
}

// Bind attaches an authenticated session to a connection. Re-authenticating
// as another wallet moves the binding.
func (h *Hub) Bind(c *Conn, wallet string) {
	key := strings.ToLower(wallet)
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := c.Wallet(); prev != "" {
		h.unbindLocked(prev, c.ID)
	} else {
		metrics.WSAuthenticated.Inc()
	}
	set, ok := h.byWallet[key]
	if !ok {
		set = make(map[string]*Conn)
		h.byWallet[key] = set
	}
	set[c.ID] = c
}

func (h *Hub) unbindLocked(wallet, connID string) {
	key := strings.ToLower(wallet)
	if set, ok := h.byWallet[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.byWallet, key)
		}
	}
}

// Connections number of live connections
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Notify pushes a signed notification, request id 0, to every connection of wallet.
func (h *Hub) Notify(wallet string, method notify.Method, payload any) {
	h.mu.RLock()
	set := h.byWallet[strings.ToLower(wallet)]
	targets := make([]*Conn, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	resp, err := NewResponse(0, Method(method), payload)
	if err == nil && h.signer != nil {
		err = resp.SignWith(h.signer)
	}
	var msg []byte
	if err == nil {
		msg, err = json.Marshal(resp)
	}
	if err != nil {
		h.logger.WithError(err).WithField("method", method).Error("❌ Failed to encode notification")
		return
	}

	for _, c := range targets {
		if !c.enqueue(msg) {
			metrics.NotificationsDropped.WithLabelValues(string(method)).Inc()
			h.logger.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"wallet":  wallet,
				"method":  method,
			}).Warn("⚠️ Notification dropped, send buffer full")
		}
	}
}
