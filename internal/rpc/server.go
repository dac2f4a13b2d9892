package rpc

import (
	"context"
	"net/http"
	"time"

	"clearnode/internal/config"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

// Server upgrades HTTP requests to RPC websocket connections.
type Server struct {
	router   *Router
	hub      *Hub
	cfg      config.RPCConfig
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

func NewServer(router *Router, hub *Hub, cfg config.RPCConfig, logger *logrus.Logger) *Server {
	return &Server{
		router: router,
		hub:    hub,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

func (s *Server) readTimeout() time.Duration {
	if s.cfg.ReadTimeout > 0 {
		return time.Duration(s.cfg.ReadTimeout) * time.Second
	}
	return 60 * time.Second
}

// ServeHTTP makes the server mountable on any mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}

// HandleWebSocket serves one connection: a read goroutine dispatches requests
// in order and a single write loop owns every write to the socket.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("❌ WebSocket upgrade failed")
		return
	}
	defer ws.Close()
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	conn := NewConn(s.cfg)
	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.logger.WithField("conn_id", conn.ID)
	log.WithField("remote", r.RemoteAddr).Info("📡 WebSocket client connected")

	readDone := make(chan struct{})
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithField("panic", rec).Error("❌ PANIC recovered in read goroutine")
			}
			close(readDone)
		}()

		timeout := s.readTimeout()
		ws.SetReadDeadline(time.Now().Add(timeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(timeout))
			return nil
		})

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithError(err).Warn("⚠️ WebSocket read error")
				}
				return
			}
			ws.SetReadDeadline(time.Now().Add(timeout))

			resp := s.router.Handle(ctx, conn, data)
			if !conn.enqueue(resp) {
				log.Warn("⚠️ Response dropped, send buffer full")
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-conn.Send():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).Warn("⚠️ WebSocket write failed")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithError(err).Debug("ping failed")
				return
			}
		case <-readDone:
			log.WithField("wallet", conn.Wallet()).Info("🔌 WebSocket client disconnected")
			return
		case <-conn.Done():
			return
		}
	}
}
