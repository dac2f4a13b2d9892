package clients

import (
	"encoding/json"
	"fmt"
	"time"

	"clearnode/internal/config"
	"clearnode/internal/metrics"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const DefaultSubjectPrefix = "clearnode"

// NATSClient NATS client
type NATSClient struct {
	conn   *nats.Conn
	prefix string
	logger *logrus.Logger
}

// NewNATSClient connects to the configured NATS server
func NewNATSClient(cfg config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := -1
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}
	logger.WithField("timeout", connectTimeout).Info("🔌 Connecting to NATS")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("clearnode"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("⚠️ NATS disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("✅ NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSClient{conn: conn, prefix: prefix, logger: logger}, nil
}

// Prefix is the first subject token of every clearnode subject
func (c *NATSClient) Prefix() string { return c.prefix }

// Subject joins tokens under the client prefix
func (c *NATSClient) Subject(tokens ...string) string {
	subject := c.prefix
	for _, t := range tokens {
		subject += "." + t
	}
	return subject
}

// Subscribe registers handler on subject and tracks the subscription gauge
func (c *NATSClient) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		metrics.NATSSubscriptionStatus.WithLabelValues(subject).Set(0)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	metrics.NATSSubscriptionStatus.WithLabelValues(subject).Set(1)
	c.logger.WithField("subject", subject).Info("✅ NATS subscription active")
	return sub, nil
}

// Publish sends v as JSON on subject
func (c *NATSClient) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the connection is currently up
func (c *NATSClient) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
		metrics.NATSConnectionStatus.Set(0)
	}
}

// GetConnection returns the underlying connection
func (c *NATSClient) GetConnection() *nats.Conn {
	return c.conn
}
