// Package events bridges NATS and the clearnode: custody events relayed by a
// chain scanner come in, server notifications go out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clearnode/internal/config"
	"clearnode/internal/custody"
	"clearnode/internal/metrics"
	"clearnode/internal/notify"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	custodyToken   = "Custody"
	notifyToken    = "notify"
	handlerTimeout = 30 * time.Second
)

// Bus is the part of clients.NATSClient the bridges use
type Bus interface {
	Subject(tokens ...string) string
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, v any) error
}

type relayNetwork struct {
	chainID uint64
	custody common.Address
}

// CustodyRelay consumes <prefix>.<chain>.Custody.<Event> messages. Each
// message body is the JSON of the raw ethereum log; <chain> is a configured
// network name or a chain id.
type CustodyRelay struct {
	bus      Bus
	handler  custody.EventHandler
	networks map[string]relayNetwork
	logger   *logrus.Logger
	sub      *nats.Subscription
}

// NewCustodyRelay creates a relay for the enabled networks
func NewCustodyRelay(bus Bus, networks map[string]config.NetworkConfig, handler custody.EventHandler, logger *logrus.Logger) *CustodyRelay {
	known := make(map[string]relayNetwork, len(networks)*2)
	for name, n := range networks {
		if !n.Enabled {
			continue
		}
		rn := relayNetwork{chainID: n.ChainID, custody: common.HexToAddress(n.CustodyContract)}
		known[strings.ToLower(name)] = rn
		known[strconv.FormatUint(n.ChainID, 10)] = rn
	}
	return &CustodyRelay{bus: bus, handler: handler, networks: known, logger: logger}
}

// Start subscribes to every custody subject
func (r *CustodyRelay) Start() error {
	sub, err := r.bus.Subscribe(r.bus.Subject("*", custodyToken, "*"), r.onMessage)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop unsubscribes
func (r *CustodyRelay) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

func (r *CustodyRelay) onMessage(msg *nats.Msg) {
	kind := subjectKind(msg.Subject)
	metrics.NATSMessagesReceived.WithLabelValues(kind).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	start := time.Now()
	err := r.Handle(ctx, msg.Subject, msg.Data)
	metrics.EventProcessingDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.NATSMessagesFailed.WithLabelValues(kind, "handle").Inc()
		r.logger.WithError(err).WithField("subject", msg.Subject).Error("❌ Failed to process relayed custody event")
		return
	}
	metrics.NATSMessagesProcessed.WithLabelValues(kind).Inc()
}

func subjectKind(subject string) string {
	if i := strings.LastIndex(subject, "."); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// Handle decodes one relayed log and hands the event on. The log must come
// from the network's custody contract and match the event named in the subject.
func (r *CustodyRelay) Handle(ctx context.Context, subject string, data []byte) error {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 4 || tokens[len(tokens)-2] != custodyToken {
		return fmt.Errorf("unexpected subject %q", subject)
	}
	chain := strings.ToLower(tokens[len(tokens)-3])
	network, ok := r.networks[chain]
	if !ok {
		return fmt.Errorf("unknown network %q", chain)
	}

	var lg types.Log
	if err := json.Unmarshal(data, &lg); err != nil {
		return fmt.Errorf("invalid log payload: %w", err)
	}
	if lg.Address != network.custody {
		return fmt.Errorf("log emitted by %s, not the custody contract", lg.Address.Hex())
	}
	ev, err := custody.DecodeLog(network.chainID, lg)
	if err != nil {
		return err
	}
	if want := custody.EventKind(tokens[len(tokens)-1]); ev.Kind != want {
		return fmt.Errorf("subject names %s but log is %s", want, ev.Kind)
	}

	r.logger.WithFields(logrus.Fields{
		"chain_id":   network.chainID,
		"channel_id": ev.ChannelID.Hex(),
		"event":      ev.Kind,
		"block":      ev.BlockNumber,
	}).Debug("📨 Relayed custody event")
	metrics.CustodyEvents.WithLabelValues(chain, string(ev.Kind)).Inc()
	return r.handler.HandleEvent(ctx, ev)
}

// NotificationMessage is what NotificationPublisher sends
type NotificationMessage struct {
	Wallet    string        `json:"wallet"`
	Method    notify.Method `json:"method"`
	Payload   any           `json:"payload"`
	Timestamp int64         `json:"timestamp"`
}

// NotificationPublisher mirrors server notifications to
// <prefix>.notify.<wallet>.<method> so other services can follow them.
type NotificationPublisher struct {
	bus    Bus
	logger *logrus.Logger
}

func NewNotificationPublisher(bus Bus, logger *logrus.Logger) *NotificationPublisher {
	return &NotificationPublisher{bus: bus, logger: logger}
}

func (p *NotificationPublisher) Notify(wallet string, method notify.Method, payload any) {
	subject := p.bus.Subject(notifyToken, strings.ToLower(wallet), string(method))
	err := p.bus.Publish(subject, NotificationMessage{
		Wallet:    wallet,
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		p.logger.WithError(err).WithField("subject", subject).Warn("⚠️ Failed to publish notification")
	}
}
