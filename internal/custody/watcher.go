package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"clearnode/internal/config"
	"clearnode/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// LogSource is the slice of ethclient.Client the watcher needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

const defaultBlockRange = 2000

// Watcher polls custody logs of one chain and feeds them to a handler in
// block order. A window is only advanced once every log in it was handled,
// so handlers must tolerate seeing an event twice.
type Watcher struct {
	chain         string
	chainID       uint64
	contract      common.Address
	source        LogSource
	handler       EventHandler
	logger        *logrus.Logger
	next          uint64
	blockRange    uint64
	confirmations uint64
	pollEvery     time.Duration
}

func NewWatcher(network config.NetworkConfig, source LogSource, handler EventHandler, logger *logrus.Logger) (*Watcher, error) {
	if !common.IsHexAddress(network.CustodyContract) {
		return nil, fmt.Errorf("network %s: invalid custody contract %q", network.Name, network.CustodyContract)
	}
	blockRange := network.BlockRange
	if blockRange == 0 {
		blockRange = defaultBlockRange
	}
	name := network.Name
	if name == "" {
		name = strconv.FormatUint(network.ChainID, 10)
	}
	return &Watcher{
		chain:         name,
		chainID:       network.ChainID,
		contract:      common.HexToAddress(network.CustodyContract),
		source:        source,
		handler:       handler,
		logger:        logger,
		next:          network.StartBlock,
		blockRange:    blockRange,
		confirmations: network.Confirmations,
		pollEvery:     network.PollEvery(),
	}, nil
}

// NextBlock is the first block the next poll will scan.
func (w *Watcher) NextBlock() uint64 { return w.next }

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.WithFields(logrus.Fields{
		"chain":    w.chain,
		"contract": w.contract.Hex(),
		"from":     w.next,
	}).Info("👀 Custody watcher started")
	metrics.EventListenerStatus.WithLabelValues(w.chain).Set(1)
	defer metrics.EventListenerStatus.WithLabelValues(w.chain).Set(0)

	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.WithError(err).WithField("chain", w.chain).Warn("⚠️ Custody poll failed")
		}
		select {
		case <-ctx.Done():
			w.logger.WithField("chain", w.chain).Info("🛑 Custody watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll scans at most one block window up to the confirmed head and returns
// the number of events handled.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		metrics.EventListenerErrors.WithLabelValues(w.chain, "head").Inc()
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	if head < w.confirmations {
		return 0, nil
	}
	safe := head - w.confirmations
	if w.next > safe {
		return 0, nil
	}
	from := w.next
	to := from + w.blockRange - 1
	if to > safe {
		to = safe
	}

	logs, err := w.source.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{Topics()},
	})
	if err != nil {
		metrics.EventListenerErrors.WithLabelValues(w.chain, "filter").Inc()
		return 0, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}

	handled := 0
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := DecodeLog(w.chainID, lg)
		if errors.Is(err, ErrUnknownEvent) {
			continue
		}
		if err != nil {
			metrics.EventListenerErrors.WithLabelValues(w.chain, "decode").Inc()
			w.logger.WithError(err).WithFields(logrus.Fields{
				"chain": w.chain,
				"tx":    lg.TxHash.Hex(),
			}).Error("❌ Failed to decode custody log")
			continue
		}

		start := time.Now()
		if err := w.handler.HandleEvent(ctx, ev); err != nil {
			metrics.EventListenerErrors.WithLabelValues(w.chain, "handler").Inc()
			return handled, fmt.Errorf("failed to handle %s for %s: %w", ev.Kind, ev.ChannelID.Hex(), err)
		}
		metrics.EventProcessingDuration.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())
		metrics.CustodyEvents.WithLabelValues(w.chain, string(ev.Kind)).Inc()
		handled++
	}

	w.next = to + 1
	metrics.LastScannedBlock.WithLabelValues(w.chain).Set(float64(to))
	if handled > 0 {
		w.logger.WithFields(logrus.Fields{
			"chain":  w.chain,
			"from":   from,
			"to":     to,
			"events": handled,
		}).Debug("📦 Custody events handled")
	}
	return handled, nil
}
