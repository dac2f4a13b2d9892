package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind names a custody contract event.
type EventKind string

const (
	EventCreated      EventKind = "ChannelCreated"
	EventOpened       EventKind = "ChannelOpened"
	EventResized      EventKind = "ChannelResized"
	EventClosed       EventKind = "ChannelClosed"
	EventChallenged   EventKind = "ChannelChallenged"
	EventCheckpointed EventKind = "ChannelCheckpointed"
)

// Kinds lists every event the watcher decodes.
var Kinds = []EventKind{EventCreated, EventOpened, EventResized, EventClosed, EventChallenged, EventCheckpointed}

var ErrUnknownEvent = errors.New("unknown custody event")

// Event is a decoded custody log. Which optional fields are set depends on Kind:
// Created carries Wallet, Channel and State (initial); Resized carries Deltas;
// Closed, Challenged and Checkpointed carry State; Challenged also Expiration.
type Event struct {
	Kind        EventKind      `json:"kind"`
	ChainID     uint64         `json:"chain_id"`
	ChannelID   common.Hash    `json:"channel_id"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	Wallet      common.Address `json:"wallet,omitempty"`
	Channel     *Channel       `json:"channel,omitempty"`
	State       *State         `json:"state,omitempty"`
	Deltas      []*big.Int     `json:"deltas,omitempty"`
	Expiration  *big.Int       `json:"expiration,omitempty"`
}

// EventHandler consumes decoded events in log order.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

var eventsByTopic = func() map[common.Hash]abi.Event {
	out := make(map[common.Hash]abi.Event, len(Kinds))
	for _, kind := range Kinds {
		ev := ContractABI.Events[string(kind)]
		out[ev.ID] = ev
	}
	return out
}()

// Topics returns the topic0 filter matching every custody event.
func Topics() []common.Hash {
	out := make([]common.Hash, 0, len(Kinds))
	for _, kind := range Kinds {
		out = append(out, ContractABI.Events[string(kind)].ID)
	}
	return out
}

// DecodeLog turns a raw log into a typed event.
func DecodeLog(chainID uint64, lg types.Log) (*Event, error) {
	if len(lg.Topics) < 2 {
		return nil, ErrUnknownEvent
	}
	abiEvent, ok := eventsByTopic[lg.Topics[0]]
	if !ok {
		return nil, ErrUnknownEvent
	}

	ev := &Event{
		Kind:        EventKind(abiEvent.Name),
		ChainID:     chainID,
		ChannelID:   lg.Topics[1],
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}

	values, err := abiEvent.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", abiEvent.Name, err)
	}

	switch ev.Kind {
	case EventCreated:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("%s: missing wallet topic", abiEvent.Name)
		}
		ev.Wallet = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.Channel = new(Channel)
		ev.State = new(State)
		if err := convert(values, ev.Channel, ev.State); err != nil {
			return nil, fmt.Errorf("%s: %w", abiEvent.Name, err)
		}
	case EventOpened:
	case EventResized:
		var deltas []*big.Int
		if err := convert(values, &deltas); err != nil {
			return nil, fmt.Errorf("%s: %w", abiEvent.Name, err)
		}
		ev.Deltas = deltas
	case EventClosed, EventCheckpointed:
		ev.State = new(State)
		if err := convert(values, ev.State); err != nil {
			return nil, fmt.Errorf("%s: %w", abiEvent.Name, err)
		}
	case EventChallenged:
		ev.State = new(State)
		ev.Expiration = new(big.Int)
		if err := convert(values, ev.State, &ev.Expiration); err != nil {
			return nil, fmt.Errorf("%s: %w", abiEvent.Name, err)
		}
	}
	return ev, nil
}

// convert copies unpacked abi values into typed destinations, in order.
func convert(values []interface{}, dst ...interface{}) error {
	if len(values) != len(dst) {
		return fmt.Errorf("expected %d values, got %d", len(dst), len(values))
	}
	for i := range values {
		if err := assign(values[i], dst[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(value interface{}, dst interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("abi conversion: %v", r)
		}
	}()
	abi.ConvertType(value, dst)
	return nil
}
