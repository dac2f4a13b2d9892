package custody

import (
	"fmt"
	"math/big"

	"clearnode/internal/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Allocation is one destination's share of a channel state.
type Allocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

// Channel is the immutable channel definition the id is derived from.
type Channel struct {
	Participants []common.Address
	Adjudicator  common.Address
	Challenge    uint64
	Nonce        uint64
}

// State is a channel state as the contract sees it.
type State struct {
	Intent      uint8
	Version     *big.Int
	Data        []byte
	Allocations []Allocation
	Sigs        [][]byte
}

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	allocationsType = mustType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "destination", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})

	channelIDArgs = abi.Arguments{
		{Type: mustType("address[]", nil)}, // participants
		{Type: mustType("address", nil)},   // adjudicator
		{Type: mustType("uint64", nil)},    // challenge
		{Type: mustType("uint64", nil)},    // nonce
		{Type: mustType("uint256", nil)},   // chain id
	}

	stateHashArgs = abi.Arguments{
		{Type: mustType("bytes32", nil)}, // channel id
		{Type: mustType("uint8", nil)},   // intent
		{Type: mustType("uint256", nil)}, // version
		{Type: mustType("bytes", nil)},   // data
		{Type: allocationsType},
	}

	resizeDataArgs = abi.Arguments{
		{Type: mustType("int256[]", nil)},
	}
)

// ChannelID = keccak256(abi.encode(participants, adjudicator, challenge, nonce, chainId))
func ChannelID(ch Channel, chainID uint64) (common.Hash, error) {
	packed, err := channelIDArgs.Pack(ch.Participants, ch.Adjudicator, ch.Challenge, ch.Nonce, new(big.Int).SetUint64(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode channel: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// StateHash is the digest every participant signs. Signatures are not part of it.
func StateHash(channelID common.Hash, st State) (common.Hash, error) {
	version := st.Version
	if version == nil {
		version = new(big.Int)
	}
	allocations := st.Allocations
	if allocations == nil {
		allocations = []Allocation{}
	}
	data := st.Data
	if data == nil {
		data = []byte{}
	}
	packed, err := stateHashArgs.Pack([32]byte(channelID), st.Intent, version, data, allocations)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode state: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// EncodeResizeData packs the signed resize deltas carried in a resize state.
func EncodeResizeData(resize, allocate *big.Int) ([]byte, error) {
	return resizeDataArgs.Pack([]*big.Int{resize, allocate})
}

// DecodeResizeData is the inverse of EncodeResizeData.
func DecodeResizeData(data []byte) (resize, allocate *big.Int, err error) {
	values, err := resizeDataArgs.Unpack(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode resize data: %w", err)
	}
	deltas, ok := values[0].([]*big.Int)
	if !ok || len(deltas) != 2 {
		return nil, nil, fmt.Errorf("resize data must carry two deltas")
	}
	return deltas[0], deltas[1], nil
}

// FromModel converts a stored state. sigs are attached as given.
func FromModel(s *models.ChannelState, sigs ...[]byte) (State, error) {
	data, err := decodeHex(s.Data)
	if err != nil {
		return State{}, fmt.Errorf("invalid state data: %w", err)
	}
	out := State{
		Intent:      uint8(s.Intent),
		Version:     new(big.Int).SetUint64(s.Version),
		Data:        data,
		Allocations: make([]Allocation, 0, len(s.Allocations)),
		Sigs:        sigs,
	}
	for _, a := range s.Allocations {
		amount, err := a.AmountInt()
		if err != nil {
			return State{}, err
		}
		out.Allocations = append(out.Allocations, Allocation{
			Destination: common.HexToAddress(a.Destination),
			Token:       common.HexToAddress(a.Token),
			Amount:      amount,
		})
	}
	return out, nil
}

// ToModel converts a contract state into the stored form. Signatures are dropped.
func ToModel(s State) *models.ChannelState {
	out := &models.ChannelState{
		Intent:      models.ChannelIntent(s.Intent),
		Data:        hexutil.Encode(s.Data),
		Allocations: make([]models.ChannelAllocation, 0, len(s.Allocations)),
	}
	if s.Version != nil {
		out.Version = s.Version.Uint64()
	}
	for _, a := range s.Allocations {
		amount := "0"
		if a.Amount != nil {
			amount = a.Amount.String()
		}
		out.Allocations = append(out.Allocations, models.ChannelAllocation{
			Destination: a.Destination.Hex(),
			Token:       a.Token.Hex(),
			Amount:      amount,
		})
	}
	return out
}

func decodeHex(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(s)
}
