package sign

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// mustType is a helper function to create an abi.Type from a string
func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func mustTupleType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	participantsType = mustTupleType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "wallet", Type: "address"},
		{Name: "weight", Type: "uint64"},
	})
	sessionAllocationsType = mustTupleType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "participant", Type: "address"},
		{Name: "asset", Type: "string"},
		{Name: "amount", Type: "string"},
	})

	createSessionArgs = abi.Arguments{
		{Type: mustType("string")}, // protocol
		{Type: mustType("string")}, // application
		{Type: participantsType},   // participants with weights
		{Type: mustType("uint64")}, // quorum
		{Type: mustType("uint64")}, // challenge
		{Type: mustType("uint64")}, // nonce
		{Type: mustType("string")}, // session data
	}

	submitStateArgs = abi.Arguments{
		{Type: mustType("bytes32")},    // session id
		{Type: mustType("uint8")},      // intent
		{Type: mustType("uint64")},     // version
		{Type: sessionAllocationsType}, // allocations
		{Type: mustType("string")},     // session data
	}
)

// Participant is a session member and the weight its signature carries.
type Participant struct {
	Wallet common.Address
	Weight uint64
}

// SessionDefinition is the immutable part of an application session.
type SessionDefinition struct {
	Protocol     string
	Application  string
	Participants []Participant
	Quorum       uint64
	Challenge    uint64
	Nonce        uint64
}

// SessionAllocation is one participant's holding of one asset inside a session.
type SessionAllocation struct {
	Participant common.Address
	Asset       string
	Amount      decimal.Decimal
}

type abiParticipant struct {
	Wallet common.Address
	Weight uint64
}

type abiSessionAllocation struct {
	Participant common.Address
	Asset       string
	Amount      string
}

// CreateSessionHash is the message every creator signs; it also becomes the session id.
func CreateSessionHash(def SessionDefinition, sessionData string) (common.Hash, error) {
	participants := make([]abiParticipant, len(def.Participants))
	for i, p := range def.Participants {
		participants[i] = abiParticipant{Wallet: p.Wallet, Weight: p.Weight}
	}

	packed, err := createSessionArgs.Pack(
		def.Protocol,
		def.Application,
		participants,
		def.Quorum,
		def.Challenge,
		def.Nonce,
		sessionData,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode session definition: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// SubmitStateHash is the message signed for operate/deposit/withdraw/close submissions.
// Amounts are encoded as canonical decimal strings.
func SubmitStateHash(sessionID common.Hash, intent uint8, version uint64, allocations []SessionAllocation, sessionData string) (common.Hash, error) {
	allocs := make([]abiSessionAllocation, len(allocations))
	for i, a := range allocations {
		allocs[i] = abiSessionAllocation{
			Participant: a.Participant,
			Asset:       a.Asset,
			Amount:      a.Amount.String(),
		}
	}

	packed, err := submitStateArgs.Pack(
		[32]byte(sessionID),
		intent,
		version,
		allocs,
		sessionData,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode session state: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}
