package sign

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a raw recoverable secp256k1 signature (r, s, v).
const SignatureLength = 65

var ErrInvalidSignature = errors.New("invalid signature")

// Sig is a signature that travels as a 0x-prefixed hex string.
type Sig []byte

func (s Sig) String() string { return hexutil.Encode(s) }

func (s Sig) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.Encode(s))
}

func (s *Sig) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	decoded, err := hexutil.Decode(str)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	*s = decoded
	return nil
}

// Signer holds the clearnode broker key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key, with or without 0x.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address { return s.address }

func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.key }

// Sign signs a 32-byte digest. V is returned in Ethereum form (27/28).
func (s *Signer) Sign(hash []byte) (Sig, error) {
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignData signs keccak256(data).
func (s *Signer) SignData(data []byte) (Sig, error) {
	return s.Sign(crypto.Keccak256(data))
}

// RecoverAddress returns the address that produced sig over hash.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverAddress(hash []byte, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverData recovers the signer of keccak256(data).
func RecoverData(data []byte, sig []byte) (common.Address, error) {
	return RecoverAddress(crypto.Keccak256(data), sig)
}
