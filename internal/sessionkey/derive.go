// Package sessionkey derives application session keys from a wallet signature.
//
// The wallet signs an EIP-712 message naming the adjudicator, the
// application, the wallet itself and a nonce; keccak256 of that signature is
// the session private key. The same wallet and parameters always yield the
// same key, so a client can recover its session key without storing it.
package sessionkey

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"clearnode/internal/sign"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sirupsen/logrus"
)

const (
	DomainName    = "clearnode session key"
	DomainVersion = "1"
	primaryType   = "SessionKeyDerivation"
)

var ErrMissingNonce = errors.New("session key nonce is required")

// Params scopes a derived key.
type Params struct {
	Adjudicator common.Address
	Application common.Address
	Nonce       *big.Int
	// ChainID binds the key to one chain. Nil keeps the derivation
	// chain-agnostic: the key is then valid wherever the adjudicator and
	// application addresses coincide.
	ChainID *big.Int
}

// WalletSigner is whatever holds the user's wallet key (local key, hardware wallet, browser bridge).
type WalletSigner interface {
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// Key is a derived session key.
type Key struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
	Wallet     common.Address
	Params     Params
}

// Signer exposes the key as a sign.Signer for request and quorum signatures.
func (k *Key) Signer() *sign.Signer {
	return sign.NewSignerFromKey(k.PrivateKey)
}

// TypedData is the structured message the wallet signs.
func TypedData(wallet common.Address, p Params) apitypes.TypedData {
	domainFields := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	}
	domain := apitypes.TypedDataDomain{Name: DomainName, Version: DomainVersion}
	if p.ChainID != nil {
		domainFields = append(domainFields, apitypes.Type{Name: "chainId", Type: "uint256"})
		domain.ChainId = (*math.HexOrDecimal256)(new(big.Int).Set(p.ChainID))
	}

	nonce := "0"
	if p.Nonce != nil {
		nonce = p.Nonce.String()
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			primaryType: {
				{Name: "adjudicator", Type: "address"},
				{Name: "application", Type: "address"},
				{Name: "wallet", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: primaryType,
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"adjudicator": p.Adjudicator.Hex(),
			"application": p.Application.Hex(),
			"wallet":      wallet.Hex(),
			"nonce":       nonce,
		},
	}
}

// Option configures Derive.
type Option func(*options)

type options struct {
	logger *logrus.Logger
}

// WithLogger sets where the chain-agnostic warning goes. Without it the
// warning is not logged.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Derive asks the wallet to sign the derivation message and turns the signature into a key.
func Derive(ctx context.Context, wallet WalletSigner, p Params, opts ...Option) (*Key, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if p.Nonce == nil {
		return nil, ErrMissingNonce
	}
	if p.ChainID == nil && o.logger != nil {
		o.logger.WithFields(logrus.Fields{
			"wallet":      wallet.Address().Hex(),
			"adjudicator": p.Adjudicator.Hex(),
			"application": p.Application.Hex(),
		}).Warn("⚠️ Deriving chain-agnostic session key; it is reusable on any chain with the same contract addresses")
	}

	sig, err := wallet.SignTypedData(ctx, TypedData(wallet.Address(), p))
	if err != nil {
		return nil, fmt.Errorf("wallet refused derivation message: %w", err)
	}
	if len(sig) != sign.SignatureLength {
		return nil, fmt.Errorf("%w: wallet returned %d bytes", sign.ErrInvalidSignature, len(sig))
	}

	// wallets disagree on 0/1 vs 27/28; normalize so the seed is stable
	seed := make([]byte, sign.SignatureLength)
	copy(seed, sig)
	if seed[64] < 27 {
		seed[64] += 27
	}

	key, err := crypto.ToECDSA(crypto.Keccak256(seed))
	if err != nil {
		return nil, fmt.Errorf("derived seed is not a valid key: %w", err)
	}

	return &Key{
		PrivateKey: key,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		Wallet:     wallet.Address(),
		Params:     p,
	}, nil
}

// LocalWallet signs with an in-process private key.
type LocalWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewLocalWallet(key *ecdsa.PrivateKey) *LocalWallet {
	return &LocalWallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (w *LocalWallet) Address() common.Address { return w.address }

func (w *LocalWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, w.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
