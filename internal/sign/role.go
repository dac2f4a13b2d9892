package sign

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Role says which key space a quorum signature belongs to.
type Role byte

const (
	RoleWallet     Role = 0x01
	RoleSessionKey Role = 0x02
)

func (r Role) Valid() bool {
	return r == RoleWallet || r == RoleSessionKey
}

func (r Role) String() string {
	switch r {
	case RoleWallet:
		return "wallet"
	case RoleSessionKey:
		return "session_key"
	default:
		return fmt.Sprintf("role(0x%02x)", byte(r))
	}
}

// Tag prepends the role byte to a raw signature. A signature that already
// carries a recognized prefix is returned unchanged.
func Tag(sig []byte, role Role) (Sig, error) {
	if len(sig) == SignatureLength+1 && Role(sig[0]).Valid() {
		out := make(Sig, len(sig))
		copy(out, sig)
		return out, nil
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %s", ErrInvalidSignature, role)
	}
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	out := make(Sig, 0, SignatureLength+1)
	out = append(out, byte(role))
	return append(out, sig...), nil
}

// Untag splits a tagged signature into role and raw signature.
func Untag(sig []byte) (Role, Sig, error) {
	if len(sig) != SignatureLength+1 {
		return 0, nil, fmt.Errorf("%w: tagged signature must be %d bytes, got %d", ErrInvalidSignature, SignatureLength+1, len(sig))
	}
	role := Role(sig[0])
	if !role.Valid() {
		return 0, nil, fmt.Errorf("%w: unknown role prefix 0x%02x", ErrInvalidSignature, sig[0])
	}
	raw := make(Sig, SignatureLength)
	copy(raw, sig[1:])
	return role, raw, nil
}

// RecoverTagged untags sig and recovers the signing address.
func RecoverTagged(hash []byte, sig []byte) (Role, common.Address, error) {
	role, raw, err := Untag(sig)
	if err != nil {
		return 0, common.Address{}, err
	}
	addr, err := RecoverAddress(hash, raw)
	if err != nil {
		return 0, common.Address{}, err
	}
	return role, addr, nil
}
