package auth

import (
	"fmt"
	"strconv"

	"clearnode/internal/models"
	"clearnode/internal/sign"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const policyType = "Policy"

// PolicyTypedData is the EIP-712 message a wallet signs to authorise a session
// key. The domain is named after the application.
func PolicyTypedData(ch *Challenge) apitypes.TypedData {
	allowances := make([]interface{}, 0, len(ch.Allowances))
	for _, a := range ch.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount.String(),
		})
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			policyType: {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: policyType,
		Domain:      apitypes.TypedDataDomain{Name: ch.Application},
		Message: apitypes.TypedDataMessage{
			"challenge":   ch.Token.String(),
			"scope":       ch.Scope,
			"wallet":      ch.Wallet,
			"session_key": ch.SessionKey,
			"expires_at":  strconv.FormatUint(ch.ExpiresAt, 10),
			"allowances":  allowances,
		},
	}
}

// recoverPolicySigner returns the address that signed the policy of ch
func recoverPolicySigner(ch *Challenge, sig []byte) (common.Address, error) {
	hash, _, err := apitypes.TypedDataAndHash(PolicyTypedData(ch))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash policy: %w", err)
	}
	return sign.RecoverAddress(hash, sig)
}

func copyAllowances(in []models.Allowance) []models.Allowance {
	return append([]models.Allowance(nil), in...)
}
