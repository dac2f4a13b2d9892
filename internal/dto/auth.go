package dto

import (
	"clearnode/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// ==================== Auth DTOs ====================

// AuthRequest first step of the handshake: the wallet proposes a session key
type AuthRequest struct {
	Address     string             `json:"address"`     // wallet address
	SessionKey  string             `json:"session_key"` // key that will sign on the wallet's behalf
	Application string             `json:"application"` // EIP-712 domain name of the policy
	Allowances  []models.Allowance `json:"allowances"`
	Scope       string             `json:"scope"`
	ExpiresAt   uint64             `json:"expires_at"` // unix seconds
}

// AuthChallenge returned by auth_request
type AuthChallenge struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyRequest carries either a signed challenge or a bearer token
type AuthVerifyRequest struct {
	Challenge string `json:"challenge,omitempty"`
	JWT       string `json:"jwt,omitempty"`
}

// AuthVerifyResponse result of a successful auth_verify
type AuthVerifyResponse struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	JWTToken   string `json:"jwt_token"`
	Success    bool   `json:"success"`
}

// JWTClaims JWT Claims structure
type JWTClaims struct {
	Wallet      string             `json:"wallet"`      // wallet address
	SessionKey  string             `json:"session_key"` // registered signer for the wallet
	Scope       string             `json:"scope"`
	Application string             `json:"application"`
	Allowances  []models.Allowance `json:"allowances"`
	jwt.RegisteredClaims
}
