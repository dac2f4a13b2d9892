package auth

import (
	"fmt"
	"time"

	"clearnode/internal/dto"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "clearnode"

// IssueToken signs an HS256 bearer token for session. The token never
// outlives the session key it names.
func (s *Service) IssueToken(session *Session) (string, error) {
	return GenerateToken(s.secret, session, s.now(), s.cfg.JWTLifetime())
}

// ParseToken verifies signature and expiry of a bearer token
func (s *Service) ParseToken(tokenString string) (*dto.JWTClaims, error) {
	return ValidateToken(s.secret, tokenString)
}

// GenerateToken builds the claims for session and signs them with secret
func GenerateToken(secret []byte, session *Session, now time.Time, ttl time.Duration) (string, error) {
	expires := now.Add(ttl)
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(expires) {
		expires = session.ExpiresAt
	}

	claims := dto.JWTClaims{
		Wallet:      session.Wallet,
		SessionKey:  session.SessionKey,
		Scope:       session.Scope,
		Application: session.Application,
		Allowances:  session.Allowances,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   session.Wallet,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken verify JWT token
func ValidateToken(secret []byte, tokenString string) (*dto.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &dto.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if claims, ok := token.Claims.(*dto.JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
