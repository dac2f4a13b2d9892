package middleware

import (
	"net/http"
	"strings"

	"clearnode/internal/dto"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	ContextWallet     = "wallet"
	ContextSessionKey = "session_key"
	ContextClaims     = "claims"
)

// TokenParser verifies bearer tokens. *auth.Service implements it.
type TokenParser interface {
	ParseToken(tokenString string) (*dto.JWTClaims, error)
}

// AuthMiddleware JWT bearer authentication for the HTTP API
type AuthMiddleware struct {
	tokens TokenParser
	logger *logrus.Logger
}

// NewAuthMiddleware create JWT middleware
func NewAuthMiddleware(tokens TokenParser, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		logger: logger,
	}
}

func bearer(header string) (string, string) {
	if header == "" {
		return "", "MISSING_AUTH_HEADER"
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "INVALID_AUTH_FORMAT"
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", "EMPTY_TOKEN"
	}
	return token, ""
}

// RequireAuth rejects requests without a valid token and stores the wallet in the context
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		fields := logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}

		tokenString, code := bearer(c.GetHeader("Authorization"))
		if code != "" {
			a.logger.WithFields(fields).WithField("code", code).Warn("JWT auth failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Authentication required",
				"message": "Authorization header must be in format: Bearer <token>",
				"code":    code,
			})
			return
		}

		claims, err := a.tokens.ParseToken(tokenString)
		if err != nil {
			a.logger.WithFields(fields).WithError(err).Warn("JWT auth failed - token verification failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid or expired token",
				"code":    "INVALID_TOKEN",
			})
			return
		}

		setClaims(c, claims)
		a.logger.WithFields(fields).WithField("wallet", claims.Wallet).Debug("JWT auth success")
		c.Next()
	}
}

// OptionalAuth sets the wallet when a valid token is present and never rejects
func (a *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, code := bearer(c.GetHeader("Authorization"))
		if code != "" {
			c.Next()
			return
		}
		claims, err := a.tokens.ParseToken(tokenString)
		if err != nil {
			a.logger.WithError(err).WithField("path", c.Request.URL.Path).Debug("Ignoring invalid optional token")
			c.Next()
			return
		}
		setClaims(c, claims)
		c.Next()
	}
}

func setClaims(c *gin.Context, claims *dto.JWTClaims) {
	c.Set(ContextWallet, claims.Wallet)
	c.Set(ContextSessionKey, claims.SessionKey)
	c.Set(ContextClaims, claims)
}

// Wallet returns the authenticated wallet, or "" on public routes
func Wallet(c *gin.Context) string {
	return c.GetString(ContextWallet)
}
