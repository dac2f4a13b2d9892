package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LocalhostOnly only lets loopback or whitelisted clients through. Entries
// are single IPs or CIDR ranges.
type LocalhostOnly struct {
	logger   *logrus.Logger
	allowed  []net.IP
	networks []*net.IPNet
	token    string
}

// NewLocalhostOnly builds the restriction. A non-empty token must also be
// presented as a bearer token or in X-Admin-Token.
func NewLocalhostOnly(logger *logrus.Logger, allowedIPs []string, token string) *LocalhostOnly {
	l := &LocalhostOnly{logger: logger, token: token}
	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.WithError(err).WithField("allowed", entry).Warn("Invalid CIDR in allowedIPs")
				continue
			}
			l.networks = append(l.networks, ipNet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			l.allowed = append(l.allowed, ip)
		} else {
			logger.WithField("allowed", entry).Warn("Invalid IP in allowedIPs")
		}
	}
	return l
}

// Restrict restrict access to localhost and the whitelist
func (l *LocalhostOnly) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)

		// a direct loopback connection is allowed even behind a misconfigured proxy
		if !l.isAllowedIP(clientIP) && !isLocalhost(remoteIP) {
			l.logger.WithFields(logrus.Fields{
				"client_ip":  clientIP,
				"remote_ip":  remoteIP,
				"path":       c.Request.URL.Path,
				"user_agent": c.GetHeader("User-Agent"),
			}).Warn("Reject non-whitelisted access to admin API")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "This API is only accessible from allowed IP addresses",
				"code":    "IP_NOT_ALLOWED",
			})
			return
		}

		if l.token != "" && subtle.ConstantTimeCompare([]byte(adminToken(c)), []byte(l.token)) != 1 {
			l.logger.WithFields(logrus.Fields{
				"client_ip": clientIP,
				"path":      c.Request.URL.Path,
			}).Warn("Access denied - admin token verification failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid admin token",
				"code":    "INVALID_TOKEN",
			})
			return
		}

		c.Next()
	}
}

func adminToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.GetHeader("X-Admin-Token")
}

// isLocalhost Check if IP is localhost
func isLocalhost(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return ip == "localhost"
	}
	return parsedIP.IsLoopback()
}

// isAllowedIP Check if IP is in the whitelist
func (l *LocalhostOnly) isAllowedIP(ip string) bool {
	if isLocalhost(ip) {
		return true
	}
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	for _, allowed := range l.allowed {
		if allowed.Equal(parsedIP) {
			return true
		}
	}
	for _, ipNet := range l.networks {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}
	return false
}
