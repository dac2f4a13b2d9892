package handlers

import (
	"net/http"
	"strconv"

	"clearnode/internal/apperr"
	"clearnode/internal/channel"
	"clearnode/internal/ledger"
	"clearnode/internal/middleware"
	"clearnode/internal/models"
	"clearnode/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// APIHandler read-only HTTP views of the authenticated wallet
type APIHandler struct {
	ledger   *ledger.Service
	channels *channel.Service
	logger   *logrus.Logger
}

func NewAPIHandler(ledgerService *ledger.Service, channels *channel.Service, logger *logrus.Logger) *APIHandler {
	return &APIHandler{ledger: ledgerService, channels: channels, logger: logger}
}

func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindState, apperr.KindIdempotency:
		return http.StatusConflict
	case apperr.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("❌ API request failed")
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   apperr.PublicMessage(err),
	})
}

// GetBalances GET /api/v1/balances
func (h *APIHandler) GetBalances(c *gin.Context) {
	balances, err := h.ledger.Balances(c.Request.Context(), middleware.Wallet(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"ledger_balances": balances,
	})
}

// GetChannels GET /api/v1/channels?status=&offset=&limit=&sort=
func (h *APIHandler) GetChannels(c *gin.Context) {
	offset, err := queryInt(c, "offset")
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	page, err := repository.NewPage(offset, limit, c.Query("sort"))
	if err != nil {
		h.fail(c, apperr.Validation("%s", err.Error()))
		return
	}

	channels, err := h.channels.List(c.Request.Context(), middleware.Wallet(c), models.ChannelStatus(c.Query("status")), page)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"channels": channels,
	})
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("invalid %s: %s", name, raw)
	}
	return v, nil
}
