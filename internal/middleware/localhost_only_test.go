package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLocalhostOnlyAdminToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	r := gin.New()
	r.GET("/metrics", NewLocalhostOnly(logger, []string{"10.0.0.0/8"}, "s3cret").Restrict(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		remote string
		header map[string]string
		want   int
	}{
		{name: "no token", remote: "127.0.0.1:9000", want: http.StatusUnauthorized},
		{name: "wrong token", remote: "127.0.0.1:9000", header: map[string]string{"X-Admin-Token": "s3cre"}, want: http.StatusUnauthorized},
		{name: "bearer token", remote: "127.0.0.1:9000", header: map[string]string{"Authorization": "Bearer s3cret"}, want: http.StatusOK},
		{name: "header token", remote: "10.2.3.4:9000", header: map[string]string{"X-Admin-Token": "s3cret"}, want: http.StatusOK},
		{name: "token from outside", remote: "192.0.2.1:9000", header: map[string]string{"X-Admin-Token": "s3cret"}, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
