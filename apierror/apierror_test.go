package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorpalengineering/x402-adserver/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func respond(t *testing.T, err error) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	Respond(c, err, logger.NewNop())

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestRespondTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   Code
	}{
		{"not found", NotFound("delivery"), http.StatusNotFound, CodeNotFound},
		{"forbidden", Forbidden("not yours"), http.StatusForbidden, CodeForbidden},
		{"configuration", Configuration("webhook secret missing"), http.StatusUnprocessableEntity, CodeConfiguration},
		{"payment", PaymentRequired("expired"), http.StatusPaymentRequired, CodePaymentRequired},
		{"wrapped", fmt.Errorf("load: %w", NotFound("session")), http.StatusNotFound, CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := respond(t, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestRespondHidesInternalErrors(t *testing.T) {
	rec, body := respond(t, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternal, body.Code)
	assert.Equal(t, "internal server error", body.Message)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestUpstreamDetail(t *testing.T) {
	err := Upstream(http.StatusBadGateway, "facilitator unavailable", errors.New("dial tcp: refused"))

	rec, body := respond(t, err)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, map[string]any{"detail": "facilitator unavailable"}, body.Details)
	assert.NotContains(t, rec.Body.String(), "dial tcp")
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("deliver: %w", Configuration("missing url"))
	assert.True(t, Is(err, CodeConfiguration))
	assert.False(t, Is(err, CodeNotFound))
	assert.False(t, Is(errors.New("plain"), CodeConfiguration))
}
