package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/handler"
	"github.com/UCLH-Foundry/PIXL/internal/token"
)

func controlRequest(t *testing.T, buckets map[string]*token.Bucket, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	h := handler.NewControlHandler(buckets, zap.NewNop())
	e := echo.New()
	req := httptest.NewRequest(method, "/token-bucket-refresh-rate", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var err error
	if method == http.MethodGet {
		err = h.GetRefreshRate(c)
	} else {
		err = h.SetRefreshRate(c)
	}
	require.NoError(t, err)
	return rec
}

func TestSetRefreshRate(t *testing.T) {
	buckets := map[string]*token.Bucket{
		"imaging": token.NewBucket(1, 0),
		"export":  token.NewBucket(1, 0),
	}

	rec := controlRequest(t, buckets, http.MethodPost, `{"rate": 2.5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.5, buckets["imaging"].Rate())
	assert.Equal(t, 2.5, buckets["export"].Rate())
}

func TestSetRefreshRateSingleQueue(t *testing.T) {
	buckets := map[string]*token.Bucket{
		"imaging": token.NewBucket(1, 0),
		"export":  token.NewBucket(1, 0),
	}

	rec := controlRequest(t, buckets, http.MethodPost, `{"rate": 0, "queue": "imaging"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, buckets["imaging"].Rate())
	assert.Equal(t, 1.0, buckets["export"].Rate())
}

func TestSetRefreshRateRejectsNegative(t *testing.T) {
	buckets := map[string]*token.Bucket{"imaging": token.NewBucket(1, 0)}

	rec := controlRequest(t, buckets, http.MethodPost, `{"rate": -1}`)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
	assert.Equal(t, 1.0, buckets["imaging"].Rate())
}

func TestSetRefreshRateRejectsNonNumeric(t *testing.T) {
	buckets := map[string]*token.Bucket{"imaging": token.NewBucket(1, 0)}

	rec := controlRequest(t, buckets, http.MethodPost, `{"rate": "fast"}`)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestSetRefreshRateUnknownQueue(t *testing.T) {
	buckets := map[string]*token.Bucket{"imaging": token.NewBucket(1, 0)}

	rec := controlRequest(t, buckets, http.MethodPost, `{"rate": 1, "queue": "nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRefreshRate(t *testing.T) {
	buckets := map[string]*token.Bucket{"imaging": token.NewBucket(0.5, 0)}

	rec := controlRequest(t, buckets, http.MethodGet, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rates map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rates))
	assert.Equal(t, 0.5, rates["imaging"])
}
