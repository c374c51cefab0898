package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingStub struct{ err error }

func (p pingStub) PingContext(ctx context.Context) error { return p.err }
func (p pingStub) Ping(ctx context.Context) error { return p.err }

func readyBody(t *testing.T, h *MetricsHandler) (int, map[string]interface{}) {
	t.Helper()
	c, w := newTestContext(http.MethodGet, "/ready", nil)
	h.Ready(c)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestReadyChecksDatabaseAndCache(t *testing.T) {
	code, body := readyBody(t, NewMetricsHandler(nil, pingStub{}, pingStub{}))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["cache"])

	code, body = readyBody(t, NewMetricsHandler(nil, pingStub{}, pingStub{err: errors.New("redis down")}))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "redis down", body["cache"])

	code, _ = readyBody(t, NewMetricsHandler(nil, pingStub{err: errors.New("db down")}, pingStub{}))
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
