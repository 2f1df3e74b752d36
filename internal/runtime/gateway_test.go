package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

var sampleReload = ReloadRequest{
	TenantID:    "t1",
	AgentScope:  "agent-a",
	DesiredHash: "abc",
	Skills:      []skill.PlanSkill{{Key: "alpha", Version: "1.0.0", Checksum: "c1"}},
	LoadActions: []string{"load:alpha@1.0.0"},
	TraceID:     "trace-1",
}

func newTestGateway(url string, cfg GatewayConfig) (*GatewayClient, *[]time.Duration) {
	cfg.URL = url
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	c := NewGatewayClient(cfg, zap.NewNop(), nil)
	var sleeps []time.Duration
	c.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return c, &sleeps
}

func TestGatewaySendsV2Body(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/skills/reload", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "executionMode": "hot_reload", "tenantId": "t1", "agentScope": "agent-a",
			"desiredHash": "abc", "acceptedAtMs": 1700000000000, "summary": map[string]any{"loaded": 1},
		})
	}))
	defer srv.Close()

	c, _ := newTestGateway(srv.URL+"/", GatewayConfig{Token: "secret"})
	res, err := c.Reload(context.Background(), sampleReload)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "v2", got["protocolVersion"])
	assert.Equal(t, "trace-1", got["traceId"])
	assert.Equal(t, []any{"load:alpha@1.0.0"}, got["loadActions"])
	assert.Equal(t, []any{}, got["unloadActions"])
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Response)
	assert.Equal(t, "hot_reload", res.Response.ExecutionMode)
}

func TestGatewayV1ChecksStatusOnly(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte("reloaded"))
	}))
	defer srv.Close()

	c, _ := newTestGateway(srv.URL, GatewayConfig{Protocol: ProtocolV1})
	res, err := c.Reload(context.Background(), sampleReload)
	require.NoError(t, err)
	assert.Equal(t, "reloaded", res.Body)
	assert.NotContains(t, got, "traceId")
	assert.NotContains(t, got, "loadActions")
	assert.Equal(t, "abc", got["desiredHash"])
}

func TestGatewayClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		class    ErrorClass
		attempts int
	}{
		{"bad request is terminal", http.StatusBadRequest, `{"error":"bad"}`, ClassTerminal, 1},
		{"not found is terminal", http.StatusNotFound, ``, ClassTerminal, 1},
		{"server error is retried", http.StatusBadGateway, ``, ClassTransient, 3},
		{"rate limit is retried", http.StatusTooManyRequests, ``, ClassTransient, 3},
		{"request timeout is retried", http.StatusRequestTimeout, ``, ClassTransient, 3},
		{"echo mismatch is contract", http.StatusOK,
			`{"ok":true,"executionMode":"m","tenantId":"t1","agentScope":"agent-a","desiredHash":"zzz","acceptedAtMs":5}`,
			ClassContract, 1},
		{"missing acceptedAtMs is contract", http.StatusOK,
			`{"ok":true,"executionMode":"m","tenantId":"t1","agentScope":"agent-a","desiredHash":"abc"}`,
			ClassContract, 1},
		{"not ok is contract", http.StatusOK, `{"ok":false}`, ClassContract, 1},
		{"non json is contract", http.StatusOK, `done`, ClassContract, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := newTestGateway(srv.URL, GatewayConfig{MaxRetries: 2})
			_, err := c.Reload(context.Background(), sampleReload)
			require.Error(t, err)

			var gerr *GatewayError
			require.True(t, errors.As(err, &gerr))
			assert.Equal(t, tt.class, gerr.Class)
			assert.Equal(t, tt.attempts, gerr.Attempts)
			assert.Equal(t, int32(tt.attempts), calls.Load())
		})
	}
}

func TestGatewayBackoffIsLinear(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, sleeps := newTestGateway(srv.URL, GatewayConfig{MaxRetries: 3, RetryBackoff: 100 * time.Millisecond})
	_, err := c.Reload(context.Background(), sampleReload)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, *sleeps)
}

func TestGatewayNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := newTestGateway(url, GatewayConfig{MaxRetries: 1})
	_, err := c.Reload(context.Background(), sampleReload)
	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, ClassTransient, gerr.Class)
	assert.Equal(t, 2, gerr.Attempts)
}

func TestGatewayIgnoresCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoAck))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, _ := newTestGateway(srv.URL, GatewayConfig{})
	res, err := c.Reload(ctx, sampleReload)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
}

func TestGatewayZeroRetriesMakesOneAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, sleeps := newTestGateway(srv.URL, GatewayConfig{MaxRetries: 0})
	_, err := c.Reload(context.Background(), sampleReload)
	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, 1, gerr.Attempts)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, *sleeps)
}
