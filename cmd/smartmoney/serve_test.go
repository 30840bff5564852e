package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smartmoney/internal/config"
	cronrunner "smartmoney/internal/cron"
	"smartmoney/internal/jobs"
)

func testConfig() config.Config {
	return config.Config{
		App: config.AppConfig{Env: "test"},
		DB:  config.DBConfig{Driver: "memory"},
		Jobs: config.JobsConfig{
			Queues:     map[string]int{jobs.QueueIngest: 1, jobs.QueueAnalysis: 2},
			GateMaxAge: 2 * time.Hour,
		},
		Chain: config.ChainConfig{
			RPCURL:             "http://127.0.0.1:1",
			MulticallAddress:   "0xcA11bde05977b3631167028862bE2a173976CA11",
			CTFAddress:         "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
			MulticallBatchSize: 100,
			BreakerFailures:    3,
			BreakerTimeout:     time.Minute,
		},
		Discovery: config.DiscoveryConfig{FreshnessWindow: 48 * time.Hour},
	}
}

func TestNewApp_WiresEveryJob(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.close)

	for _, name := range jobs.AllJobs {
		assert.True(t, a.scheduler.Has(name), name)
	}
	assert.Equal(t, "closed", a.breakerState())
	assert.True(t, a.settings.IsEnabled(context.Background(), "feature.smart_discovery", false))
}

func TestEngine_Routes(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.close)
	engine := newEngine(a, cronrunner.New(zap.NewNop(), context.Background()))

	for _, path := range []string{"/healthz", "/readyz", "/api/v1/traders", "/api/v1/smart-markets", "/api/v1/checkpoints", "/api/v1/jobs", "/api/v1/system-settings/switches"} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var ready map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready["status"])

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "smartmoney_http_requests_total")

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/traders", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
