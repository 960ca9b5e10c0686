package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gearbox/internal/broker"
	"github.com/sawpanic/gearbox/internal/circuit"
	"github.com/sawpanic/gearbox/internal/constraints"
	"github.com/sawpanic/gearbox/internal/execution"
	"github.com/sawpanic/gearbox/internal/gear"
	"github.com/sawpanic/gearbox/internal/instruments"
	"github.com/sawpanic/gearbox/internal/metrics"
	"github.com/sawpanic/gearbox/internal/pipeline"
	"github.com/sawpanic/gearbox/internal/risk"
	"github.com/sawpanic/gearbox/internal/sizing"
)

func newTestServer(t *testing.T, flatten FlattenFunc) (*Server, *pipeline.Service) {
	t.Helper()

	paper := broker.NewPaper(broker.DefaultPaperConfig(), instruments.DefaultService())
	brk := circuit.New("broker", circuit.Config{
		FailureThreshold: 5,
		Timeout:          time.Minute,
		RequestTimeout:   time.Second,
	})
	eng := execution.NewEngine(execution.DefaultEngineConfig(), paper, brk,
		execution.NewGuard(execution.DefaultGuardConfig()),
		execution.NewMemorySeenSet(0), nil, instruments.DefaultService())

	cons, err := constraints.NewEngine(constraints.DefaultConfig())
	require.NoError(t, err)

	pipe, err := pipeline.New(pipeline.Config{Account: "sim"}, pipeline.Deps{
		Governor:    risk.NewGovernor(risk.GovernorConfig{}, nil, time.UTC),
		Mental:      risk.NewMentalGovernor(risk.DefaultMentalConfig()),
		Gears:       gear.NewMachine(gear.DefaultConfig(), nil, nil),
		Constraints: cons,
		Sizer:       sizing.NewSizer(sizing.Config{}, instruments.DefaultService()),
		Engine:      eng,
	})
	require.NoError(t, err)

	svc := pipeline.NewService()
	require.NoError(t, svc.Register(pipe))

	status := metrics.NewStatusCollector()
	status.Update(func(s *metrics.Snapshot) {
		s.Gear = "DRIVE"
		s.TradesToday = 1
	})

	return NewServer(Config{}, Deps{
		Status:    status,
		Pipelines: svc,
		Flatten:   flatten,
	}), svc
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestStatusReturnsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "DRIVE", snap.Gear)
	assert.Equal(t, 1, snap.TradesToday)
	assert.NotEmpty(t, snap.Uptime)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAccountsList(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sim"`)
}

func TestKillSwitchToggles(t *testing.T) {
	srv, svc := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/accounts/sim/kill-switch",
		strings.NewReader(`{"on": true}`))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kill_switch":true`)

	_, ok := svc.Get("sim")
	require.True(t, ok)
}

func TestKillSwitchUnknownAccount(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/accounts/ghost/kill-switch",
		strings.NewReader(`{"on": true}`))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown account")
}

func TestKillSwitchRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/accounts/sim/kill-switch",
		strings.NewReader("not json"))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFlattenInvokesCallback(t *testing.T) {
	var gotAccount, gotReason string
	flatten := func(_ context.Context, account, reason string) ([]execution.FlattenOutcome, error) {
		gotAccount, gotReason = account, reason
		return []execution.FlattenOutcome{{Symbol: "MNQ", Action: "close", OK: true}}, nil
	}
	srv, _ := newTestServer(t, flatten)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/accounts/sim/flatten",
		strings.NewReader(`{"reason": "drill"}`))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sim", gotAccount)
	assert.Equal(t, "drill", gotReason)
	assert.Contains(t, rec.Body.String(), `"MNQ"`)
}

func TestFlattenDisabledWithoutCallback(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/accounts/sim/flatten", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}
