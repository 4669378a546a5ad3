package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yield402/treasury/internal/ledger"
	"github.com/yield402/treasury/internal/rebalancer"
	"github.com/yield402/treasury/internal/settlement"
	"github.com/yield402/treasury/internal/treasury"
	"github.com/yield402/treasury/internal/types"
	"github.com/yield402/treasury/internal/vault"
)

type stubSettlements struct {
	outcome  settlement.Outcome
	received settlement.Payload
}

func (s *stubSettlements) Handle(_ context.Context, p settlement.Payload) settlement.Outcome {
	s.received = p
	return s.outcome
}

type stubCash struct{ amount decimal.Decimal }

func (c stubCash) IdleCash(context.Context) (decimal.Decimal, error) { return c.amount, nil }

type fixture struct {
	server      *WebServer
	settlements *stubSettlements
	adapter     *vault.MockAdapter
	ctrl        *rebalancer.Controller
}

func newFixture(t *testing.T, dbCheck func() error) *fixture {
	t.Helper()
	adapter := vault.NewMockAdapter(4.25)
	l := ledger.New(ledger.NewMemoryStore())
	cash := stubCash{decimal.RequireFromString("25")}
	ctrl, err := rebalancer.NewController(context.Background(), rebalancer.Config{
		Adapter: adapter,
		Ledger:  l,
		Cash:    cash,
		Parameters: types.RebalancerParameters{
			MinBufferUSDC:   decimal.NewFromInt(10),
			MinDepositUSDC:  decimal.NewFromInt(1),
			CooldownSeconds: 180,
		},
	})
	require.NoError(t, err)

	f := &fixture{settlements: &stubSettlements{}, adapter: adapter, ctrl: ctrl}
	f.server = NewWebServer(Options{
		Settlements: f.settlements,
		Treasury:    treasury.NewService(adapter, l, cash, "merchant"),
		Rebalancer:  ctrl,
		DBCheck:     dbCheck,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec, body := f.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "mock", body["treasury"].(map[string]interface{})["adapter"])

	f = newFixture(t, func() error { return errors.New("connection refused") })
	rec, body = f.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestSettledStatusCodes(t *testing.T) {
	tests := []struct {
		code settlement.Code
		want int
	}{
		{settlement.CodeOK, http.StatusOK},
		{settlement.CodeDuplicate, http.StatusOK},
		{settlement.CodeInvalidPayload, http.StatusBadRequest},
		{settlement.CodeMintMismatch, http.StatusUnprocessableEntity},
		{settlement.CodeVerificationFailed, http.StatusUnprocessableEntity},
		{settlement.CodeConfigMissing, http.StatusServiceUnavailable},
		{settlement.CodeError, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			f := newFixture(t, nil)
			f.settlements.outcome = settlement.Outcome{Code: tt.code, TxSignature: "sig"}
			rec, body := f.do(t, "POST", "/x402/settled", `{"txSignature":"sig","network":"devnet","amount":"100","mint":"m","payTo":"p","extra":1}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, string(tt.code), body["code"])
			assert.Equal(t, "100", f.settlements.received.Amount)
		})
	}
}

func TestSettledRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t, nil)
	rec, body := f.do(t, "POST", "/x402/settled", `{"txSignature":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(settlement.CodeInvalidPayload), body["code"])
}

func TestTreasuryEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, "POST", "/treasury/deposit", `{"amountUsdc":"7.5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["code"])
	assert.Equal(t, "success", body["transaction"].(map[string]interface{})["status"])

	rec, body = f.do(t, "POST", "/treasury/withdraw", `{"amountUsdc":2.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["code"])

	rec, body = f.do(t, "POST", "/treasury/withdraw", `{"amountUsdc":"100"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "adapter_failed", body["code"])

	rec, body = f.do(t, "POST", "/treasury/deposit", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", body["code"])

	rec, body = f.do(t, "GET", "/treasury/balances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "25", body["cashBufferUsdc"])
	assert.Equal(t, "5", body["inYieldUsdc"])
	assert.Equal(t, 4.25, body["estimatedApyPercent"])

	rec, body = f.do(t, "GET", "/treasury/apy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mock", body["protocol"])

	rec, body = f.do(t, "GET", "/treasury/transactions?page=1&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	txs := body["transactions"].([]interface{})
	assert.Len(t, txs, 2)
	pagination := body["pagination"].(map[string]interface{})
	assert.Equal(t, float64(3), pagination["total"])
	assert.Equal(t, float64(2), pagination["totalPages"])

	id := txs[0].(map[string]interface{})["id"].(string)
	rec, _ = f.do(t, "GET", "/treasury/transactions/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, "GET", "/treasury/transactions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestRebalancerEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, "GET", "/rebalancer/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", body["minBufferUsdc"])
	assert.Equal(t, float64(180), body["cooldownSec"])
	assert.NotContains(t, body, "lastDepositAt")

	rec, body = f.do(t, "POST", "/rebalancer/config", `{"minBufferUsdc":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_parameters", body["code"])

	rec, body = f.do(t, "POST", "/rebalancer/config", `{"minBufferUsdc":"20","cooldownSec":60}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "20", body["minBufferUsdc"])
	assert.Equal(t, "1", body["minDepositUsdc"])
	assert.Equal(t, 60, f.ctrl.Parameters().CooldownSeconds)

	rec, body = f.do(t, "POST", "/rebalancer/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.RebalanceDeposited), body["status"])
	assert.Equal(t, "5", body["excessUsdc"])
	assert.Equal(t, "manual", body["reason"])

	rec, body = f.do(t, "POST", "/rebalancer/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.RebalanceSkippedCooldown), body["status"])

	rec, body = f.do(t, "GET", "/rebalancer/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	rec, body = f.do(t, "GET", "/rebalancer/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["totalRuns"])
	assert.Equal(t, "5", body["depositedUsdc"])

	_, body = f.do(t, "GET", "/rebalancer/config", "")
	last, ok := body["lastDepositAt"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, last)
	assert.NoError(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "POST", "/rebalancer/trigger", "")

	rec, _ := f.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "treasury_rebalance_runs_total")
}

func TestCORSHeaders(t *testing.T) {
	f := newFixture(t, nil)
	rec, _ := f.do(t, "GET", "/treasury/apy", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightOnPostRoutes(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/x402/settled", "/treasury/deposit", "/treasury/withdraw", "/rebalancer/config", "/rebalancer/trigger"} {
		t.Run(path, func(t *testing.T) {
			rec, _ := f.do(t, "OPTIONS", path, "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
		})
	}
	assert.Empty(t, f.adapter.Deposits())
}
