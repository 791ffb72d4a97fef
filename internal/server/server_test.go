package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hive-market/hive/internal/app"
	"github.com/hive-market/hive/internal/config"
	"github.com/hive-market/hive/internal/logging"
	"github.com/hive-market/hive/internal/server"
)

func testConfig() config.Config {
	return config.Config{
		AppName:           "Hive",
		AppEnv:            "test",
		Port:              "0",
		LogLevel:          "error",
		ShutdownPeriod:    time.Second,
		IdempotencyTTL:    time.Minute,
		LockTTL:           5 * time.Second,
		LockMaxWait:       2 * time.Second,
		ReconcileInterval: time.Minute,
		ReconcileGrace:    time.Minute,
		OutboxBuffer:      64,
	}
}

type client struct {
	t       *testing.T
	srv     *server.Server
	headers map[string]string
}

func newClient(t *testing.T, cache *redis.Client) *client {
	t.Helper()
	cfg := testConfig()
	logger := logging.Discard()
	a := app.New(cfg, nil, cache, logger)
	return &client{t: t, srv: server.New(cfg, a, logger), headers: map[string]string{}}
}

func (c *client) do(method, path string, body any) (int, map[string]any, http.Header) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.srv.App().Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out, resp.Header
}

func (c *client) balance(accountID string) string {
	c.t.Helper()
	status, body, _ := c.do(http.MethodGet, "/api/v1/wallets/"+accountID, nil)
	require.Equal(c.t, http.StatusOK, status, body)
	return body["balance"].(string)
}

func (c *client) seed() {
	c.t.Helper()
	for _, acct := range []map[string]string{{"id": "tasker-1", "role": "TASKER"}, {"id": "doer-1", "role": "DOER"}} {
		status, body, _ := c.do(http.MethodPost, "/api/v1/accounts", acct)
		require.Equal(c.t, http.StatusCreated, status, body)
	}
	status, body, _ := c.do(http.MethodPut, "/api/v1/tasks/task-1", map[string]string{"tasker_id": "tasker-1", "doer_id": "doer-1"})
	require.Equal(c.t, http.StatusOK, status, body)
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	c := newClient(t, nil)
	c.seed()

	status, body, _ := c.do(http.MethodPost, "/api/v1/wallets/tasker-1/credit", map[string]any{"amount": "500"})
	require.Equal(t, http.StatusCreated, status, body)
	entry := body["entry"].(map[string]any)
	require.Equal(t, "DEPOSIT", entry["kind"])
	require.Equal(t, "SUCCESS", entry["status"])

	status, body, _ = c.do(http.MethodPost, "/api/v1/tasks/task-1/escrow", map[string]any{"amount": "200"})
	require.Equal(t, http.StatusCreated, status, body)
	require.Equal(t, "FUNDED", body["state"])
	require.Equal(t, "200", body["held"])
	require.Equal(t, "300", c.balance("tasker-1"))

	status, body, _ = c.do(http.MethodPost, "/api/v1/tasks/task-1/escrow/release", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "RELEASED", body["state"])
	require.Equal(t, "0", body["held"])
	require.Equal(t, "200", c.balance("doer-1"))

	status, body, _ = c.do(http.MethodPost, "/api/v1/tasks/task-1/escrow/refund", nil)
	require.Equal(t, http.StatusConflict, status, body)
	require.NotEmpty(t, body["request_id"])

	status, body, _ = c.do(http.MethodGet, "/api/v1/wallets/doer-1/history?kind=PAYOUT", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Len(t, body["entries"], 1)

	status, body, _ = c.do(http.MethodPost, "/api/v1/reconcile", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Empty(t, body["discrepancies"])
}

func TestErrorMappingOverHTTP(t *testing.T) {
	c := newClient(t, nil)
	c.seed()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown wallet", http.MethodGet, "/api/v1/wallets/nobody", nil, http.StatusNotFound},
		{"invalid amount", http.MethodPost, "/api/v1/wallets/tasker-1/credit", map[string]any{"amount": "-1"}, http.StatusBadRequest},
		{"debit without wallet", http.MethodPost, "/api/v1/wallets/tasker-1/debit", map[string]any{"amount": "1"}, http.StatusNotFound},
		{"role mismatch", http.MethodPost, "/api/v1/wallets/tasker-1/credit", map[string]any{"amount": "5", "kind": "PAYOUT"}, http.StatusForbidden},
		{"same account", http.MethodPost, "/api/v1/transfers", map[string]any{"from_account_id": "tasker-1", "to_account_id": "tasker-1", "amount": "1"}, http.StatusBadRequest},
		{"duplicate account", http.MethodPost, "/api/v1/accounts", map[string]string{"id": "doer-1", "role": "DOER"}, http.StatusConflict},
		{"bad limit", http.MethodGet, "/api/v1/wallets/doer-1/history?limit=x", nil, http.StatusBadRequest},
		{"release unfunded", http.MethodPost, "/api/v1/tasks/task-1/escrow/release", nil, http.StatusConflict},
		{"unknown task", http.MethodPost, "/api/v1/tasks/nope/escrow", map[string]any{"amount": "1"}, http.StatusNotFound},
		{"tasker changed", http.MethodPut, "/api/v1/tasks/task-1", map[string]string{"tasker_id": "tasker-2"}, http.StatusConflict},
		{"escrow ref changed", http.MethodPut, "/api/v1/tasks/task-1", map[string]string{"tasker_id": "tasker-1", "escrow_ref": "ref-x"}, http.StatusConflict},
		{"sub-unit amount", http.MethodPost, "/api/v1/wallets/tasker-1/credit", map[string]any{"amount": "0.00001"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body, _ := c.do(tc.method, tc.path, tc.body)
			require.Equal(t, tc.want, status, body)
			require.NotEmpty(t, body["error"])
		})
	}

	status, body, _ := c.do(http.MethodGet, "/api/v1/tasks/task-1/escrow", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "task-1", body["escrow_ref"])

	status, body, _ = c.do(http.MethodPost, "/api/v1/wallets/tasker-1/credit", map[string]any{"amount": "10"})
	require.Equal(t, http.StatusCreated, status, body)
	status, body, _ = c.do(http.MethodPost, "/api/v1/wallets/tasker-1/debit", map[string]any{"amount": "11"})
	require.Equal(t, http.StatusBadRequest, status, body)
	require.Equal(t, "10", c.balance("tasker-1"))
}

func TestHealthOverHTTP(t *testing.T) {
	c := newClient(t, nil)
	status, body, _ := c.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	backends := body["status"].(map[string]any)
	require.Equal(t, "memory", backends["postgres"])
	require.Equal(t, "disabled", backends["redis"])
}

func TestIdempotentCreditWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	c := newClient(t, cache)

	status, _, _ := c.do(http.MethodPost, "/api/v1/accounts", map[string]string{"id": "tasker-1", "role": "TASKER"})
	require.Equal(t, http.StatusBadRequest, status, "writes require an Idempotency-Key")

	c.headers["Idempotency-Key"] = "acct-1"
	status, body, _ := c.do(http.MethodPost, "/api/v1/accounts", map[string]string{"id": "tasker-1", "role": "TASKER"})
	require.Equal(t, http.StatusCreated, status, body)

	c.headers["Idempotency-Key"] = "deposit-1"
	for i := 0; i < 3; i++ {
		status, body, headers := c.do(http.MethodPost, "/api/v1/wallets/tasker-1/credit", map[string]any{"amount": "25"})
		require.Equal(t, http.StatusCreated, status, body)
		if i > 0 {
			require.Equal(t, "true", headers.Get("Idempotent-Replay"))
		}
	}
	require.Equal(t, "25", c.balance("tasker-1"))

	status, body, _ = c.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"].(map[string]any)["redis"])
}
