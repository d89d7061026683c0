package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"eggsync/internal/auth"
	"eggsync/internal/egg"
	"eggsync/internal/gormstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUpstream struct {
	calls atomic.Int32
	fail  bool
}

func (u *stubUpstream) FetchFirstContact(_ context.Context, externalID string) ([]byte, error) {
	u.calls.Add(1)
	if u.fail {
		return nil, assert.AnError
	}
	return []byte(`{"eiUserId":"` + externalID + `","backup":{"userName":"Hen","game":{"soulEggsD":1e21,"eggsOfProphecy":13}}}`), nil
}

type testEnv struct {
	srv      *httptest.Server
	verifier *auth.Verifier
	upstream *stubUpstream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := gormstore.Open(context.Background(), gormstore.Config{
		Driver: gormstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "api.sqlite3"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	verifier := auth.NewVerifier("test-secret", "eggsync", "")
	up := &stubUpstream{}
	s := New(nil, Deps{
		Auth:     verifier,
		Users:    store,
		Accounts: egg.NewManager(store, nil),
		Sync:     egg.NewSynchronizer(store, up, nil, egg.SyncOptions{}),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, verifier: verifier, upstream: up}
}

func (e *testEnv) do(t *testing.T, user, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		token, err := e.verifier.Issue(user, user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, "", http.MethodGet, "/v1/egg-accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAccountLifecycle(t *testing.T) {
	env := newTestEnv(t)

	code, first := env.do(t, "alice", http.MethodPost, "/v1/egg-accounts", map[string]string{"external_id": "EI1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Main", first["status"])

	code, second := env.do(t, "alice", http.MethodPost, "/v1/egg-accounts", map[string]string{"external_id": "EI2", "status": "alt"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Alt", second["status"])

	code, _ = env.do(t, "alice", http.MethodPost, "/v1/egg-accounts", map[string]string{"external_id": "EI3", "status": "boss"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, "alice", http.MethodPost, "/v1/egg-accounts", map[string]string{"external_id": " "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, promoted := env.do(t, "alice", http.MethodPut, "/v1/egg-accounts/"+second["id"].(string), map[string]string{"status": "Main"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Main", promoted["status"])

	code, _ = env.do(t, "bob", http.MethodPut, "/v1/egg-accounts/"+second["id"].(string), map[string]string{"status": "Main"})
	assert.Equal(t, http.StatusNotFound, code)

	code, list := env.do(t, "alice", http.MethodGet, "/v1/egg-accounts", nil)
	require.Equal(t, http.StatusOK, code)
	accounts := list["accounts"].([]any)
	require.Len(t, accounts, 2)
	assert.Equal(t, "EI2", accounts[0].(map[string]any)["external_id"])

	code, _ = env.do(t, "alice", http.MethodDelete, "/v1/egg-accounts/"+second["id"].(string), nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, list = env.do(t, "alice", http.MethodGet, "/v1/egg-accounts", nil)
	require.Equal(t, http.StatusOK, code)
	accounts = list["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Main", accounts[0].(map[string]any)["status"])
}

func TestRefreshEndpoint(t *testing.T) {
	env := newTestEnv(t)

	code, res := env.do(t, "alice", http.MethodPost, "/v1/egg-accounts/refresh/EI9", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, res["was_fetched"])
	assert.Equal(t, "Main", res["status"])
	assert.InDelta(t, 46, res["mer"], 1e-9)

	code, res = env.do(t, "alice", http.MethodPost, "/v1/egg-accounts/refresh/EI9", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, res["was_fetched"])
	assert.EqualValues(t, 1, env.upstream.calls.Load())
}

func TestRefreshUpstreamFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.fail = true

	code, body := env.do(t, "alice", http.MethodPost, "/v1/egg-accounts/refresh/EI9", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.NotEmpty(t, body["error"])
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken(""))
}

func TestWriteJSONRejectsUnencodablePayload(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"eb": math.Inf(1)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}
