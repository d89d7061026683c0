package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/egg-accounts":
			_, _ = w.Write([]byte(`{"accounts":[{"id":"a1","external_id":"EI1","status":"Main"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/egg-accounts":
			var in map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, "EI2", in["external_id"])
			_, _ = w.Write([]byte(`{"id":"a2","external_id":"EI2","status":"Alt"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/egg-accounts/a2":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/egg-accounts/refresh/EI1":
			_, _ = w.Write([]byte(`{"external_id":"EI1","mer":46,"was_fetched":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL + "/")

	accounts, err := c.ListAccounts(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "EI1", accounts[0].ExternalID)

	acc, err := c.CreateAccount(ctx, "tok", "EI2", "")
	require.NoError(t, err)
	assert.Equal(t, "a2", acc.ID)

	require.NoError(t, c.DeleteAccount(ctx, "tok", "a2"))

	res, err := c.Refresh(ctx, "tok", "EI1")
	require.NoError(t, err)
	assert.True(t, res.WasFetched)
	require.NotNil(t, res.MER)
	assert.Equal(t, 46.0, *res.MER)
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"refresh of EI1 already in progress"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Refresh(context.Background(), "tok", "EI1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "refresh of EI1 already in progress", apiErr.Message)
}

func TestSessionRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	_, err := LoadSession()
	require.Error(t, err)

	require.NoError(t, SaveSession(Session{AccessToken: "tok", APIBaseURL: "http://x/"}))
	info, err := os.Stat(filepath.Join(home, ".eggsync", "session.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s, err := LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "tok", s.AccessToken)
	assert.Equal(t, "http://x", s.APIBaseURL)

	require.NoError(t, ClearSession())
	require.NoError(t, ClearSession())
	_, err = LoadSession()
	require.Error(t, err)
}

func TestResolveAPIBaseURL(t *testing.T) {
	saved := Session{AccessToken: "tok", APIBaseURL: "https://saved.example.com"}

	assert.Equal(t, "https://flag.example.com", ResolveAPIBaseURL(" https://flag.example.com/ ", saved))
	assert.Equal(t, "https://saved.example.com", ResolveAPIBaseURL("", saved))
	assert.Equal(t, DefaultAPIBaseURL, ResolveAPIBaseURL("", Session{AccessToken: "tok"}))
}
