package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"eggsync/internal/egg"

	"github.com/google/uuid"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) ListAccounts(ctx context.Context, accessToken string) ([]egg.Account, error) {
	var out struct {
		Accounts []egg.Account `json:"accounts"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/egg-accounts", accessToken, nil, &out)
	return out.Accounts, err
}

func (c *Client) CreateAccount(ctx context.Context, accessToken, externalID, status string) (egg.Account, error) {
	var out egg.Account
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/egg-accounts", accessToken, map[string]any{
		"external_id": externalID,
		"status":      status,
	}, &out)
	return out, err
}

func (c *Client) UpdateStatus(ctx context.Context, accessToken, accountID, status string) (egg.Account, error) {
	var out egg.Account
	err := c.jsonRequest(ctx, http.MethodPut, "/v1/egg-accounts/"+url.PathEscape(accountID), accessToken, map[string]any{
		"status": status,
	}, &out)
	return out, err
}

func (c *Client) DeleteAccount(ctx context.Context, accessToken, accountID string) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/v1/egg-accounts/"+url.PathEscape(accountID), accessToken, nil, nil)
}

func (c *Client) Refresh(ctx context.Context, accessToken, externalID string) (egg.Result, error) {
	var out egg.Result
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/egg-accounts/refresh/"+url.PathEscape(externalID), accessToken, nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
