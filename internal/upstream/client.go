// Package upstream talks to the game provider's first-contact endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"eggsync/internal/telemetry"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	firstContactPath = "/ei/bot_first_contact"
	maxBodyBytes     = 8 << 20
)

var tracer = otel.Tracer("eggsync/internal/upstream")

// StatusError is returned for a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}

type Options struct {
	BaseURL       string
	ClientVersion int
	Timeout       time.Duration
	MaxTries      uint
	// InitialBackoff is the first retry delay. Tests shrink it.
	InitialBackoff time.Duration
	HTTPClient     *http.Client
}

// Client fetches first-contact payloads. It satisfies egg.Fetcher.
type Client struct {
	baseURL        string
	clientVersion  int
	maxTries       uint
	initialBackoff time.Duration
	http           *http.Client
	log            *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout:   opts.Timeout,
			Transport: telemetry.Transport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		clientVersion:  opts.ClientVersion,
		maxTries:       opts.MaxTries,
		initialBackoff: opts.InitialBackoff,
		http:           opts.HTTPClient,
		log:            logger,
	}
}

type firstContactRequest struct {
	EIUserID      string `json:"ei_user_id"`
	ClientVersion int    `json:"client_version"`
}

// FetchFirstContact returns the raw JSON payload for externalID. Transport errors,
// 429 and 5xx responses are retried; anything else fails at once.
func (c *Client) FetchFirstContact(ctx context.Context, externalID string) (_ []byte, err error) {
	ctx, span := tracer.Start(ctx, "upstream.FirstContact")
	span.SetAttributes(attribute.String("egg.external_id", externalID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(firstContactRequest{EIUserID: externalID, ClientVersion: c.clientVersion})
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = 5 * time.Second

	attempt := 0
	return backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		raw, err := c.post(ctx, body)
		if err == nil {
			return raw, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !retryableStatus(se.Code) {
			return nil, backoff.Permanent(err)
		}
		c.log.Warn("first contact attempt failed", "external_id", externalID, "attempt", attempt, "err", err)
		return nil, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxTries),
	)
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+firstContactPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return raw, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
