// Package poloniex is a rate-limited client for the Poloniex public and
// trading HTTP APIs.
//
// Every request passes through one shared token bucket, so concurrent market
// syncs cannot exceed the exchange limit together. Transient failures (429,
// 5xx, network errors, throttling payloads) are retried with backoff; all
// failures surface as *errors.CommunicationError.
package poloniex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	apperrors "github.com/johnayoung/go-poloniex-sync/internal/errors"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

const (
	publicPath  = "/public"
	tradingPath = "/tradingApi"

	defaultBaseURL    = "https://poloniex.com"
	defaultUserAgent  = "polosync/1.0"
	defaultTimeout    = 30 * time.Second
	defaultRatePerSec = 6

	marketCacheTTL = 5 * time.Minute
)

// Client talks to the Poloniex HTTP API.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        config.ExchangeConfig
	logger     *slog.Logger

	nonceMu   sync.Mutex
	lastNonce int64
	now       func() time.Time

	marketMu        sync.RWMutex
	marketCache     []models.Market
	marketCacheTime time.Time
}

// NewClient creates a client from the exchange configuration. Zero values
// fall back to the exchange defaults.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: config.Duration(cfg.Timeout, defaultTimeout),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
		logger:  logger.With("component", "poloniex"),
		now:     time.Now,
	}
}

// HasCredentials reports whether trading calls can be signed.
func (c *Client) HasCredentials() bool {
	return c.cfg.HasCredentials()
}

// Public performs GET {base}/public?command=cmd&params and returns the raw
// response body.
func (c *Client) Public(ctx context.Context, cmd PublicCommand, params Params) ([]byte, error) {
	values := params.Values()
	values.Set(string(ParamCommand), string(cmd))
	requestURL := c.cfg.BaseURL + publicPath + "?" + values.Encode()

	return c.do(ctx, string(cmd), http.MethodGet, requestURL, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	})
}

// Trading performs a signed POST {base}/tradingApi and returns the raw
// response body. A missing key or secret fails before any I/O.
func (c *Client) Trading(ctx context.Context, cmd TradingCommand, params Params) (json.RawMessage, error) {
	if c.cfg.APIKey == "" {
		return nil, &apperrors.ConfigurationError{Field: "exchange.api_key", Message: "required for trading command " + string(cmd)}
	}
	if c.cfg.APISecret == "" {
		return nil, &apperrors.ConfigurationError{Field: "exchange.api_secret", Message: "required for trading command " + string(cmd)}
	}

	requestURL := c.cfg.BaseURL + tradingPath
	body, err := c.do(ctx, string(cmd), http.MethodPost, requestURL, func(ctx context.Context) (*http.Request, error) {
		// a fresh nonce per attempt; the exchange rejects reused ones
		values := params.Values()
		values.Set(string(ParamCommand), string(cmd))
		values.Set(string(ParamNonce), fmt.Sprintf("%d", c.nextNonce()))
		payload := values.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Key", c.cfg.APIKey)
		req.Header.Set("Sign", Sign(c.cfg.APISecret, payload))
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Sign returns the hex encoded HMAC-SHA512 of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// nextNonce returns the current time in milliseconds, bumped so that it is
// strictly greater than every nonce handed out before.
func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	n := c.now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// do executes one logical call with rate limiting and retries. build is
// invoked once per attempt so request bodies and nonces are never reused.
func (c *Client) do(ctx context.Context, command, method, requestURL string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	attempts := 0

	operation := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limit wait failed: %w", err))
		}

		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		commErr := func(status int, msg string, cause error) *apperrors.CommunicationError {
			return &apperrors.CommunicationError{
				Command:    command,
				Method:     method,
				URL:        requestURL,
				StatusCode: status,
				Message:    msg,
				Err:        cause,
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(commErr(0, "", err))
			}
			return commErr(0, "", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return commErr(resp.StatusCode, "", fmt.Errorf("failed to read response body: %w", err))
		}

		if resp.StatusCode >= 400 {
			ce := commErr(resp.StatusCode, errorMessage(respBody), nil)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return ce
			}
			return backoff.Permanent(ce)
		}

		if msg := errorMessage(respBody); msg != "" {
			ce := commErr(resp.StatusCode, msg, nil)
			if apperrors.ClassifyType(ce) == apperrors.ErrorTypeRateLimit {
				return ce
			}
			return backoff.Permanent(ce)
		}

		body = respBody
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("request failed, retrying",
			"command", command,
			"attempt", attempts,
			"retry_in", next,
			"error", err.Error())
	}

	strategy := backoff.WithContext(apperrors.NewBackOff(c.cfg.RetryPolicy), ctx)
	if err := backoff.RetryNotify(operation, strategy, notify); err != nil {
		return nil, err
	}

	c.logger.Debug("request completed", "command", command, "attempts", attempts, "bytes", len(body))
	return body, nil
}

// errorMessage extracts the message of an {"error": "..."} payload. It
// returns "" for any other body.
func errorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil || len(payload.Error) == 0 {
		return ""
	}
	var msg string
	if err := json.Unmarshal(payload.Error, &msg); err != nil {
		return string(payload.Error)
	}
	return msg
}

// decode unmarshals body into out, reporting failures as communication
// errors for command.
func decode(command string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &apperrors.CommunicationError{
			Command: command,
			Message: "failed to decode response",
			Err:     err,
		}
	}
	return nil
}
