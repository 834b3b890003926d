// Package fxrates provides a client for the FX rate-table provider used by
// the currency normalizer.
package fxrates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/centryhq/centry/internal/common"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultRateLimit = 5 // requests per second

	// Rate tables change on the day scale; a short cache keeps repeated
	// runs from hammering the provider.
	cacheTTL = 15 * time.Minute
)

// Client fetches currency→base conversion tables over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter

	mu     sync.Mutex
	cached map[string]cachedTable
}

type cachedTable struct {
	rates     map[string]float64
	fetchedAt time.Time
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new rates client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
		cached:  make(map[string]cachedTable),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ratesResponse is the provider wire shape: rates are quoted as 1 base unit
// in the foreign currency, so the rate-to-base is the reciprocal.
type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// GetRates returns a table of currency code → rate to the base currency.
func (c *Client) GetRates(ctx context.Context, baseCurrency string) (map[string]float64, error) {
	base := strings.ToUpper(strings.TrimSpace(baseCurrency))

	c.mu.Lock()
	if entry, ok := c.cached[base]; ok && time.Since(entry.fetchedAt) < cacheTTL {
		rates := entry.rates
		c.mu.Unlock()
		return rates, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := c.baseURL + "/latest?base=" + url.QueryEscape(base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rates request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rates response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed ratesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rates response: %w", err)
	}

	table := make(map[string]float64, len(parsed.Rates)+1)
	table[base] = 1.0
	for code, quoted := range parsed.Rates {
		if quoted > 0 {
			table[strings.ToUpper(code)] = 1.0 / quoted
		}
	}

	c.mu.Lock()
	c.cached[base] = cachedTable{rates: table, fetchedAt: time.Now()}
	c.mu.Unlock()

	c.logger.Debug().Str("base", base).Int("currencies", len(table)).Msg("Fetched FX rate table")

	return table, nil
}
