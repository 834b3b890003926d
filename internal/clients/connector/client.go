// Package connector provides a client for account-linking integration
// endpoints. Each configured source gets its own client instance; the engine
// treats every source as an opaque collaborator that yields a holdings
// snapshot or a per-source failure.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/models"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second
)

// Client implements the SourceClient interface over HTTP.
type Client struct {
	sourceID   string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
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

// NewClient creates a client for one configured source.
func NewClient(sourceID, baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		sourceID: sourceID,
		baseURL:  baseURL,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a source API error
type APIError struct {
	SourceID   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source '%s' API error: %s (status: %d)", e.SourceID, e.Message, e.StatusCode)
}

// SourceID returns the opaque identifier this source reports under.
func (c *Client) SourceID() string {
	return c.sourceID
}

// snapshotResponse is the wire shape connector endpoints return.
type snapshotResponse struct {
	Holdings []models.SourceHolding `json:"holdings"`
}

// FetchHoldings returns the source's current holdings snapshot for a user.
// Every returned holding is stamped with this client's source ID regardless
// of what the endpoint reported.
func (c *Client) FetchHoldings(ctx context.Context, userID string) ([]models.SourceHolding, error) {
	var resp snapshotResponse
	path := "/v1/holdings?user=" + url.QueryEscape(userID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	for i := range resp.Holdings {
		resp.Holdings[i].SourceID = c.sourceID
		if resp.Holdings[i].ObservedAt.IsZero() {
			resp.Holdings[i].ObservedAt = time.Now().UTC()
		}
	}

	c.logger.Debug().
		Str("source", c.sourceID).
		Str("user", userID).
		Int("holdings", len(resp.Holdings)).
		Msg("Fetched source snapshot")

	return resp.Holdings, nil
}

// get performs a rate-limited GET request
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			SourceID:   c.sourceID,
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
