package dataapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"smartmoney/internal/client/polymarket/flexjson"
)

const defaultHost = "https://data-api.polymarket.com"

// Client wraps the Polymarket data API (leaderboard and positions). All
// requests share one rate limiter.
type Client struct {
	host       string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Option func(*Client)

// WithRateLimit paces requests at rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func NewClient(httpClient *http.Client, host string, opts ...Option) *Client {
	if host == "" {
		host = defaultHost
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
		maxRetries: 2,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type LeaderboardQuery struct {
	Period  string // day, week, month, all
	OrderBy string // PNL or VOL
	Limit   int
	Offset  int
}

func (c *Client) GetLeaderboard(ctx context.Context, q LeaderboardQuery) (flexjson.Page[LeaderboardEntry], error) {
	query := url.Values{}
	if q.Period != "" {
		query.Set("timePeriod", strings.ToLower(q.Period))
	}
	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = "PNL"
	}
	query.Set("orderBy", orderBy)
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		query.Set("offset", strconv.Itoa(q.Offset))
	}
	body, err := c.doRequest(ctx, "/v1/leaderboard", query)
	if err != nil {
		return flexjson.Page[LeaderboardEntry]{}, err
	}
	return flexjson.DecodePage[LeaderboardEntry](body, "data", "leaderboard")
}

type PositionsQuery struct {
	User          string
	SizeThreshold float64
	Limit         int
	Market        []string
}

func (c *Client) GetPositions(ctx context.Context, q PositionsQuery) (flexjson.Page[Position], error) {
	user := strings.TrimSpace(q.User)
	if user == "" {
		return flexjson.Page[Position]{}, fmt.Errorf("user is required")
	}
	query := url.Values{}
	query.Set("user", user)
	if q.SizeThreshold > 0 {
		query.Set("sizeThreshold", strconv.FormatFloat(q.SizeThreshold, 'f', -1, 64))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(q.Market) > 0 {
		query.Set("market", strings.Join(q.Market, ","))
	}
	body, err := c.doRequest(ctx, "/positions", query)
	if err != nil {
		return flexjson.Page[Position]{}, err
	}
	return flexjson.DecodePage[Position](body, "data", "positions")
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		body, err := c.once(ctx, fullURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
