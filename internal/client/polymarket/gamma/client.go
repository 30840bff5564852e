package polymarketgamma

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"smartmoney/internal/client/polymarket/flexjson"
)

const defaultHost = "https://gamma-api.polymarket.com"

type Client struct {
	host       string
	httpClient *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func NewClient(httpClient *http.Client, host string) *Client {
	if host == "" {
		host = defaultHost
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: httpClient,
	}
}

type MarketsQuery struct {
	Limit        int
	Offset       int
	Active       *bool
	Closed       *bool
	Order        string
	Ascending    bool
	ConditionIDs []string
	IDs          []string
}

func (c *Client) ListMarkets(ctx context.Context, q MarketsQuery) (flexjson.Page[Market], error) {
	query := url.Values{}
	setPaging(query, q.Limit, q.Offset)
	setBool(query, "active", q.Active)
	setBool(query, "closed", q.Closed)
	if q.Order != "" {
		query.Set("order", q.Order)
		query.Set("ascending", strconv.FormatBool(q.Ascending))
	}
	for _, id := range q.ConditionIDs {
		if id = strings.TrimSpace(id); id != "" {
			query.Add("condition_ids", id)
		}
	}
	for _, id := range q.IDs {
		if id = strings.TrimSpace(id); id != "" {
			query.Add("id", id)
		}
	}
	body, err := c.doRequest(ctx, "/markets", query)
	if err != nil {
		return flexjson.Page[Market]{}, err
	}
	return flexjson.DecodePage[Market](body, "data", "markets")
}

type EventsQuery struct {
	Limit     int
	Offset    int
	Active    *bool
	Closed    *bool
	Order     string
	Ascending bool
	Slug      string
}

func (c *Client) ListEvents(ctx context.Context, q EventsQuery) (flexjson.Page[Event], error) {
	query := url.Values{}
	setPaging(query, q.Limit, q.Offset)
	setBool(query, "active", q.Active)
	setBool(query, "closed", q.Closed)
	if q.Order != "" {
		query.Set("order", q.Order)
		query.Set("ascending", strconv.FormatBool(q.Ascending))
	}
	if slug := strings.TrimSpace(q.Slug); slug != "" {
		query.Set("slug", slug)
	}
	body, err := c.doRequest(ctx, "/events", query)
	if err != nil {
		return flexjson.Page[Event]{}, err
	}
	return flexjson.DecodePage[Event](body, "data", "events")
}

// GetEventBySlug returns nil when the slug is unknown.
func (c *Client) GetEventBySlug(ctx context.Context, slug string) (*Event, error) {
	if strings.TrimSpace(slug) == "" {
		return nil, fmt.Errorf("slug is required")
	}
	page, err := c.ListEvents(ctx, EventsQuery{Slug: slug, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return &page.Items[0], nil
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
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
	if resp.StatusCode != http.StatusOK {
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func setPaging(query url.Values, limit, offset int) {
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
}

func setBool(query url.Values, key string, v *bool) {
	if v != nil {
		query.Set(key, strconv.FormatBool(*v))
	}
}
