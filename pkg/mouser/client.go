// Package mouser provides a client for the Mouser Electronics search API.
package mouser

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.mouser.com/api/v1.0"

// Search type labels used as cache keys.
const (
	SearchTypeKeyword = "keyword"
	SearchTypeMPN     = "mpn"
)

// Client defines the Mouser search operations.
type Client interface {
	// SearchByKeyword returns up to records parts matching a free-text keyword.
	SearchByKeyword(ctx context.Context, keyword string, records int) ([]Part, error)
	// SearchByMPN looks up a single part by manufacturer part number.
	// Returns nil when the part is not found.
	SearchByMPN(ctx context.Context, mpn string) (*Part, error)
}

// Cache is the read-through cache seam. Lookup returns nil on a miss; Store
// is best-effort.
type Cache interface {
	Lookup(ctx context.Context, term, kind string) []byte
	Store(ctx context.Context, term, kind string, payload []byte)
}

// Part is one record in a Mouser search response.
type Part struct {
	MouserPartNumber       string       `json:"MouserPartNumber"`
	ManufacturerPartNumber string       `json:"ManufacturerPartNumber"`
	Manufacturer           string       `json:"Manufacturer"`
	Description            string       `json:"Description"`
	DataSheetURL           string       `json:"DataSheetUrl"`
	AvailabilityInStock    string       `json:"AvailabilityInStock"`
	LeadTime               string       `json:"LeadTime"`
	PriceBreaks            []PriceBreak `json:"PriceBreaks"`
}

// PriceBreak is one quantity/price tier.
type PriceBreak struct {
	Quantity int    `json:"Quantity"`
	Price    string `json:"Price"`
	Currency string `json:"Currency"`
}

// UnitPrice returns the price at the lowest quantity break with any currency
// symbol stripped, or "N/A" when no breaks are listed.
func (p Part) UnitPrice() string {
	if len(p.PriceBreaks) == 0 {
		return "N/A"
	}
	breaks := make([]PriceBreak, len(p.PriceBreaks))
	copy(breaks, p.PriceBreaks)
	sort.Slice(breaks, func(i, j int) bool { return breaks[i].Quantity < breaks[j].Quantity })

	price := strings.ReplaceAll(breaks[0].Price, "$", "")
	if price == "" {
		return "N/A"
	}
	return price
}

// Availability summarizes stock state as "In Stock", "Lead Time: <x>", or
// "Unknown".
func (p Part) Availability() string {
	if stock, err := strconv.Atoi(strings.TrimSpace(p.AvailabilityInStock)); err == nil && stock > 0 {
		return "In Stock"
	}
	if p.LeadTime != "" {
		return "Lead Time: " + p.LeadTime
	}
	return "Unknown"
}

type keywordRequest struct {
	Keyword        string `json:"keyword"`
	Records        int    `json:"records"`
	StartingRecord int    `json:"startingRecord"`
}

type searchEnvelope struct {
	SearchByKeywordRequest keywordRequest `json:"SearchByKeywordRequest"`
}

type apiErrorBody struct {
	Code         string `json:"Code"`
	Message      string `json:"Message"`
	PropertyName string `json:"PropertyName"`
}

type searchResponse struct {
	Errors        []apiErrorBody `json:"Errors"`
	SearchResults struct {
		NumberOfResult int    `json:"NumberOfResult"`
		Parts          []Part `json:"Parts"`
	} `json:"SearchResults"`
}

// Option configures the Mouser client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithCache attaches a read-through response cache.
func WithCache(cache Cache) Option {
	return func(c *httpClient) {
		c.cache = cache
	}
}

// WithLimiter paces live API calls. Cached lookups are not rate limited.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = limiter
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	cache   Cache
	limiter *rate.Limiter
}

// NewClient creates a new Mouser search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchByKeyword(ctx context.Context, keyword string, records int) ([]Part, error) {
	if records <= 0 {
		records = 10
	}
	resp, err := c.search(ctx, keyword, SearchTypeKeyword, records)
	if err != nil {
		return nil, err
	}
	parts := resp.SearchResults.Parts
	if len(parts) > records {
		parts = parts[:records]
	}
	return parts, nil
}

func (c *httpClient) SearchByMPN(ctx context.Context, mpn string) (*Part, error) {
	resp, err := c.search(ctx, mpn, SearchTypeMPN, 1)
	if err != nil {
		return nil, err
	}
	if len(resp.SearchResults.Parts) == 0 {
		return nil, nil
	}
	part := resp.SearchResults.Parts[0]
	return &part, nil
}

// search runs one keyword query through the cache, then the live API. Both
// searches use the keyword endpoint; the search type only partitions the
// cache.
func (c *httpClient) search(ctx context.Context, term, kind string, records int) (*searchResponse, error) {
	if c.cache != nil {
		if payload := c.cache.Lookup(ctx, term, kind); payload != nil {
			resp, err := decodeSearchResponse(payload)
			if err == nil {
				return resp, nil
			}
			zap.L().Warn("mouser: discarding undecodable cached response", zap.String("term", term), zap.Error(err))
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "mouser: limiter wait")
		}
	}

	body, err := json.Marshal(searchEnvelope{SearchByKeywordRequest: keywordRequest{
		Keyword:        term,
		Records:        records,
		StartingRecord: 0,
	}})
	if err != nil {
		return nil, eris.Wrap(err, "mouser: marshal request")
	}

	reqURL := c.baseURL + "/search/keyword?apiKey=" + c.apiKey
	payload, statusCode, err := c.retryDo(ctx, reqURL, body)
	if err != nil {
		return nil, eris.Wrap(ErrUnavailable, err.Error())
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case statusCode != http.StatusOK:
		return nil, eris.Wrapf(ErrUnavailable, "status %d: %s", statusCode, string(payload))
	}

	resp, err := decodeSearchResponse(payload)
	if err != nil {
		return nil, eris.Wrap(ErrUnavailable, err.Error())
	}
	if len(resp.Errors) > 0 {
		first := resp.Errors[0]
		return nil, &APIError{Code: first.Code, Message: first.Message, PropertyName: first.PropertyName}
	}

	if c.cache != nil {
		c.cache.Store(ctx, term, kind, payload)
	}
	return resp, nil
}

func decodeSearchResponse(payload []byte) (*searchResponse, error) {
	var resp searchResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, eris.Wrap(err, "mouser: unmarshal response")
	}
	return &resp, nil
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo posts the request body with exponential backoff on transient
// failures (network errors, 500, 502, 503). 429 is returned immediately so
// the caller can stop the batch instead of hammering the quota.
func (c *httpClient) retryDo(ctx context.Context, url string, reqBody []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return nil, 0, eris.Wrap(err, "mouser: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "mouser: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("mouser: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}
