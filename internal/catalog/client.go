package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bookhound/bookhound/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to a catalog's JSON search API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type searchResponse struct {
	Results []struct {
		MD5      string   `json:"md5"`
		Title    string   `json:"title"`
		Authors  []string `json:"authors"`
		Format   string   `json:"format"`
		Language string   `json:"language"`
		Size     int64    `json:"size"`
		Year     int      `json:"year"`
	} `json:"results"`
}

// Search queries the catalog and maps its results into Result values.
func (c *Client) Search(ctx context.Context, q Query) ([]Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog base url: %w", err)
	}

	u = u.JoinPath("search")
	u.RawQuery = buildQuery(q).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search request failed with status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]Result, 0, len(body.Results))
	for _, r := range body.Results {
		results = append(results, Result{
			Hash:     r.MD5,
			Title:    r.Title,
			Authors:  r.Authors,
			Format:   r.Format,
			Language: r.Language,
			Size:     r.Size,
			Year:     r.Year,
		})
	}

	logger.DebugContext(ctx, "catalog search completed", "result_count", len(results))

	return results, nil
}

func buildQuery(q Query) url.Values {
	values := url.Values{}

	if q.Keywords != "" {
		values.Set("q", q.Keywords)
	}

	if q.Title != "" {
		values.Set("title", q.Title)
	}

	if q.Author != "" {
		values.Set("author", q.Author)
	}

	if q.ISBN != "" {
		values.Set("isbn", q.ISBN)
	}

	if q.Year != 0 {
		values.Set("year", strconv.Itoa(q.Year))
	}

	if q.Format != "" {
		values.Set("format", q.Format)
	}

	if q.Language != "" {
		values.Set("lang", q.Language)
	}

	return values
}
