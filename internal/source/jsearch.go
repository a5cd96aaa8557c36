// Package source fetches raw job postings for the pipeline. Postings
// stay loosely typed here; the normalizer owns the canonical shape.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anatolykoptev/go_match/internal/normalize"
	"github.com/anatolykoptev/go_match/internal/retry"
	"github.com/tidwall/gjson"
)

const (
	jsearchURL  = "https://jsearch.p.rapidapi.com/search"
	jsearchHost = "jsearch.p.rapidapi.com"
)

// JSearchClient queries the JSearch RapidAPI job aggregator.
type JSearchClient struct {
	apiKey string
	base   string
	httpc  *http.Client
	rc     retry.Config
}

// NewJSearch creates a JSearch client.
func NewJSearch(apiKey string) *JSearchClient {
	return &JSearchClient{
		apiKey: apiKey,
		base:   jsearchURL,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		rc:     retry.Default,
	}
}

// SearchQuery describes one JSearch call.
type SearchQuery struct {
	Title      string
	Location   string
	DatePosted string // all, today, 3days, week, month
	RemoteOnly bool
	Pages      int // num_pages, 1–10
}

// Search returns the raw postings for one query. Fields pass through
// untouched; required-field checks happen in normalization.
func (c *JSearchClient) Search(ctx context.Context, q SearchQuery) ([]normalize.RawPosting, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, err
	}
	pages := q.Pages
	if pages <= 0 {
		pages = 1
	}
	datePosted := q.DatePosted
	if datePosted == "" {
		datePosted = "today"
	}

	params := u.Query()
	params.Set("query", fmt.Sprintf("%s, %s", q.Title, q.Location))
	params.Set("num_pages", strconv.Itoa(pages))
	params.Set("date_posted", datePosted)
	params.Set("remote_jobs_only", strconv.FormatBool(q.RemoteOnly))
	u.RawQuery = params.Encode()

	resp, err := retry.HTTP(ctx, c.rc, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-RapidAPI-Key", c.apiKey)
		req.Header.Set("X-RapidAPI-Host", jsearchHost)
		return c.httpc.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("jsearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("jsearch: status %d: %s", resp.StatusCode, string(b))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jsearch: read body: %w", err)
	}
	return parseJSearchResponse(body), nil
}

// parseJSearchResponse extracts the data array as untyped postings.
func parseJSearchResponse(body []byte) []normalize.RawPosting {
	var out []normalize.RawPosting
	gjson.GetBytes(body, "data").ForEach(func(_, item gjson.Result) bool {
		posting := make(normalize.RawPosting)
		item.ForEach(func(key, value gjson.Result) bool {
			posting[key.String()] = value.Value()
			return true
		})
		out = append(out, posting)
		return true
	})
	return out
}
