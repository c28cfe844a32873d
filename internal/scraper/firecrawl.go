// Package scraper fetches a web page as Markdown through the Firecrawl API.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/starford/ansuz/internal/apperr"
)

const DefaultBaseURL = "https://api.firecrawl.dev"

// ErrNoContent is returned when a page scraped successfully but yielded no Markdown.
var ErrNoContent = errors.New("scraper: no markdown content")

// Result is a scraped page.
type Result struct {
	Markdown string
	Title    string
	Metadata map[string]any
}

// Scraper fetches a URL as Markdown.
type Scraper interface {
	Scrape(ctx context.Context, url string) (Result, error)
}

// Config configures the Firecrawl client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Firecrawl calls the Firecrawl v1 scrape endpoint.
type Firecrawl struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

var _ Scraper = (*Firecrawl)(nil)

func NewFirecrawl(cfg Config) *Firecrawl {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Firecrawl{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type scrapeRequest struct {
	URL                string   `json:"url"`
	Formats            []string `json:"formats"`
	OnlyMainContent    bool     `json:"onlyMainContent"`
	ExcludeTags        []string `json:"excludeTags,omitempty"`
	RemoveBase64Images bool     `json:"removeBase64Images"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string         `json:"markdown"`
		Metadata map[string]any `json:"metadata"`
	} `json:"data"`
}

// statusError carries a non-2xx response status.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("firecrawl: status %d: %s", e.code, e.body)
}

// Scrape fetches url with main-content extraction. Rate limits and server
// errors are retried with exponential backoff.
func (f *Firecrawl) Scrape(ctx context.Context, url string) (Result, error) {
	payload, err := json.Marshal(scrapeRequest{
		URL:                url,
		Formats:            []string{"markdown"},
		OnlyMainContent:    true,
		ExcludeTags:        []string{"nav", "footer", "aside", "script", "style", "form"},
		RemoveBase64Images: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("scraper: encode request: %w", err)
	}

	var resp scrapeResponse
	operation := func() error {
		err := f.do(ctx, payload, &resp)
		var se *statusError
		if errors.As(err, &se) && se.code != http.StatusTooManyRequests && se.code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return Result{}, apperr.E(apperr.ErrUpstream, "scraper: scrape "+url, err)
	}
	if !resp.Success {
		return Result{}, apperr.E(apperr.ErrUpstream, "scraper: scrape "+url, fmt.Errorf("firecrawl: %s", resp.Error))
	}
	if strings.TrimSpace(resp.Data.Markdown) == "" {
		return Result{}, apperr.E(apperr.ErrUpstream, "scraper: scrape "+url, ErrNoContent)
	}

	title, _ := resp.Data.Metadata["title"].(string)
	return Result{
		Markdown: resp.Data.Markdown,
		Title:    title,
		Metadata: resp.Data.Metadata,
	}, nil
}

func (f *Firecrawl) do(ctx context.Context, payload []byte, out *scrapeResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/scrape", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	res, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return backoff.Permanent(fmt.Errorf("firecrawl: decode response: %w", err))
	}
	return nil
}
