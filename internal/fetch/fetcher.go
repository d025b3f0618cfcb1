// Package fetch provides the page-fetch client adapter.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// TruncationMarker is appended when fetched content exceeds the limit.
const TruncationMarker = "... [content truncated for analysis]"

const maxRedirectHops = 10

// RedirectProbe is the outcome of a redirect-tracking probe.
type RedirectProbe struct {
	// Chain holds every visited URL in order, including the final one.
	// Empty when the URL did not redirect.
	Chain      []string
	FinalURL   string
	Redirected bool
}

// Describe renders the probe in the human-readable form stored on scan
// records ("No" or "Yes - a -> b -> c").
func (p *RedirectProbe) Describe() string {
	if !p.Redirected {
		return "No"
	}
	return "Yes - " + strings.Join(p.Chain, " -> ")
}

// Page is the result of a full content fetch.
type Page struct {
	Status    int
	Content   string
	Truncated bool
}

// Fetcher issues a redirect-tracking probe and a full content fetch.
type Fetcher interface {
	// CheckRedirects follows redirects from url without downloading the
	// body and reports the chain and final URL.
	CheckRedirects(ctx context.Context, url string) (*RedirectProbe, error)

	// Fetch downloads the page at url, truncating content at the configured
	// limit with a truncation marker.
	Fetch(ctx context.Context, url string) (*Page, error)
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	transport    http.RoundTripper
	contentLimit int
}

// NewHTTPFetcher creates a fetcher that truncates content at contentLimit
// characters.
func NewHTTPFetcher(contentLimit int) *HTTPFetcher {
	return &HTTPFetcher{
		transport:    http.DefaultTransport,
		contentLimit: contentLimit,
	}
}

// CheckRedirects follows redirects from url without downloading the body.
func (f *HTTPFetcher) CheckRedirects(ctx context.Context, url string) (*RedirectProbe, error) {
	var hops []string

	// A fresh client per probe so the redirect callback can capture the
	// chain for this request only. The transport is shared.
	client := &http.Client{
		Transport: f.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirectHops {
				return fmt.Errorf("stopped after %d redirects", maxRedirectHops)
			}
			if len(hops) == 0 {
				hops = append(hops, via[0].URL.String())
			}
			hops = append(hops, req.URL.String())
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build redirect probe: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("redirect probe: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close probe body", "error", closeErr)
		}
	}()

	probe := &RedirectProbe{
		FinalURL:   resp.Request.URL.String(),
		Redirected: len(hops) > 0,
		Chain:      hops,
	}
	if !probe.Redirected {
		probe.FinalURL = url
	}
	return probe, nil
}

// Fetch downloads the page at url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	client := &http.Client{Transport: f.transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build content request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch content: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close content body", "error", closeErr)
		}
	}()

	// Read one byte past the limit to detect truncation without buffering
	// an unbounded body.
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.contentLimit)+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	page := &Page{Status: resp.StatusCode}
	if len(data) > f.contentLimit {
		page.Content = string(data[:f.contentLimit]) + TruncationMarker
		page.Truncated = true
	} else {
		page.Content = string(data)
	}
	return page, nil
}
