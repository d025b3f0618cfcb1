// Package scan implements the web-page threat scan pipeline.
//
// A scan runs four stages in order: redirect check, content fetch, model
// analysis, completion. The redirect check never fails the pipeline — it
// only affects the quality of the data passed downstream. A fetch error is
// fatal. An analysis failure downgrades to a best-effort degraded report
// when a redirect chain was captured in stage one.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagewarden/pagewarden/internal/domain"
	"github.com/pagewarden/pagewarden/internal/fetch"
	"github.com/pagewarden/pagewarden/internal/model"
	"github.com/pagewarden/pagewarden/internal/store"
)

// ErrFetchFailed indicates the content fetch failed outright; the scan
// produced nothing worth reporting.
var ErrFetchFailed = errors.New("failed to fetch URL content")

// Report is the outcome of a completed (possibly degraded) scan.
type Report struct {
	URL      string
	Text     string
	Degraded bool
}

// Config holds the pipeline's stage timeouts.
type Config struct {
	RedirectTimeout time.Duration
	FetchTimeout    time.Duration
	Temperature     float64
	MaxTokens       int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		RedirectTimeout: 8 * time.Second,
		FetchTimeout:    8 * time.Second,
		Temperature:     0.1,
		MaxTokens:       512,
	}
}

// Pipeline drives a scan through its stages.
type Pipeline struct {
	fetcher fetch.Fetcher
	client  model.Client
	repo    store.Repository
	cfg     Config
}

// NewPipeline creates a scan pipeline over the two adapters and the store.
func NewPipeline(fetcher fetch.Fetcher, client model.Client, repo store.Repository, cfg Config) *Pipeline {
	return &Pipeline{fetcher: fetcher, client: client, repo: repo, cfg: cfg}
}

// Run scans url for the given user. The overall time budget comes from ctx;
// stages carve their own sub-timeouts out of it. On success the report is
// persisted to the user's scan history before returning.
func (p *Pipeline) Run(ctx context.Context, userID, url string) (*Report, error) {
	// Stage 1: redirect check. Never fatal.
	redirectInfo, chainCaptured, finalURL := p.checkRedirects(ctx, url)

	if err := ctx.Err(); err != nil {
		if chainCaptured {
			report := &Report{URL: url, Text: degradedReport(url, redirectInfo), Degraded: true}
			p.persist(userID, report, redirectInfo, 0)
			return report, nil
		}
		// Cancelled before anything was learned; nothing to report or persist.
		return nil, err
	}

	// Stage 2: content fetch. A fetch error is fatal.
	fetchCtx, cancelFetch := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	page, err := p.fetcher.Fetch(fetchCtx, finalURL)
	cancelFetch()
	if err != nil {
		if chainCaptured && ctx.Err() != nil {
			// Cancelled or timed out past stage one: the captured chain
			// still makes a degraded report.
			report := &Report{URL: url, Text: degradedReport(url, redirectInfo), Degraded: true}
			p.persist(userID, report, redirectInfo, 0)
			return report, nil
		}
		slog.Warn("content fetch failed", "url", finalURL, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	content := page.Content
	if page.Status >= 400 {
		content = fmt.Sprintf("Warning: URL returned status code %d\n\n%s", page.Status, content)
	}

	// Stage 3: analyze under the remaining budget.
	report, err := p.analyze(ctx, url, redirectInfo, page.Status, content)
	if err != nil {
		if !chainCaptured {
			return nil, err
		}
		// Degrade instead of failing: the redirect chain alone is worth
		// reporting.
		report = &Report{URL: url, Text: degradedReport(url, redirectInfo), Degraded: true}
	}

	// Stage 4: complete. Persist even when the run context is already
	// cancelled — the degraded report must survive a disconnect.
	p.persist(userID, report, redirectInfo, page.Status)

	return report, nil
}

// checkRedirects runs the stage-one probe with its own sub-timeout. On
// probe failure or sub-timeout it falls back to the original URL.
// chainCaptured reports whether an actual redirect chain was recorded —
// the condition under which a later analysis failure may degrade instead
// of failing.
func (p *Pipeline) checkRedirects(ctx context.Context, url string) (description string, chainCaptured bool, finalURL string) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.RedirectTimeout)
	defer cancel()

	probe, err := p.fetcher.CheckRedirects(probeCtx, url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Info("redirect check timed out, continuing with original URL", "url", url)
			return "Unknown - check timed out", false, url
		}
		slog.Warn("redirect check failed", "url", url, "error", err)
		return "Error checking redirects", false, url
	}

	if probe.Redirected {
		slog.Info("detected URL redirection", "url", url, "chain", probe.Describe())
	}
	return probe.Describe(), probe.Redirected, probe.FinalURL
}

func (p *Pipeline) analyze(ctx context.Context, url, redirectInfo string, status int, content string) (*Report, error) {
	messages := []domain.ConversationTurn{
		domain.SystemTurn(analysisInstruction),
		domain.UserTurn(formatPayload(url, redirectInfo, status, content)),
	}

	reply, err := p.client.Chat(ctx, messages, model.Options{
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze stage: %w", err)
	}

	return &Report{URL: url, Text: normalizeReport(reply)}, nil
}

// persist writes the scan record with a fresh context so a cancelled run
// still records its degraded report.
func (p *Pipeline) persist(userID string, report *Report, redirects string, status int) {
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := domain.ScanRecord{
		Page:      report.URL,
		Result:    report.Text,
		Redirects: redirects,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := p.repo.AppendScan(persistCtx, userID, rec); err != nil {
		slog.Error("failed to persist scan record", "user", userID, "url", report.URL, "error", err)
	}

	summary := report.Text
	if len(summary) > 200 {
		summary = summary[:200] + "..."
	}
	if err := p.repo.AppendLog(persistCtx, userID, fmt.Sprintf("URLScan (%s): %s", report.URL, summary)); err != nil {
		slog.Warn("failed to log scan", "user", userID, "error", err)
	}
}
