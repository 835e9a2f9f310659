// Package collyfetcher implements the board fetcher using gocolly. It turns
// a crawl target into a lazy stream of candidate records, following the
// board's pagination, and probes individual postings for validation runs.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
	"github.com/jobtrail/discovery/internal/retry"
)

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	MaxPages  int
	// Retry governs in-place retries of transient page failures mid-stream
	// (pagination pages and validation probes). Nil disables them; the first
	// page of a crawl is always left to the caller's retry loop.
	Retry *retry.Policy
}

// Renderer renders a page in a JavaScript-capable browser. Used when the
// plain fetch comes back as an empty client-side shell.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// Detector decides whether a fetched page needs headless rendering.
type Detector interface {
	ShouldPromote(body []byte) bool
}

// Fetcher implements pipeline.Fetcher using the Colly collector.
type Fetcher struct {
	cfg      Config
	postings pipeline.PostingStore
	archive  pipeline.BlobStore
	renderer Renderer
	detector Detector
	base     *colly.Collector
	logger   *zap.Logger
}

// New builds a Fetcher. Renderer and detector are optional; without them
// client-side pages simply yield no records.
func New(cfg Config, postings pipeline.PostingStore, renderer Renderer, detector Detector, logger *zap.Logger) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:      cfg,
		postings: postings,
		renderer: renderer,
		detector: detector,
		base:     c,
		logger:   logger,
	}, nil
}

// SetArchive enables best-effort raw snapshot archival of fetched pages.
func (f *Fetcher) SetArchive(store pipeline.BlobStore) {
	f.archive = store
}

// Fetch opens a record stream for the target. The first page is fetched
// before the stream is returned so unreachable boards surface as a fetch
// error the retry policy can classify.
func (f *Fetcher) Fetch(ctx context.Context, target pipeline.Target) (pipeline.RecordStream, error) {
	if len(target.JobIDs) > 0 {
		return f.openValidation(ctx, target)
	}

	seeds := f.seedURLs(target)
	if len(seeds) == 0 {
		return nil, pipeline.FatalFetch("crawl", errors.New("target has no queries or company id"))
	}
	firstBody, _, err := f.fetchPage(ctx, seeds[0])
	if err != nil {
		return nil, err
	}

	prodCtx, cancel := context.WithCancel(ctx)
	ch := make(chan streamItem)
	go f.crawl(prodCtx, seeds, firstBody, ch)
	return newRecordStream(ch, cancel), nil
}

// seedURLs maps the target scope onto board listing URLs.
func (f *Fetcher) seedURLs(target pipeline.Target) []string {
	base := strings.TrimRight(f.cfg.BaseURL, "/")
	if target.CompanyID != "" {
		return []string{fmt.Sprintf("%s/companies/%s/jobs", base, url.PathEscape(target.CompanyID))}
	}
	seeds := make([]string, 0, len(target.Queries))
	for _, q := range target.Queries {
		seeds = append(seeds, fmt.Sprintf("%s/search?q=%s", base, url.QueryEscape(q)))
	}
	return seeds
}

func (f *Fetcher) crawl(ctx context.Context, seeds []string, firstBody []byte, ch chan<- streamItem) {
	defer close(ch)
	for i, seed := range seeds {
		pageURL := seed
		var body []byte
		if i == 0 {
			body = firstBody
		}
		for page := 0; page < f.cfg.MaxPages && pageURL != ""; page++ {
			if body == nil {
				var err error
				body, _, err = f.fetchPageWithRetry(ctx, pageURL)
				if err != nil {
					f.emit(ctx, ch, streamItem{err: err})
					return
				}
			}
			records, next, err := f.parseWithPromotion(ctx, pageURL, body)
			if err != nil {
				f.emit(ctx, ch, streamItem{err: fmt.Errorf("parse %s: %w", pageURL, err)})
				return
			}
			for _, rec := range records {
				if !f.emit(ctx, ch, streamItem{rec: rec}) {
					return
				}
			}
			pageURL = next
			body = nil
		}
	}
}

// parseWithPromotion parses a listing page, re-rendering it headlessly when
// it looks like an empty client-side shell.
func (f *Fetcher) parseWithPromotion(ctx context.Context, pageURL string, body []byte) ([]pipeline.CandidateRecord, string, error) {
	records, next, err := parsePage(pageURL, body)
	if err != nil {
		return nil, "", err
	}
	if len(records) > 0 || f.renderer == nil || f.detector == nil || !f.detector.ShouldPromote(body) {
		return records, next, nil
	}
	rendered, err := f.renderer.Render(ctx, pageURL)
	if err != nil {
		f.logger.Warn("headless promotion failed", zap.String("url", pageURL), zap.Error(err))
		return records, next, nil
	}
	f.logger.Debug("headless promotion applied", zap.String("url", pageURL))
	return parsePage(pageURL, rendered)
}

// openValidation resolves the target postings and probes each application
// URL. Confirmed-gone pages become Unavailable records; live pages are
// re-parsed so their content can be refreshed.
func (f *Fetcher) openValidation(ctx context.Context, target pipeline.Target) (pipeline.RecordStream, error) {
	postings, err := f.postings.ListPostingsByIDs(ctx, target.JobIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve postings: %w", err)
	}
	known := make(map[string]bool, len(postings))
	for _, p := range postings {
		known[p.ID] = true
	}
	for _, id := range target.JobIDs {
		if !known[id] {
			f.logger.Warn("skipping unknown posting id", zap.String("posting_id", id))
		}
	}

	prodCtx, cancel := context.WithCancel(ctx)
	ch := make(chan streamItem)
	go f.probeAll(prodCtx, postings, ch)
	return newRecordStream(ch, cancel), nil
}

func (f *Fetcher) probeAll(ctx context.Context, postings []pipeline.JobPosting, ch chan<- streamItem) {
	defer close(ch)
	for _, posting := range postings {
		item := f.probe(ctx, posting)
		if !f.emit(ctx, ch, item) {
			return
		}
		if item.err != nil {
			return
		}
	}
}

func (f *Fetcher) probe(ctx context.Context, posting pipeline.JobPosting) streamItem {
	body, status, err := f.fetchPageWithRetry(ctx, posting.ApplicationURL)
	if status == http.StatusNotFound || status == http.StatusGone {
		return streamItem{rec: pipeline.CandidateRecord{PostingID: posting.ID, Unavailable: true}}
	}
	if err != nil {
		return streamItem{err: err}
	}

	records, _, err := f.parseWithPromotion(ctx, posting.ApplicationURL, body)
	if err != nil {
		return streamItem{err: fmt.Errorf("parse %s: %w", posting.ApplicationURL, err)}
	}
	if len(records) == 0 {
		// Page is live but carries no parseable posting; surface it as a
		// record the dedup engine will count invalid rather than guessing.
		return streamItem{rec: pipeline.CandidateRecord{
			PostingID:      posting.ID,
			ApplicationURL: posting.ApplicationURL,
		}}
	}
	rec := records[0]
	rec.PostingID = posting.ID
	if rec.ApplicationURL == "" {
		rec.ApplicationURL = posting.ApplicationURL
	}
	return streamItem{rec: rec}
}

func (f *Fetcher) emit(ctx context.Context, ch chan<- streamItem, item streamItem) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- item:
		return true
	}
}

// fetchPageWithRetry retries transient page failures in place so a flaky
// pagination page or probe consumes the backoff budget instead of aborting
// the whole stream. Only exhaustion surfaces to the caller.
func (f *Fetcher) fetchPageWithRetry(ctx context.Context, pageURL string) ([]byte, int, error) {
	body, status, err := f.fetchPage(ctx, pageURL)
	if f.cfg.Retry == nil {
		return body, status, err
	}
	for attempt := 1; f.cfg.Retry.ShouldRetry(err, attempt); attempt++ {
		metrics.ObserveFetchRetry()
		f.logger.Warn("transient page failure, backing off",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, 0, fmt.Errorf("fetch canceled: %w", ctx.Err())
		case <-time.After(f.cfg.Retry.Backoff(attempt - 1)):
		}
		body, status, err = f.fetchPage(ctx, pageURL)
	}
	return body, status, err
}

// fetchPage executes a single GET and classifies failures as transient or
// fatal for the retry policy. The status code is reported even on error so
// validation probes can tell "gone" from "broken".
func (f *Fetcher) fetchPage(ctx context.Context, pageURL string) ([]byte, int, error) {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = false
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil && fetchErr == nil {
			f.snapshot(ctx, pageURL, body)
			return body, status, nil
		}
		if fetchErr == nil {
			fetchErr = err
		}
		return nil, status, classify(pageURL, status, fetchErr)
	}
}

// snapshot archives the raw page body. Failures are logged, never fatal.
func (f *Fetcher) snapshot(ctx context.Context, pageURL string, body []byte) {
	if f.archive == nil || len(body) == 0 {
		return
	}
	name := fmt.Sprintf("%s/%d.html", url.PathEscape(pageURL), time.Now().UnixNano())
	if _, err := f.archive.PutObject(ctx, name, "text/html", body); err != nil {
		f.logger.Warn("snapshot archive failed", zap.String("url", pageURL), zap.Error(err))
	}
}

// classify maps fetch failures onto the retry taxonomy: rate limiting,
// server errors and timeouts are transient; everything else is fatal.
func classify(pageURL string, status int, err error) error {
	wrapped := fmt.Errorf("fetch %s: %w", pageURL, err)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return pipeline.TransientFetch("fetch", wrapped)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.TransientFetch("fetch", wrapped)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.TransientFetch("fetch", wrapped)
	}
	return pipeline.FatalFetch("fetch", wrapped)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
