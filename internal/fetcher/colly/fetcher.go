// Package collyfetcher implements collector.PageFetcher on top of gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/metrics"
)

// Defaults for the upstream search API.
const (
	DefaultEndpoint      = "https://fe-api.zhaopin.com/c/i/search/positions"
	DefaultCityCode      = "736"
	DefaultOrder         = 4
	DefaultPageSize      = 20
	DefaultEventScenario = "pcSearchedSouSearch"
	DefaultAnonymous     = 1
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultTimeout = 10 * time.Second
)

// Config controls the request payload and transport.
type Config struct {
	Endpoint      string
	CityCode      string
	Order         int
	PageSize      int
	EventScenario string
	// Anonymous is sent as the payload's anonymous flag. Nil selects
	// DefaultAnonymous; an explicit 0 is kept.
	Anonymous     *int
	UserAgent     string
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.CityCode == "" {
		c.CityCode = DefaultCityCode
	}
	if c.Order == 0 {
		c.Order = DefaultOrder
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.EventScenario == "" {
		c.EventScenario = DefaultEventScenario
	}
	if c.Anonymous == nil {
		anonymous := DefaultAnonymous
		c.Anonymous = &anonymous
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Limiter gates outbound requests.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter caps the request rate across all callers of the Fetcher.
func WithLimiter(l Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTransport replaces the HTTP transport used by the collector.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// Fetcher implements collector.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	limiter       Limiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

var _ collector.PageFetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:       cfg.withDefaults(),
		transport: newHTTPTransport(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = f.cfg.UserAgent
	c.IgnoreRobotsTxt = true
	// Every page of every term is a POST to the same URL.
	c.AllowURLRevisit = true
	c.WithTransport(f.transport)
	c.SetRequestTimeout(f.cfg.Timeout)
	f.baseCollector = c
	return f
}

// Endpoint returns the upstream URL requests are sent to.
func (f *Fetcher) Endpoint() string {
	return f.cfg.Endpoint
}

// FetchPage requests one page of results for term. An empty slice means the
// term has no further pages. Failures wrap collector.ErrTransport or
// collector.ErrDecode.
func (f *Fetcher) FetchPage(ctx context.Context, term string, page int) ([]collector.JobRecord, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", collector.ErrTransport, err)
		}
	}

	body, err := json.Marshal(f.payload(term, page))
	if err != nil {
		return nil, fmt.Errorf("encode search payload: %w", err)
	}

	start := time.Now()
	raw, err := f.post(ctx, body)
	if err != nil {
		metrics.ObservePage(f.cfg.Endpoint, metrics.PageTransportError, time.Since(start))
		return nil, fmt.Errorf("%w: term %q page %d: %w", collector.ErrTransport, term, page, err)
	}

	var resp searchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.ObservePage(f.cfg.Endpoint, metrics.PageDecodeError, time.Since(start))
		return nil, fmt.Errorf("%w: term %q page %d: %w", collector.ErrDecode, term, page, err)
	}

	items := resp.Data.List
	if len(items) == 0 {
		metrics.ObservePage(f.cfg.Endpoint, metrics.PageEmpty, time.Since(start))
		return []collector.JobRecord{}, nil
	}
	records, skipped := translateItems(items, term)
	for _, s := range skipped {
		f.logger.Warn("skipping undecodable list item",
			zap.String("term", term),
			zap.Int("page", page),
			zap.Int("item", s.Index),
			zap.Error(s.Err),
		)
	}
	if len(records) == 0 {
		// Nothing on a non-empty page was readable; report it rather than
		// mistaking it for the end of pagination.
		metrics.ObservePage(f.cfg.Endpoint, metrics.PageDecodeError, time.Since(start))
		return nil, fmt.Errorf("%w: term %q page %d: all %d items undecodable: %w",
			collector.ErrDecode, term, page, len(items), skipped[0].Err)
	}
	metrics.ObservePage(f.cfg.Endpoint, metrics.PageRecords, time.Since(start))
	f.logger.Debug("page fetched",
		zap.String("term", term),
		zap.Int("page", page),
		zap.Int("records", len(records)),
		zap.Int("skipped", len(skipped)),
		zap.Duration("duration", time.Since(start)),
	)
	return records, nil
}

func (f *Fetcher) payload(term string, page int) map[string]any {
	return map[string]any{
		"S_SOU_WORK_CITY":  f.cfg.CityCode,
		"order":            f.cfg.Order,
		"pageSize":         f.cfg.PageSize,
		"pageIndex":        page,
		"eventScenario":    f.cfg.EventScenario,
		"anonymous":        *f.cfg.Anonymous,
		"S_SOU_FULL_INDEX": term,
	}
}

// post sends the JSON body on a clone of the base collector and returns the
// raw response body. Non-2xx statuses surface through OnError.
func (f *Fetcher) post(ctx context.Context, body []byte) ([]byte, error) {
	// Clones share the base collector's HTTP backend, so transport and
	// timeout are configured once in New.
	c := f.baseCollector.Clone()

	var (
		payload  []byte
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		payload = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Accept", "application/json")

	done := make(chan error, 1)
	go func() {
		done <- c.Request(http.MethodPost, f.cfg.Endpoint, bytes.NewReader(body), colly.NewContext(), hdr)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return nil, fmt.Errorf("colly request failed: %w", err)
		}
		return payload, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
