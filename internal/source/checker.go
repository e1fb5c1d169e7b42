package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/proxy-harvester/internal/crawler"
	"github.com/JakeFAU/proxy-harvester/internal/metrics"
	"github.com/JakeFAU/proxy-harvester/internal/proxy"
)

// CheckerName is the source name, and so the lease suffix, of the checker job.
const CheckerName = "checker"

const (
	defaultCheckURL         = "http://httpbin.org/ip"
	defaultCheckTimeout     = 10 * time.Second
	defaultCheckConcurrency = 16
)

// Check outcomes reported to metrics.
const (
	checkAlive = "alive"
	checkDead  = "dead"
	checkFresh = "fresh"
)

// CheckerConfig controls validation runs.
type CheckerConfig struct {
	// URL is fetched through each proxy. Any 2xx response marks the proxy alive.
	URL         string
	Timeout     time.Duration
	Concurrency int
	// Interval is the staleness window. Records validated more recently are skipped.
	Interval time.Duration
}

// Pool is the part of the proxy repository the checker maintains.
type Pool interface {
	All(ctx context.Context) ([]proxy.Record, error)
	Touch(ctx context.Context, rec proxy.Record) error
	Delete(ctx context.Context, rec proxy.Record) error
}

// Checker re-validates stale records, refreshing live ones and evicting dead ones.
type Checker struct {
	cfg    CheckerConfig
	pool   Pool
	clock  crawler.Clock
	logger *zap.Logger
	// transport builds the round tripper used to reach the check URL through proxyURL.
	transport func(proxyURL *url.URL) http.RoundTripper
}

// NewChecker constructs a Checker.
func NewChecker(cfg CheckerConfig, pool Pool, clock crawler.Clock, logger *zap.Logger) *Checker {
	if cfg.URL == "" {
		cfg.URL = defaultCheckURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCheckTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultCheckConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:       cfg,
		pool:      pool,
		clock:     clock,
		logger:    logger.With(zap.String("source", CheckerName)),
		transport: proxyTransport,
	}
}

// Name returns CheckerName.
func (c *Checker) Name() string {
	return CheckerName
}

// Run probes every stale record. Probe failures evict the record; store failures abort the run.
func (c *Checker) Run(ctx context.Context) error {
	records, err := c.pool.All(ctx)
	if err != nil {
		return fmt.Errorf("list pool: %w", err)
	}
	now := c.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, rec := range records {
		if !proxy.IsStale(rec.CheckedAt, c.cfg.Interval, now) {
			metrics.ObserveCheck(checkFresh)
			continue
		}
		g.Go(func() error {
			return c.check(gctx, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("check pool: %w", err)
	}
	return nil
}

func (c *Checker) check(ctx context.Context, rec proxy.Record) error {
	if err := c.probe(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("proxy dead", zap.String("proxy", rec.URL()), zap.Error(err))
		metrics.ObserveCheck(checkDead)
		if err := c.pool.Delete(ctx, rec); err != nil {
			return fmt.Errorf("evict %s: %w", rec.Address(), err)
		}
		return nil
	}
	metrics.ObserveCheck(checkAlive)
	if err := c.pool.Touch(ctx, rec); err != nil {
		return fmt.Errorf("refresh %s: %w", rec.Address(), err)
	}
	return nil
}

func (c *Checker) probe(ctx context.Context, rec proxy.Record) error {
	// Listed https proxies are plain HTTP proxies that support CONNECT.
	proxyURL, err := url.Parse("http://" + rec.Address())
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Transport: c.transport(proxyURL),
		Timeout:   c.cfg.Timeout,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func proxyTransport(proxyURL *url.URL) http.RoundTripper {
	return &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DisableKeepAlives: true,
	}
}
