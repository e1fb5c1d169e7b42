package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-harvester/internal/metrics"
	"github.com/JakeFAU/proxy-harvester/internal/proxy"
)

const (
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	defaultRequestTimeout = 20 * time.Second
	defaultRowSelector    = "table tr"
)

// Record outcomes reported to metrics.
const (
	outcomeSaved     = "saved"
	outcomeMalformed = "malformed"
	outcomeError     = "error"
)

// Columns maps table cells to record attributes by zero-based index. A negative index means the
// site does not publish that attribute.
type Columns struct {
	IP        int `mapstructure:"ip"`
	Port      int `mapstructure:"port"`
	Anonymity int `mapstructure:"anonymity"`
	Scheme    int `mapstructure:"scheme"`
}

// TableConfig describes one proxy list site.
type TableConfig struct {
	Name        string            `mapstructure:"name"`
	URLs        []string          `mapstructure:"urls"`
	RowSelector string            `mapstructure:"row_selector"`
	Columns     Columns           `mapstructure:"columns"`
	// DefaultScheme is used when the site has no scheme column or the cell is empty.
	DefaultScheme string `mapstructure:"default_scheme"`
	// Anonymity translates the site's labels into pool labels. Unmapped labels are kept verbatim.
	Anonymity map[string]string `mapstructure:"anonymity"`
}

// Limiter throttles requests per domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Saver admits records into the pool.
type Saver interface {
	Save(ctx context.Context, rec proxy.Record) (string, error)
}

// HTTPConfig holds the collector settings shared by every TableSource.
type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// TableSource scrapes proxy rows out of HTML tables.
type TableSource struct {
	cfg     TableConfig
	http    HTTPConfig
	saver   Saver
	limiter Limiter
	logger  *zap.Logger
}

// NewTableSource constructs a TableSource. limiter may be nil.
func NewTableSource(cfg TableConfig, httpCfg HTTPConfig, saver Saver, limiter Limiter, logger *zap.Logger) *TableSource {
	if cfg.RowSelector == "" {
		cfg.RowSelector = defaultRowSelector
	}
	if httpCfg.UserAgent == "" {
		httpCfg.UserAgent = defaultUserAgent
	}
	if httpCfg.Timeout <= 0 {
		httpCfg.Timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableSource{
		cfg:     cfg,
		http:    httpCfg,
		saver:   saver,
		limiter: limiter,
		logger:  logger.With(zap.String("source", cfg.Name)),
	}
}

// Name returns the configured source name.
func (s *TableSource) Name() string {
	return s.cfg.Name
}

// scrapeState collects the outcome of one Run across collector callbacks.
type scrapeState struct {
	mu        sync.Mutex
	saved     int
	malformed int
	errs      []error
}

func (st *scrapeState) fail(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.errs = append(st.errs, err)
}

// Run visits every configured page and saves each well-formed row. Malformed rows are counted and
// dropped. It fails when no page could be fetched or when the store rejects a write.
func (s *TableSource) Run(ctx context.Context) error {
	st := &scrapeState{}
	collector := colly.NewCollector(
		colly.UserAgent(s.http.UserAgent),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(s.http.Timeout)

	collector.OnHTML(s.cfg.RowSelector, func(e *colly.HTMLElement) {
		cells := e.DOM.Find("td")
		if cells.Length() == 0 {
			return
		}
		s.saveRow(ctx, st, s.parseRow(cells))
	})
	collector.OnError(func(r *colly.Response, err error) {
		s.logger.Warn("page fetch failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})

	visited := 0
	for _, url := range s.cfg.URLs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scrape %s: %w", s.cfg.Name, err)
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, url); err != nil {
				return fmt.Errorf("scrape %s: %w", s.cfg.Name, err)
			}
		}
		s.logger.Debug("visiting page", zap.String("url", url))
		if err := collector.Visit(url); err != nil {
			st.fail(fmt.Errorf("visit %s: %w", url, err))
			continue
		}
		visited++
	}
	collector.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	s.logger.Info("scrape finished",
		zap.Int("pages", visited),
		zap.Int("saved", st.saved),
		zap.Int("malformed", st.malformed),
	)
	if visited == 0 && len(s.cfg.URLs) > 0 {
		return fmt.Errorf("scrape %s: no page fetched: %w", s.cfg.Name, errors.Join(st.errs...))
	}
	for _, err := range st.errs {
		if !errors.Is(err, errStoreWrite) {
			continue
		}
		return fmt.Errorf("scrape %s: %w", s.cfg.Name, err)
	}
	return nil
}

var errStoreWrite = errors.New("store write failed")

func (s *TableSource) parseRow(cells *goquery.Selection) proxy.Record {
	rec := proxy.Record{
		IP:        cellText(cells, s.cfg.Columns.IP),
		Port:      cellText(cells, s.cfg.Columns.Port),
		Anonymity: cellText(cells, s.cfg.Columns.Anonymity),
		Scheme:    firstToken(cellText(cells, s.cfg.Columns.Scheme)),
	}
	if rec.Scheme == "" {
		rec.Scheme = s.cfg.DefaultScheme
	}
	if mapped, ok := s.cfg.Anonymity[rec.Anonymity]; ok {
		rec.Anonymity = mapped
	}
	return rec
}

func (s *TableSource) saveRow(ctx context.Context, st *scrapeState, rec proxy.Record) {
	_, err := s.saver.Save(ctx, rec)
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case err == nil:
		st.saved++
		metrics.ObserveRecord(s.cfg.Name, outcomeSaved)
	case errors.Is(err, proxy.ErrMalformedRecord):
		st.malformed++
		metrics.ObserveRecord(s.cfg.Name, outcomeMalformed)
	default:
		metrics.ObserveRecord(s.cfg.Name, outcomeError)
		st.errs = append(st.errs, fmt.Errorf("%w: %w", errStoreWrite, err))
	}
}

func cellText(cells *goquery.Selection, idx int) string {
	if idx < 0 || idx >= cells.Length() {
		return ""
	}
	return strings.TrimSpace(cells.Eq(idx).Text())
}

// firstToken keeps the first of comma or space separated values, e.g. "HTTP, HTTPS".
func firstToken(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '/' })
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
