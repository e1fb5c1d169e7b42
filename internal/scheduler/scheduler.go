// Package scheduler starts harvesting and checking jobs while guaranteeing, through the lease
// registry, that a source never has two jobs running at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-harvester/internal/crawler"
	"github.com/JakeFAU/proxy-harvester/internal/lease"
	"github.com/JakeFAU/proxy-harvester/internal/metrics"
)

// ErrJobPanicked wraps a value recovered from a panicking source.
var ErrJobPanicked = errors.New("job panicked")

var tracer = otel.Tracer("github.com/JakeFAU/proxy-harvester/internal/scheduler")

const (
	defaultReleaseTimeout = 10 * time.Second
	defaultResultBuffer   = 64
)

// Pool reports the size of the proxy pool for gating harvest passes.
type Pool interface {
	Count(ctx context.Context) (int, error)
}

// Leases is the subset of the lease registry the scheduler drives.
type Leases interface {
	Check(ctx context.Context, key string, detail bool) (lease.Status, error)
	Register(ctx context.Context, key string) (int64, error)
	TryRegister(ctx context.Context, key string) (int64, bool, error)
	Unregister(ctx context.Context, key string) (lease.Release, error)
}

// Config controls Scheduler behavior.
type Config struct {
	// MaxPoolSize gates harvesting: a pass only runs while the pool holds fewer records.
	MaxPoolSize int
	// StrictLeases acquires leases with a conditional set instead of check-then-register.
	StrictLeases    bool
	HarvestInterval time.Duration
	CheckInterval   time.Duration
	// Topic is passed to the publisher with every completion notification.
	Topic          string
	ReleaseTimeout time.Duration
	ResultBuffer   int
}

// Scheduler runs scheduling passes and owns the lifecycle of the jobs it dispatches.
type Scheduler struct {
	pool      Pool
	leases    Leases
	sources   map[crawler.JobClass][]crawler.Source
	publisher crawler.Publisher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	results chan crawler.JobResult
	wg      sync.WaitGroup
}

// New constructs a Scheduler. Sources are scheduled in the order given for each class.
func New(
	pool Pool,
	leases Leases,
	sources map[crawler.JobClass][]crawler.Source,
	publisher crawler.Publisher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = defaultResultBuffer
	}
	return &Scheduler{
		pool:      pool,
		leases:    leases,
		sources:   sources,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		results:   make(chan crawler.JobResult, cfg.ResultBuffer),
	}
}

// Results streams finished jobs. Results are dropped when nobody keeps up with the channel.
func (s *Scheduler) Results() <-chan crawler.JobResult {
	return s.results
}

// PoolBelowThreshold reports whether the pool holds fewer records than MaxPoolSize.
func (s *Scheduler) PoolBelowThreshold(ctx context.Context) (bool, error) {
	n, err := s.pool.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count pool: %w", err)
	}
	metrics.SetPoolSize(n)
	return n < s.cfg.MaxPoolSize, nil
}

// StartCrawling runs one scheduling pass for class and returns the lease keys of the jobs it
// dispatched. Harvesting is skipped entirely while the pool is full. Sources whose lease is held
// are skipped. Dispatched jobs outlive ctx.
func (s *Scheduler) StartCrawling(ctx context.Context, class crawler.JobClass) ([]string, error) {
	sources, ok := s.sources[class]
	if !ok && class != crawler.ClassHarvesting && class != crawler.ClassChecking {
		return nil, fmt.Errorf("%w: %q", crawler.ErrUnknownJobClass, class)
	}
	started := make([]string, 0, len(sources))

	if class == crawler.ClassHarvesting {
		below, err := s.PoolBelowThreshold(ctx)
		if err != nil {
			return started, err
		}
		if !below {
			s.logger.Debug("pool full, skipping harvest", zap.Int("max_size", s.cfg.MaxPoolSize))
			return started, nil
		}
	}

	for _, src := range sources {
		key := lease.Key(src.Name())
		start, acquired, err := s.acquire(ctx, key)
		if err != nil {
			return started, err
		}
		if !acquired {
			s.logger.Debug("source already running",
				zap.String("class", string(class)),
				zap.String("source", src.Name()),
			)
			metrics.ObserveLeaseSkip(string(class), src.Name())
			continue
		}
		s.dispatch(ctx, class, src, key, start)
		started = append(started, key)
	}
	return started, nil
}

// acquire takes the lease for key. The default path checks and then registers in two round trips,
// so two concurrent passes can both start the same source.
func (s *Scheduler) acquire(ctx context.Context, key string) (int64, bool, error) {
	if s.cfg.StrictLeases {
		start, ok, err := s.leases.TryRegister(ctx, key)
		if err != nil {
			return 0, false, fmt.Errorf("acquire %s: %w", key, err)
		}
		return start, ok, nil
	}
	st, err := s.leases.Check(ctx, key, false)
	if err != nil {
		return 0, false, fmt.Errorf("check %s: %w", key, err)
	}
	if st.Running() {
		return 0, false, nil
	}
	start, err := s.leases.Register(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("register %s: %w", key, err)
	}
	return start, true, nil
}

func (s *Scheduler) dispatch(ctx context.Context, class crawler.JobClass, src crawler.Source, key string, start int64) {
	runID := s.newRunID(key, start)
	res := crawler.JobResult{
		RunID:     runID,
		Class:     class,
		Source:    src.Name(),
		LeaseKey:  key,
		StartedAt: start,
	}
	jobCtx := context.WithoutCancel(ctx)

	s.logger.Info("job dispatched",
		zap.String("run_id", runID),
		zap.String("class", string(class)),
		zap.String("source", src.Name()),
	)

	s.wg.Add(1)
	metrics.IncActiveJobs()
	go func() {
		defer s.wg.Done()
		defer metrics.DecActiveJobs()
		spanCtx, span := tracer.Start(jobCtx, "job."+string(class),
			trace.WithAttributes(
				attribute.String("harvester.run_id", runID),
				attribute.String("harvester.source", src.Name()),
			),
		)
		began := s.clock.Now()
		res.Err = runJob(spanCtx, src)
		res.Duration = s.clock.Now().Sub(began)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		s.complete(spanCtx, res)
		span.End()
	}()
}

func (s *Scheduler) newRunID(key string, start int64) string {
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err == nil {
			return id
		}
		s.logger.Warn("run id generation failed", zap.Error(err))
	}
	return key + "-" + strconv.FormatInt(start, 10)
}

func runJob(ctx context.Context, src crawler.Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return src.Run(ctx)
}

// complete is the single completion hook of a job. It releases the lease, records the outcome and
// never propagates a failure.
func (s *Scheduler) complete(ctx context.Context, res crawler.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("completion hook panicked",
				zap.String("run_id", res.RunID),
				zap.Any("panic", r),
			)
		}
	}()

	releaseCtx, cancel := context.WithTimeout(ctx, s.cfg.ReleaseTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("run_id", res.RunID),
		zap.String("class", string(res.Class)),
		zap.String("source", res.Source),
		zap.String("status", string(res.Status())),
		zap.Duration("duration", res.Duration),
	}

	rel, err := s.leases.Unregister(releaseCtx, res.LeaseKey)
	if err != nil {
		s.logger.Error("lease release failed", append(fields, zap.Error(err))...)
	}
	if rel.Elapsed != nil {
		fields = append(fields, zap.Int64("total_time", *rel.Elapsed))
	}
	if res.Err != nil {
		s.logger.Warn("job failed", append(fields, zap.Error(res.Err))...)
	} else {
		s.logger.Info("job finished", fields...)
	}

	metrics.ObserveJob(string(res.Class), res.Source, string(res.Status()), res.Duration)
	s.publish(releaseCtx, res, rel)

	select {
	case s.results <- res:
	default:
		s.logger.Debug("result channel full, dropping result", zap.String("run_id", res.RunID))
	}
}

func (s *Scheduler) publish(ctx context.Context, res crawler.JobResult, rel lease.Release) {
	if s.publisher == nil {
		return
	}
	note := crawler.Notification{
		RunID:       res.RunID,
		Class:       res.Class,
		Source:      res.Source,
		LeaseKey:    res.LeaseKey,
		Status:      string(res.Status()),
		StartedAt:   res.StartedAt,
		TotalTime:   rel.Elapsed,
		DurationSec: res.Duration.Seconds(),
	}
	if res.Err != nil {
		note.ErrorText = res.Err.Error()
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, note); err != nil {
		s.logger.Warn("completion publish failed", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

// Wait blocks until every dispatched job has run its completion hook.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run triggers a pass per class on its interval until ctx is done. A non-positive interval
// disables the class. Pass errors are logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, class := range crawler.JobClasses {
		interval := s.interval(class)
		if interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, class, interval)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) interval(class crawler.JobClass) time.Duration {
	switch class {
	case crawler.ClassHarvesting:
		return s.cfg.HarvestInterval
	case crawler.ClassChecking:
		return s.cfg.CheckInterval
	default:
		return 0
	}
}

func (s *Scheduler) loop(ctx context.Context, class crawler.JobClass, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.pass(ctx, class)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx, class)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, class crawler.JobClass) {
	started, err := s.StartCrawling(ctx, class)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduling pass failed", zap.String("class", string(class)), zap.Error(err))
	}
	if len(started) > 0 {
		s.logger.Info("scheduling pass", zap.String("class", string(class)), zap.Strings("started", started))
	}
}
