package scheduler

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-harvester/internal/crawler"
	"github.com/JakeFAU/proxy-harvester/internal/kv/memory"
	"github.com/JakeFAU/proxy-harvester/internal/lease"
	"github.com/JakeFAU/proxy-harvester/internal/proxy"
	pubmemory "github.com/JakeFAU/proxy-harvester/internal/publisher/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(sec int64) *testClock {
	return &testClock{now: time.Unix(sec, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "run-" + strconv.Itoa(g.n), nil
}

type funcSource struct {
	name  string
	calls atomic.Int32
	run   func(ctx context.Context) error
}

func (s *funcSource) Name() string { return s.name }

func (s *funcSource) Run(ctx context.Context) error {
	s.calls.Add(1)
	if s.run == nil {
		return nil
	}
	return s.run(ctx)
}

type harness struct {
	clock     *testClock
	sched     *Scheduler
	store     *memory.Store
	leases    *lease.Registry
	repo      *proxy.Repository
	publisher *pubmemory.Publisher
}

func newHarness(t *testing.T, cfg Config, sources map[crawler.JobClass][]crawler.Source) *harness {
	t.Helper()
	clk := newTestClock(1_700_000_000)
	store := memory.NewStore(clk)
	leases := lease.NewRegistry(store, clk)
	repo := proxy.NewRepository(store, clk)
	pub := pubmemory.New(0)
	if cfg.Topic == "" {
		cfg.Topic = "harvest-runs"
	}
	sched := New(repo, leases, sources, pub, &seqIDs{}, clk, cfg, zap.NewNop())
	return &harness{clock: clk, sched: sched, store: store, leases: leases, repo: repo, publisher: pub}
}

func (h *harness) fillPool(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.repo.Save(context.Background(), proxy.Record{
			Anonymity: "high",
			Scheme:    "http",
			IP:        "10.0.0." + strconv.Itoa(i+1),
			Port:      "8080",
		})
		require.NoError(t, err)
	}
}

func drain(t *testing.T, s *Scheduler, n int) []crawler.JobResult {
	t.Helper()
	out := make([]crawler.JobResult, 0, n)
	for i := 0; i < n; i++ {
		select {
		case res := <-s.Results():
			out = append(out, res)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d of %d", i+1, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func TestHarvestSkippedWhenPoolFull(t *testing.T) {
	t.Parallel()

	src := &funcSource{name: "xicidaili"}
	h := newHarness(t, Config{MaxPoolSize: 2}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: {src},
	})
	h.fillPool(t, 2)

	started, err := h.sched.StartCrawling(context.Background(), crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Empty(t, started)
	h.sched.Wait()

	require.Zero(t, src.calls.Load())
	leases, err := h.leases.AllStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestHarvestRunsBelowThreshold(t *testing.T) {
	t.Parallel()

	src := &funcSource{name: "xicidaili"}
	h := newHarness(t, Config{MaxPoolSize: 2}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: {src},
	})
	h.fillPool(t, 1)

	started, err := h.sched.StartCrawling(context.Background(), crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Equal(t, []string{"spider_xicidaili"}, started)
	h.sched.Wait()
	require.EqualValues(t, 1, src.calls.Load())
}

func TestRunningSourceIsSkipped(t *testing.T) {
	t.Parallel()

	a := &funcSource{name: "a"}
	b := &funcSource{name: "b"}
	h := newHarness(t, Config{MaxPoolSize: 10}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: {a, b},
	})
	ctx := context.Background()
	_, err := h.leases.Register(ctx, "spider_a")
	require.NoError(t, err)

	started, err := h.sched.StartCrawling(ctx, crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Equal(t, []string{"spider_b"}, started)
	h.sched.Wait()

	require.Zero(t, a.calls.Load())
	require.EqualValues(t, 1, b.calls.Load())

	st, err := h.leases.Check(ctx, "spider_a", false)
	require.NoError(t, err)
	require.True(t, st.Running(), "a lease held by someone else must survive the pass")
	st, err = h.leases.Check(ctx, "spider_b", false)
	require.NoError(t, err)
	require.False(t, st.Running())
}

func TestLeaseReleasedOnEveryOutcome(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ok := &funcSource{name: "ok"}
	failing := &funcSource{name: "failing", run: func(context.Context) error { return boom }}
	panicking := &funcSource{name: "panicking", run: func(context.Context) error { panic("kaput") }}
	h := newHarness(t, Config{MaxPoolSize: 10}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: {ok, failing, panicking},
	})
	ctx := context.Background()

	started, err := h.sched.StartCrawling(ctx, crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Equal(t, []string{"spider_ok", "spider_failing", "spider_panicking"}, started)
	h.sched.Wait()

	results := drain(t, h.sched, 3)
	require.Equal(t, "failing", results[0].Source)
	require.ErrorIs(t, results[0].Err, boom)
	require.Equal(t, crawler.JobStatusFailed, results[0].Status())
	require.Equal(t, "ok", results[1].Source)
	require.NoError(t, results[1].Err)
	require.Equal(t, crawler.JobStatusSucceeded, results[1].Status())
	require.Equal(t, "panicking", results[2].Source)
	require.ErrorIs(t, results[2].Err, ErrJobPanicked)

	leases, err := h.leases.AllStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, leases)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		require.Equal(t, "harvest-runs", m.Topic)
		note, isNote := m.Payload.(crawler.Notification)
		require.True(t, isNote)
		require.NotNil(t, note.TotalTime)
		require.Equal(t, int64(1_700_000_000), note.StartedAt)
	}
}

func TestCheckingIsNotGated(t *testing.T) {
	t.Parallel()

	checker := &funcSource{name: "checker"}
	h := newHarness(t, Config{MaxPoolSize: 1}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassChecking: {checker},
	})
	h.fillPool(t, 3)

	started, err := h.sched.StartCrawling(context.Background(), crawler.ClassChecking)
	require.NoError(t, err)
	require.Equal(t, []string{"spider_checker"}, started)
	h.sched.Wait()
	require.EqualValues(t, 1, checker.calls.Load())
}

func TestUnknownClass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxPoolSize: 1}, nil)
	_, err := h.sched.StartCrawling(context.Background(), crawler.JobClass("bogus"))
	require.ErrorIs(t, err, crawler.ErrUnknownJobClass)
}

func TestJobOutlivesRequestContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var jobErr atomic.Value
	src := &funcSource{name: "slow", run: func(ctx context.Context) error {
		<-release
		if err := ctx.Err(); err != nil {
			jobErr.Store(err)
		}
		return nil
	}}
	h := newHarness(t, Config{MaxPoolSize: 10}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: {src},
	})

	ctx, cancel := context.WithCancel(context.Background())
	started, err := h.sched.StartCrawling(ctx, crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Len(t, started, 1)
	cancel()
	close(release)
	h.sched.Wait()

	require.Nil(t, jobErr.Load())
	leases, err := h.leases.AllStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestStrictLeasesDispatchOnce(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sources := make([]crawler.Source, 0, 4)
	counters := make([]*funcSource, 0, 4)
	for _, name := range []string{"a", "b", "c", "d"} {
		src := &funcSource{name: name, run: func(context.Context) error {
			<-gate
			return nil
		}}
		sources = append(sources, src)
		counters = append(counters, src)
	}
	h := newHarness(t, Config{MaxPoolSize: 10, StrictLeases: true}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: sources,
	})

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := h.sched.StartCrawling(context.Background(), crawler.ClassHarvesting)
			if err != nil {
				t.Error(err)
				return
			}
			total.Add(int32(len(started)))
		}()
	}
	wg.Wait()
	close(gate)
	h.sched.Wait()

	require.EqualValues(t, 4, total.Load())
	for _, src := range counters {
		require.EqualValues(t, 1, src.calls.Load(), src.name)
	}
}

type brokenPool struct{}

func (brokenPool) Count(context.Context) (int, error) { return 0, errors.New("store down") }

func TestPoolErrorPropagates(t *testing.T) {
	t.Parallel()

	clk := newTestClock(0)
	store := memory.NewStore(clk)
	sched := New(brokenPool{}, lease.NewRegistry(store, clk), map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: {&funcSource{name: "a"}},
	}, nil, nil, clk, Config{MaxPoolSize: 10}, nil)

	started, err := sched.StartCrawling(context.Background(), crawler.ClassHarvesting)
	require.Error(t, err)
	require.Empty(t, started)
}

func TestRunTriggersPasses(t *testing.T) {
	t.Parallel()

	src := &funcSource{name: "checker"}
	h := newHarness(t, Config{MaxPoolSize: 10, CheckInterval: 5 * time.Millisecond}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassChecking: {src},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	h.sched.Run(ctx)
	h.sched.Wait()

	require.GreaterOrEqual(t, src.calls.Load(), int32(1))
	leases, err := h.leases.AllStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestRunIDFallback(t *testing.T) {
	t.Parallel()

	clk := newTestClock(5)
	s := New(nil, nil, nil, nil, nil, clk, Config{}, nil)
	require.Equal(t, "spider_a-5", s.newRunID("spider_a", 5))
}

func TestExpiredLeaseAllowsRedispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &funcSource{name: "xicidaili"}
	h := newHarness(t, Config{MaxPoolSize: 10}, map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: {src},
	})

	// A job that died without releasing its lease.
	_, err := h.leases.Register(ctx, "spider_xicidaili")
	require.NoError(t, err)

	started, err := h.sched.StartCrawling(ctx, crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Empty(t, started)
	require.Zero(t, src.calls.Load())

	h.clock.Advance(lease.TTL - time.Second)
	started, err = h.sched.StartCrawling(ctx, crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Empty(t, started)

	h.clock.Advance(2 * time.Second)
	started, err = h.sched.StartCrawling(ctx, crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Equal(t, []string{"spider_xicidaili"}, started)

	res := drain(t, h.sched, 1)
	require.NoError(t, res[0].Err)
	require.EqualValues(t, 1, src.calls.Load())
}

type releaseFailingLeases struct {
	*lease.Registry
}

func (releaseFailingLeases) Unregister(context.Context, string) (lease.Release, error) {
	return lease.Release{}, errors.New("store down")
}

func TestReleaseErrorStillDeliversResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newTestClock(1_700_000_000)
	store := memory.NewStore(clk)
	registry := lease.NewRegistry(store, clk)
	pub := pubmemory.New(0)
	src := &funcSource{name: "kuaidaili"}
	sched := New(proxy.NewRepository(store, clk), releaseFailingLeases{registry},
		map[crawler.JobClass][]crawler.Source{crawler.ClassHarvesting: {src}},
		pub, &seqIDs{}, clk, Config{MaxPoolSize: 10, Topic: "harvest-runs"}, zap.NewNop())

	started, err := sched.StartCrawling(ctx, crawler.ClassHarvesting)
	require.NoError(t, err)
	require.Equal(t, []string{"spider_kuaidaili"}, started)

	res := drain(t, sched, 1)
	require.Equal(t, "kuaidaili", res[0].Source)
	require.NoError(t, res[0].Err)
	sched.Wait()

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	note, ok := msgs[0].Payload.(crawler.Notification)
	require.True(t, ok)
	require.Equal(t, string(crawler.JobStatusSucceeded), note.Status)
	require.Nil(t, note.TotalTime)

	// The lease stays until its TTL runs out.
	st, err := registry.Check(ctx, "spider_kuaidaili", false)
	require.NoError(t, err)
	require.True(t, st.Running())
}
