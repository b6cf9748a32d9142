package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/observability"
)

type fakePage struct {
	title string
	text  string
	url   string
}

func (p *fakePage) Goto(url string) error                                   { p.url = url; return nil }
func (p *fakePage) Click(selector string) error                             { return nil }
func (p *fakePage) Fill(selector, text string) error                        { return nil }
func (p *fakePage) WaitForSelector(selector string, d time.Duration) error  { return nil }
func (p *fakePage) WaitForIdle(d time.Duration) error                       { return nil }
func (p *fakePage) TextContent(selector string) (string, error)             { return p.text, nil }
func (p *fakePage) Title() (string, error)                                  { return p.title, nil }
func (p *fakePage) URL() string                                             { return p.url }
func (p *fakePage) Screenshot(fullPage bool) ([]byte, error)                { return []byte{0x89, 'P', 'N', 'G'}, nil }
func (p *fakePage) ScrollTo(selector string) error                          { return nil }

type fakeDriver struct {
	mu       sync.Mutex
	starts   int
	stops    int
	pages    int
	resets   int
	closes   int
	startErr error
	pageErr  error
	resetErr error
}

func (d *fakeDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.starts++
	return nil
}

func (d *fakeDriver) NewPage() (*pageContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pageErr != nil {
		return nil, d.pageErr
	}
	d.pages++
	return &pageContext{
		page: &fakePage{},
		reset: func() error {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.resets++
			return d.resetErr
		},
		close: func() error {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.closes++
			return nil
		},
	}, nil
}

func (d *fakeDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDriver) counts() (starts, pages, resets, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.pages, d.resets, d.closes
}

func newTestPool(t *testing.T, config Config) (*Pool, *fakeDriver) {
	t.Helper()
	d := &fakeDriver{}
	pool := newPool(config.withDefaults(), d, observability.NopLogger(), nil)
	t.Cleanup(func() { pool.Close() })
	return pool, d
}

func TestAcquireStartsDriverLazily(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 2})

	if starts, _, _, _ := d.counts(); starts != 0 {
		t.Fatal("driver started before first acquire")
	}
	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release(true)
	if starts, _, _, _ := d.counts(); starts != 1 {
		t.Errorf("driver starts = %d, want 1", starts)
	}
}

func TestAcquireUpToCapacity(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 2})
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	b, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if _, pages, _, _ := d.counts(); pages != 2 {
		t.Errorf("contexts created = %d, want 2", pages)
	}
	stats := pool.Stats()
	if stats.InUse != 2 || stats.Idle != 0 {
		t.Errorf("stats = %+v, want 2 in use, 0 idle", stats)
	}
	a.Release(true)
	b.Release(true)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	pool, _ := newTestPool(t, Config{PoolSize: 1, AcquireTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release(true)

	start := time.Now()
	_, err = pool.Acquire(ctx)
	if !errdefs.HasKind(err, errdefs.KindBrowserUnavailable) {
		t.Fatalf("Acquire() error = %v, want kind %s", err, errdefs.KindBrowserUnavailable)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Acquire() failed after %v, want at least the acquire timeout", elapsed)
	}
}

func TestAcquireCancelledContext(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Acquire(ctx)
	if !errdefs.HasKind(err, errdefs.KindCancelled) {
		t.Fatalf("Acquire() error = %v, want kind %s", err, errdefs.KindCancelled)
	}
	if starts, _, _, _ := d.counts(); starts != 0 {
		t.Error("cancelled acquire started the driver")
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan error, 1)
	go func() {
		second, err := pool.Acquire(ctx)
		if err == nil {
			second.Release(true)
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release(true)

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiting Acquire() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting Acquire() never completed after release")
	}
	if _, pages, _, _ := d.counts(); pages != 1 {
		t.Errorf("contexts created = %d, want 1 recycled context", pages)
	}
}

func TestReleaseHealthyRecycles(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(true)

	_, pages, resets, closes := d.counts()
	if pages != 1 || resets != 1 || closes != 0 {
		t.Errorf("after healthy release: pages=%d resets=%d closes=%d, want 1/1/0", pages, resets, closes)
	}
	stats := pool.Stats()
	if stats.Idle != 1 || stats.InUse != 0 {
		t.Errorf("stats = %+v, want 1 idle", stats)
	}
}

func TestReleaseFailedDestroys(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(false)

	_, pages, resets, closes := d.counts()
	if pages != 1 || resets != 0 || closes != 1 {
		t.Errorf("after failed release: pages=%d resets=%d closes=%d, want 1/0/1", pages, resets, closes)
	}

	next, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after destroy error = %v", err)
	}
	next.Release(true)
	if _, pages, _, _ := d.counts(); pages != 2 {
		t.Errorf("contexts created = %d, want a fresh second context", pages)
	}
}

func TestReleaseResetFailureDestroys(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})
	d.resetErr = errors.New("context wedged")
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(true)

	_, _, _, closes := d.counts()
	if closes != 1 {
		t.Errorf("closes = %d, want reset failure to destroy the context", closes)
	}
	if stats := pool.Stats(); stats.Idle != 0 {
		t.Errorf("stats = %+v, want nothing recycled", stats)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(true)
	lease.Release(true)
	lease.Release(false)

	_, _, resets, closes := d.counts()
	if resets != 1 || closes != 0 {
		t.Errorf("after repeated release: resets=%d closes=%d, want 1/0", resets, closes)
	}
	if page := lease.Page(); page != nil {
		t.Error("Page() after release = non-nil, want nil")
	}
}

func TestCloseStopsDriverAndRejectsAcquires(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(true)

	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_, _, _, closes := d.counts()
	if closes != 1 {
		t.Errorf("idle contexts closed = %d, want 1", closes)
	}
	d.mu.Lock()
	stops := d.stops
	d.mu.Unlock()
	if stops != 1 {
		t.Errorf("driver stops = %d, want 1", stops)
	}

	if _, err := pool.Acquire(ctx); !errdefs.HasKind(err, errdefs.KindBrowserUnavailable) {
		t.Errorf("Acquire() after close error = %v, want kind %s", err, errdefs.KindBrowserUnavailable)
	}
}

func TestReleaseAfterCloseDestroys(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	lease.Release(true)

	_, _, _, closes := d.counts()
	if closes != 1 {
		t.Errorf("closes = %d, want held context destroyed on late release", closes)
	}
}

func TestWithPageReleasesOnSuccess(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})

	err := pool.WithPage(context.Background(), func(page Page) error {
		return page.Goto("https://example.com")
	})
	if err != nil {
		t.Fatalf("WithPage() error = %v", err)
	}

	_, pages, resets, closes := d.counts()
	if pages != 1 || resets != 1 || closes != 0 {
		t.Errorf("after WithPage: pages=%d resets=%d closes=%d, want 1/1/0", pages, resets, closes)
	}
	if stats := pool.Stats(); stats.InUse != 0 {
		t.Errorf("stats = %+v, want lease returned", stats)
	}
}

func TestWithPageDestroysOnError(t *testing.T) {
	pool, d := newTestPool(t, Config{PoolSize: 1})

	wantErr := errors.New("selector vanished")
	err := pool.WithPage(context.Background(), func(page Page) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithPage() error = %v, want %v", err, wantErr)
	}

	_, _, resets, closes := d.counts()
	if resets != 0 || closes != 1 {
		t.Errorf("after failed WithPage: resets=%d closes=%d, want 0/1", resets, closes)
	}
}
