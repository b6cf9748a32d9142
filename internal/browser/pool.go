// Package browser manages a bounded pool of isolated browser contexts on
// top of a single shared driver process.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/observability"
)

// Page is the surface web actions drive. Timeouts are enforced by the
// driver, cancellation by the caller between calls.
type Page interface {
	Goto(url string) error
	Click(selector string) error
	Fill(selector, text string) error
	WaitForSelector(selector string, timeout time.Duration) error
	WaitForIdle(timeout time.Duration) error
	TextContent(selector string) (string, error)
	Title() (string, error)
	URL() string
	Screenshot(fullPage bool) ([]byte, error)
	ScrollTo(selector string) error
}

// Config tunes the pool and the pages it hands out.
type Config struct {
	// PoolSize caps concurrent leases. Default 3.
	PoolSize int
	Headless bool
	// AcquireTimeout bounds how long Acquire blocks. Default 30s.
	AcquireTimeout time.Duration
	// NavigationTimeout bounds page navigations. Default 30s.
	NavigationTimeout time.Duration
	// SelectorTimeout bounds waits for elements. Default 10s.
	SelectorTimeout time.Duration
	UserAgent       string
	ViewportWidth   int
	ViewportHeight  int
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 10 * time.Second
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1080
	}
	return c
}

// driver starts the underlying browser process and mints page contexts.
type driver interface {
	Start() error
	NewPage() (*pageContext, error)
	Stop() error
}

// pageContext couples a page with the reset and teardown of the context
// that owns it.
type pageContext struct {
	page  Page
	reset func() error
	close func() error
}

// Pool hands out page leases up to a fixed capacity. The driver starts
// lazily on first acquire and contexts are recycled when returned healthy.
type Pool struct {
	config  Config
	driver  driver
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	started bool
	closed  bool
	created int
	idle    chan *pageContext
}

// New builds a pool backed by the playwright driver. Nothing starts until
// the first Acquire.
func New(config Config, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	config = config.withDefaults()
	return newPool(config, newPlaywrightDriver(config), logger, metrics)
}

func newPool(config Config, d driver, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Pool{
		config:  config,
		driver:  d,
		logger:  logger,
		metrics: metrics,
		idle:    make(chan *pageContext, config.PoolSize),
	}
}

// Acquire blocks until a context is free or the acquire timeout lapses.
// A context cancelled before or during the wait fails immediately with the
// caller's error; hitting the pool's own deadline reports the pool as
// unavailable.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindOf(err), err, "acquire browser")
	}
	if err := p.ensureStarted(); err != nil {
		return nil, err
	}

	started := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errdefs.New(errdefs.KindBrowserUnavailable, "browser pool is closed")
	}
	select {
	case pc := <-p.idle:
		p.mu.Unlock()
		return p.lease(pc, started), nil
	default:
	}
	if p.created < p.config.PoolSize {
		p.created++
		p.mu.Unlock()
		pc, err := p.driver.NewPage()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, errdefs.Wrap(errdefs.KindBrowserUnavailable, err, "create browser context")
		}
		return p.lease(pc, started), nil
	}
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()
	select {
	case pc, ok := <-p.idle:
		if !ok {
			return nil, errdefs.New(errdefs.KindBrowserUnavailable, "browser pool is closed")
		}
		return p.lease(pc, started), nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, errdefs.Wrap(errdefs.KindOf(err), err, "acquire browser")
		}
		return nil, errdefs.Newf(errdefs.KindBrowserUnavailable,
			"browser pool exhausted after %s", p.config.AcquireTimeout)
	}
}

// WithPage leases a page, runs fn against it and releases the lease. A
// non-nil error from fn destroys the context instead of recycling it.
func (p *Pool) WithPage(ctx context.Context, fn func(Page) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(lease.Page())
	lease.Release(err == nil)
	return err
}

func (p *Pool) lease(pc *pageContext, started time.Time) *Lease {
	if p.metrics != nil {
		p.metrics.RecordBrowserAcquire(time.Since(started).Seconds())
	}
	return &Lease{
		pool:     p,
		pc:       pc,
		id:       fmt.Sprintf("lease-%d", time.Now().UnixNano()),
		acquired: time.Now(),
	}
}

func (p *Pool) ensureStarted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errdefs.New(errdefs.KindBrowserUnavailable, "browser pool is closed")
	}
	if p.started {
		return nil
	}
	if err := p.driver.Start(); err != nil {
		return errdefs.Wrap(errdefs.KindBrowserUnavailable, err, "start browser driver")
	}
	p.started = true
	p.logger.Info(context.Background(), "browser driver started",
		"pool_size", p.config.PoolSize,
		"headless", p.config.Headless)
	return nil
}

// release takes a context back from a lease. Healthy contexts are reset
// and recycled; anything else is destroyed.
func (p *Pool) release(pc *pageContext, ok bool) {
	if p.metrics != nil {
		p.metrics.RecordBrowserRelease()
	}
	if ok {
		if err := pc.reset(); err != nil {
			p.logger.Warn(context.Background(), "browser context reset failed", "error", err)
			ok = false
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !ok {
		p.destroyLocked(pc)
		return
	}
	select {
	case p.idle <- pc:
	default:
		p.destroyLocked(pc)
	}
}

func (p *Pool) destroyLocked(pc *pageContext) {
	p.created--
	if err := pc.close(); err != nil {
		p.logger.Warn(context.Background(), "browser context close failed", "error", err)
	}
}

// Stats reports pool occupancy.
type Stats struct {
	Capacity int
	InUse    int
	Idle     int
	Started  bool
}

// Stats returns a point-in-time view of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.config.PoolSize,
		InUse:    p.created - len(p.idle),
		Idle:     len(p.idle),
		Started:  p.started,
	}
}

// Close destroys all idle contexts and stops the driver. Outstanding
// leases are destroyed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	close(p.idle)
	for pc := range p.idle {
		p.created--
		if err := pc.close(); err != nil {
			p.logger.Warn(context.Background(), "browser context close failed", "error", err)
		}
	}
	if !p.started {
		return nil
	}
	p.started = false
	if err := p.driver.Stop(); err != nil {
		return fmt.Errorf("stop browser driver: %w", err)
	}
	return nil
}

// Lease is an exclusive hold on one page. It belongs to a single task and
// must be released on every exit path.
type Lease struct {
	pool     *Pool
	pc       *pageContext
	id       string
	acquired time.Time

	mu       sync.Mutex
	released bool
}

// ID identifies the lease in logs.
func (l *Lease) ID() string { return l.id }

// Page returns the leased page, or nil once the lease was released.
func (l *Lease) Page() Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	return l.pc.page
}

// Release hands the context back. ok=true recycles it, ok=false destroys
// it. Calling Release twice is a no-op.
func (l *Lease) Release(ok bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l.pc, ok)
}
