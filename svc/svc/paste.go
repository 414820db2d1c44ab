package svc

import (
	"context"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"hastypaste/metrics"
	"hastypaste/pkg/domain"
	"hastypaste/svc/cache"
	"hastypaste/svc/store"
	"hastypaste/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var ErrShuttingDown = errors.New("paste service shutting down")

// Renderer turns raw content into an HTML fragment. It may be slow.
type Renderer interface {
	Render(ctx context.Context, content, lexer string) (string, error)
}

type Opts struct {
	// MaxBodySize caps paste content in bytes; 0 means no cap.
	MaxBodySize   int64
	Workers       int
	QueueSize     int
	RenderWorkers int
	// TaskTimeout bounds a single background task.
	TaskTimeout time.Duration
	// RenderTimeout bounds a shared render, which outlives any one caller.
	RenderTimeout time.Duration
}

func (o Opts) withDefaults() Opts {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.RenderWorkers <= 0 {
		o.RenderWorkers = 1
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 10 * time.Second
	}
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = 30 * time.Second
	}
	return o
}

type task struct {
	name string
	id   string
	fn   func(ctx context.Context)
}

// Paste is the handler every route goes through. Writes reach the store
// before returning; cache population happens on background workers.
type Paste struct {
	store  store.Store
	cache  *cache.Chain
	render Renderer
	opts   Opts

	renderSem *semaphore.Weighted
	renders   singleflight.Group

	queueMu     sync.RWMutex
	queue       chan task
	workerWg    sync.WaitGroup
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	opWg        sync.WaitGroup

	cleanerRunning atomic.Bool
	now            func() time.Time
}

func NewPaste(s store.Store, c *cache.Chain, r Renderer, o Opts) *Paste {
	if s == nil || r == nil {
		panic("paste service: nil dependency (store or renderer)")
	}
	if c == nil {
		c = cache.NewChain()
	}
	o = o.withDefaults()
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	p := &Paste{
		store:       s,
		cache:       c,
		render:      r,
		opts:        o,
		renderSem:   semaphore.NewWeighted(int64(o.RenderWorkers)),
		queue:       make(chan task, o.QueueSize),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for i := 0; i < o.Workers; i++ {
		p.workerWg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Paste) worker() {
	defer p.workerWg.Done()
	for t := range p.queue {
		p.runTask(t)
	}
}

func (p *Paste) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BackgroundTasks.WithLabelValues("panic").Inc()
			util.Error().Interface("panic", r).Str("task", t.name).Str("id", t.id).Msg("background task panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(p.shutdownCtx, p.opts.TaskTimeout)
	defer cancel()
	t.fn(ctx)
	metrics.BackgroundTasks.WithLabelValues("done").Inc()
}

// enqueue hands fn to the workers without waiting. A full queue drops the
// task: everything scheduled here can be redone from the store.
func (p *Paste) enqueue(name, id string, fn func(ctx context.Context)) bool {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.shutdown.Load() {
		metrics.BackgroundTasks.WithLabelValues("rejected").Inc()
		return false
	}
	select {
	case p.queue <- task{name: name, id: id, fn: fn}:
		return true
	default:
		metrics.BackgroundTasks.WithLabelValues("dropped").Inc()
		util.Warn().Str("task", name).Str("id", id).Msg("background queue full, dropping task")
		return false
	}
}

// Shutdown stops accepting work, then waits for in-flight writes and for
// the workers to drain the queue, until ctx is done.
func (p *Paste) Shutdown(ctx context.Context) error {
	p.queueMu.Lock()
	if p.shutdown.Swap(true) {
		p.queueMu.Unlock()
		return nil
	}
	close(p.queue)
	p.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		p.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.shutdownFn()
		util.Debug().Msg("paste service shutdown complete")
		return nil
	case <-ctx.Done():
		p.shutdownFn()
		util.Warn().Msg("in-flight writes or background workers didn't stop in time")
		return ctx.Err()
	}
}

// beginOp registers an in-flight write unless shutdown has started. The
// check and the Add happen under the queue lock Shutdown takes to flip the
// flag, so no Add can race with the Wait.
func (p *Paste) beginOp() bool {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.shutdown.Load() {
		return false
	}
	p.opWg.Add(1)
	return true
}

// sizeGuard fails the read once more than max bytes came through.
type sizeGuard struct {
	r    io.Reader
	left int64
}

func (g *sizeGuard) Read(b []byte) (int, error) {
	if int64(len(b)) > g.left+1 {
		b = b[:g.left+1]
	}
	n, err := g.r.Read(b)
	g.left -= int64(n)
	if g.left < 0 {
		return 0, domain.ErrPasteTooLarge
	}
	return n, err
}

// CreatePaste stores a new paste and returns its metadata. The record is
// durable when this returns; the cache is filled in the background.
func (p *Paste) CreatePaste(ctx context.Context, longID bool, content io.Reader, params domain.CreateParams) (*domain.PasteMeta, error) {
	if !p.beginOp() {
		return nil, ErrShuttingDown
	}
	defer p.opWg.Done()

	now := p.now()
	if err := params.Validate(now); err != nil {
		return nil, err
	}
	id, err := util.GenPasteID(longID)
	if err != nil {
		return nil, errors.Wrap(err, "gen paste id")
	}
	meta := params.IntoMeta(id, now)
	if p.opts.MaxBodySize > 0 {
		content = &sizeGuard{r: content, left: p.opts.MaxBodySize}
	}
	if err := p.store.WritePaste(ctx, id, meta, content); err != nil {
		return nil, err
	}
	metrics.PasteCreated.Inc()
	p.enqueue("cache meta", id, func(ctx context.Context) {
		p.cache.PushAny(ctx, id, cache.Fields{Meta: meta}, true)
	})
	return meta, nil
}

// GetPasteMeta returns the metadata of id, with ok == false when no such
// paste exists. Expiry is left to the caller.
func (p *Paste) GetPasteMeta(ctx context.Context, id string) (*domain.PasteMeta, bool, error) {
	if err := domain.ValidateID(id); err != nil {
		return nil, false, err
	}
	if meta, ok := p.cache.GetMeta(ctx, id); ok {
		return meta, true, nil
	}
	meta, ok, err := p.store.ReadMeta(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	p.enqueue("backfill meta", id, func(ctx context.Context) {
		p.cache.PushAny(ctx, id, cache.Fields{Meta: meta}, true)
	})
	return meta, true, nil
}

// GetPasteRaw returns the content of id. The store result is not pushed to
// the cache here.
func (p *Paste) GetPasteRaw(ctx context.Context, id string) ([]byte, bool, error) {
	if err := domain.ValidateID(id); err != nil {
		return nil, false, err
	}
	if raw, ok := p.cache.GetRaw(ctx, id); ok {
		return raw, true, nil
	}
	return p.store.ReadRaw(ctx, id)
}

// GetPasteRendered returns id as HTML. With an empty override the paste's
// own lexer is used and the result is cached; an override render is
// never cached.
func (p *Paste) GetPasteRendered(ctx context.Context, id, overrideLexer string) (string, bool, error) {
	if err := domain.ValidateID(id); err != nil {
		return "", false, err
	}
	if overrideLexer == "" {
		if html, ok := p.cache.GetRendered(ctx, id); ok {
			return html, true, nil
		}
	}
	meta, ok, err := p.GetPasteMeta(ctx, id)
	if err != nil || !ok {
		return "", false, err
	}
	raw, ok, err := p.GetPasteRaw(ctx, id)
	if err != nil || !ok {
		return "", false, err
	}
	lexer := overrideLexer
	if lexer == "" {
		lexer = meta.Lexer()
	}
	// Callers sharing a render must not inherit each other's cancellation:
	// the render runs detached and each caller stops waiting on its own ctx.
	ch := p.renders.DoChan(id+"\x00"+lexer, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.RenderTimeout)
		defer cancel()
		return p.renderBounded(rctx, raw, lexer)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
	if res.Err != nil {
		return "", false, res.Err
	}
	html := res.Val.(string)
	if overrideLexer == "" {
		p.enqueue("cache rendered", id, func(ctx context.Context) {
			p.cache.PushAny(ctx, id, cache.Fields{HTML: &html}, true)
		})
	}
	return html, true, nil
}

func (p *Paste) renderBounded(ctx context.Context, raw []byte, lexer string) (string, error) {
	if err := p.renderSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.renderSem.Release(1)
	start := time.Now()
	html, err := p.render.Render(ctx, string(raw), lexer)
	metrics.RenderDuration.WithLabelValues(lexer).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", errors.Wrapf(err, "render with %s", lexer)
	}
	return html, nil
}

// RemovePaste deletes id from the store in the background. Callers evict
// the cache themselves with EvictCached.
func (p *Paste) RemovePaste(id string) {
	if domain.ValidateID(id) != nil {
		return
	}
	p.enqueue("remove paste", id, func(ctx context.Context) {
		if err := p.store.DeletePaste(ctx, id); err != nil {
			util.Error().Err(err).Str("id", id).Msg("failed to remove paste")
			return
		}
		metrics.PasteRemoved.WithLabelValues("background").Inc()
		util.Info().Str("id", id).Msg("paste removed")
	})
}

func (p *Paste) EvictCached(ctx context.Context, id string) {
	p.cache.Remove(ctx, id)
}

// ListAllPasteIDs walks the store lazily; each call starts over.
func (p *Paste) ListAllPasteIDs(ctx context.Context) iter.Seq2[string, error] {
	return p.store.IDs(ctx)
}

func (p *Paste) CacheLevels() []string { return p.cache.Names() }
func (p *Paste) PingStore(ctx context.Context) error {
	return p.store.Ping(ctx)
}
