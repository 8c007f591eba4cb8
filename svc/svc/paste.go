package svc

import (
	"context"
	"pastel/cfg"
	"pastel/metrics"
	"pastel/pkg/domain"
	"pastel/svc/sim"
	"pastel/svc/store"
	"pastel/svc/util"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReindexWorkers = 4
	defaultReindexQueue   = 1000
	defaultReindexTimeout = 30 * time.Second
	drainTimeout          = 10 * time.Second
)

// Similarity is the part of the similarity service the paste service drives.
type Similarity interface {
	IndexPaste(ctx context.Context, p *domain.Paste) error
	DeleteByIDs(ctx context.Context, pasteIDs ...string) error
	Rank(ctx context.Context, query string, topK int) ([]sim.Match, error)
}

type reindexOp int

const (
	opUpsert reindexOp = iota
	opDelete
)

type reindexJob struct {
	op    reindexOp
	paste *domain.Paste
	id    string
}

// Paste applies caller authorization on top of the store and keeps the
// similarity index following the store's writes.
type Paste struct {
	store     *store.Store
	sim       Similarity
	topK      int
	threshold float64

	workers        int
	reindexTimeout time.Duration
	queues         []chan reindexJob
	queueMu        sync.RWMutex
	workerWg       sync.WaitGroup
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	shutdown       atomic.Bool
}

func NewPaste(st *store.Store, s Similarity, c *cfg.Cfg) *Paste {
	if st == nil || s == nil || c == nil {
		panic("paste service: nil dependency (store, similarity, or cfg)")
	}
	workers := c.Reindex.Workers
	if workers <= 0 {
		workers = defaultReindexWorkers
	}
	queueSize := c.Reindex.QueueSize
	if queueSize <= 0 {
		queueSize = defaultReindexQueue
	}
	perWorker := queueSize / workers
	if perWorker < 1 {
		perWorker = 1
	}
	timeout := c.Reindex.Timeout
	if timeout <= 0 {
		timeout = defaultReindexTimeout
	}
	threshold := c.Search.ScoreThreshold
	if threshold == 0 {
		threshold = DefaultScoreThreshold
	}
	topK := c.Search.TopK
	if topK <= 0 {
		topK = 10
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	p := &Paste{
		store:          st,
		sim:            s,
		topK:           topK,
		threshold:      threshold,
		workers:        workers,
		reindexTimeout: timeout,
		queues:         make([]chan reindexJob, workers),
		shutdownCtx:    shutdownCtx,
		shutdownFn:     shutdownFn,
	}
	for i := range p.queues {
		p.queues[i] = make(chan reindexJob, perWorker)
		p.workerWg.Add(1)
		go p.reindexWorker(p.queues[i])
	}
	return p
}

// Each worker owns one queue and every job for a given paste id lands on the
// same queue, so index writes for one paste apply in schedule order.
func (p *Paste) reindexWorker(queue <-chan reindexJob) {
	defer p.workerWg.Done()
	for j := range queue {
		p.runReindex(j)
	}
}

func (p *Paste) queueFor(id string) chan reindexJob {
	return p.queues[xxhash.Sum64String(id)%uint64(len(p.queues))]
}

func (p *Paste) pending() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Paste) runReindex(j reindexJob) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ReindexOps.WithLabelValues("failed").Inc()
			util.Error().Interface("panic", r).Str("id", j.id).Msg("reindex job panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(p.shutdownCtx, p.reindexTimeout)
	defer cancel()

	var err error
	switch j.op {
	case opUpsert:
		err = p.sim.IndexPaste(ctx, j.paste)
	case opDelete:
		err = p.sim.DeleteByIDs(ctx, j.id)
	}
	if err != nil {
		metrics.ReindexOps.WithLabelValues("failed").Inc()
		util.Warn().Err(err).Str("id", j.id).Msg("failed to update similarity index")
		return
	}
	metrics.ReindexOps.WithLabelValues("ok").Inc()
}

// enqueue never blocks; a full queue drops the job.
func (p *Paste) enqueue(j reindexJob) bool {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.shutdown.Load() {
		metrics.ReindexOps.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case p.queueFor(j.id) <- j:
		return true
	default:
		metrics.ReindexOps.WithLabelValues("dropped").Inc()
		util.Warn().Str("id", j.id).Msg("reindex queue full, dropping job")
		return false
	}
}

func (p *Paste) scheduleIndex(paste *domain.Paste) bool {
	return p.enqueue(reindexJob{op: opUpsert, paste: paste.Clone(), id: paste.ID})
}

func (p *Paste) scheduleRemoval(id string) bool {
	return p.enqueue(reindexJob{op: opDelete, id: id})
}

// Shutdown stops accepting reindex jobs and waits for queued ones to finish,
// abandoning whatever is still running after the drain timeout.
func (p *Paste) Shutdown() {
	p.queueMu.Lock()
	if p.shutdown.Swap(true) {
		p.queueMu.Unlock()
		return
	}
	for _, q := range p.queues {
		close(q)
	}
	p.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		util.Warn().Int("pending", p.pending()).Msg("reindex workers didn't stop in time")
	}
	p.shutdownFn()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) Create(ctx context.Context, owner string, f domain.Fields) (*domain.Paste, error) {
	f.Owner = owner
	paste, err := p.store.Create(ctx, f)
	if err != nil {
		return nil, err
	}
	p.scheduleIndex(paste)
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("id", paste.ID).
		Str("owner", util.RedactOwner(owner)).
		Msg("paste created")
	return paste, nil
}

// Get returns the paste unless it belongs to someone other than caller.
// Existence is confirmed before authorization.
func (p *Paste) Get(ctx context.Context, caller, id string) (*domain.Paste, error) {
	paste, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !paste.VisibleTo(caller) {
		return nil, domain.ErrForbidden
	}
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// ownedBy allows a write only when caller owns the paste. Ownerless pastes
// cannot be modified by anyone.
func ownedBy(caller string) store.Guard {
	return func(cur *domain.Paste) error {
		if !cur.Owned() || cur.Owner != caller {
			return domain.ErrForbidden
		}
		return nil
	}
}

func (p *Paste) Update(ctx context.Context, caller, id string, patch domain.Patch) (*domain.Paste, error) {
	paste, err := p.store.UpdateGuarded(ctx, id, patch, ownedBy(caller))
	if err != nil {
		return nil, err
	}
	p.scheduleIndex(paste)
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("id", id).
		Msg("paste updated")
	return paste, nil
}

func (p *Paste) Delete(ctx context.Context, caller, id string) error {
	if err := p.store.DeleteGuarded(ctx, id, ownedBy(caller)); err != nil {
		return err
	}
	p.scheduleRemoval(id)
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("id", id).
		Msg("paste deleted")
	return nil
}

func (p *Paste) MyPastes(ctx context.Context, caller string) ([]*domain.Paste, error) {
	if caller == "" {
		return nil, domain.ErrAuthRequired
	}
	return p.store.ListByOwner(ctx, caller)
}

func (p *Paste) PublicPastes(ctx context.Context) ([]*domain.Paste, error) {
	return p.store.ListPublic(ctx)
}

// ReindexAll re-embeds every stored paste in the background and returns the
// number of pastes scheduled. Unlike per-write jobs it bypasses the bounded
// queue, so nothing is dropped.
func (p *Paste) ReindexAll(ctx context.Context) (int, error) {
	if p.shutdown.Load() {
		return 0, domain.ErrServiceUnavailable
	}
	all, err := p.store.ListAll(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list pastes")
	}
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Int("count", len(all)).
		Msg("re-indexing started")

	go p.reindexBatch(all)
	return len(all), nil
}

func (p *Paste) reindexBatch(all []*domain.Paste) {
	g, ctx := errgroup.WithContext(p.shutdownCtx)
	g.SetLimit(p.workers)
	for _, paste := range all {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			jctx, cancel := context.WithTimeout(ctx, p.reindexTimeout)
			defer cancel()
			if err := p.sim.IndexPaste(jctx, paste); err != nil {
				metrics.ReindexOps.WithLabelValues("failed").Inc()
				util.Warn().Err(err).Str("id", paste.ID).Msg("failed to re-index paste")
				return nil
			}
			metrics.ReindexOps.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait()
	util.Info().Int("count", len(all)).Msg("re-indexing finished")
}
