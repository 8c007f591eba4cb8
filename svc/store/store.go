package store

import (
	"context"
	"pastel/metrics"
	"pastel/pkg/domain"
	"pastel/svc/cache"
	"pastel/svc/db"
	"pastel/svc/util"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultPublicCap = 100
	maxIDAttempts    = 5
)

var ErrClosed = errors.New("store is closed")

// Backend is the durable record table behind the store.
type Backend interface {
	Insert(ctx context.Context, p *domain.Paste) error
	Update(ctx context.Context, p *domain.Paste) error
	Get(ctx context.Context, id string) (*domain.Paste, error)
	GetMany(ctx context.Context, ids []string) ([]*domain.Paste, error)
	ListAll(ctx context.Context) ([]*domain.Paste, error)
	Delete(ctx context.Context, id string) (bool, error)
	OwnerRows(ctx context.Context) ([]db.OwnerRow, error)
	RecentPublicIDs(ctx context.Context, limit int) ([]string, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// Guard inspects the current record on the store goroutine before a write is
// applied. A non-nil error aborts the write and is returned unchanged.
type Guard func(cur *domain.Paste) error

type Options struct {
	Cache     *cache.LRU
	PublicCap int
	Now       func() time.Time
	NewID     func() string
}

// Store owns the paste records together with the owner and public indexes.
// Every operation, reads included, runs on a single goroutine in arrival order.
type Store struct {
	backend Backend
	lru     *cache.LRU
	owners  ownerIndex
	public  *recentList
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
	seq     int64

	jobs      chan *job
	pending   int64
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type job struct {
	op   string
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
	err  error
}

// New loads both indexes from the backend and starts the command loop.
func New(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, errors.New("store: nil backend")
	}
	if opts.PublicCap <= 0 {
		opts.PublicCap = DefaultPublicCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = util.NewPasteID
	}
	s := &Store{
		backend: backend,
		lru:     opts.Cache,
		owners:  make(ownerIndex),
		public:  newRecentList(opts.PublicCap),
		now:     opts.Now,
		newID:   opts.NewID,
		log:     util.Component("store"),
		jobs:    make(chan *job),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := s.rebuild(ctx); err != nil {
		return nil, errors.Wrap(err, "rebuild indexes")
	}
	go s.loop()
	return s, nil
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case j := <-s.jobs:
			s.exec(j)
		case <-s.quit:
			return
		}
	}
}

func (s *Store) exec(j *job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("op", j.op).Msg("store command panicked")
			j.err = errors.Errorf("store %s panicked: %v", j.op, r)
		}
	}()
	start := time.Now()
	j.fn(j.ctx)
	metrics.StoreOpDuration.WithLabelValues(j.op).Observe(time.Since(start).Seconds())
}

// do hands fn to the loop. ctx only bounds the wait for admission; once the
// loop has accepted the command it runs to completion and do waits for it.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context)) error {
	metrics.StoreQueueDepth.Set(float64(atomic.AddInt64(&s.pending, 1)))
	defer func() {
		metrics.StoreQueueDepth.Set(float64(atomic.AddInt64(&s.pending, -1)))
	}()
	j := &job{op: op, ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan struct{})}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
	<-j.done
	return j.err
}

// nextSeq is only called from the store goroutine.
func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

// Close stops the loop after the command in progress finishes.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
	return nil
}

func (s *Store) Create(ctx context.Context, f domain.Fields) (*domain.Paste, error) {
	var out *domain.Paste
	var opErr error
	err := s.do(ctx, "create", func(ctx context.Context) {
		out, opErr = s.create(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

func (s *Store) create(ctx context.Context, f domain.Fields) (*domain.Paste, error) {
	now := s.now().UTC()
	p := &domain.Paste{
		Owner:      f.Owner,
		Title:      f.Title,
		Content:    f.Content,
		Language:   f.Language,
		Visibility: f.Visibility,
		CreatedAt:  now,
		UpdatedAt:  now,
		ListedAt:   now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Seq = s.nextSeq()
	if p.IsPublic() {
		p.ListedSeq = p.Seq
	}
	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		p.ID = s.newID()
		err = s.backend.Insert(ctx, p)
		if !errors.Is(err, db.ErrDuplicateID) {
			break
		}
		util.Warn().Str("id", p.ID).Msg("paste id collision, retrying")
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert paste")
	}
	if s.lru != nil {
		s.lru.Set(p)
	}
	if p.Owned() {
		s.owners.prepend(p.Owner, p.ID, p.Seq)
	}
	if p.IsPublic() {
		s.public.PushFront(p.ID)
	}
	metrics.PasteCreated.Inc()
	return p.Clone(), nil
}

// Get returns domain.ErrPasteNotFound when id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*domain.Paste, error) {
	var out *domain.Paste
	var opErr error
	err := s.do(ctx, "get", func(ctx context.Context) {
		out, opErr = s.get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

func (s *Store) get(ctx context.Context, id string) (*domain.Paste, error) {
	if s.lru != nil {
		if p, ok := s.lru.Get(id); ok {
			return p, nil
		}
	}
	p, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.lru != nil {
		s.lru.Set(p)
	}
	return p, nil
}

// GetMany returns records in the order of ids, silently dropping unknown ids.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]*domain.Paste, error) {
	var out []*domain.Paste
	var opErr error
	err := s.do(ctx, "get_many", func(ctx context.Context) {
		out, opErr = s.getMany(ctx, ids)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

func (s *Store) getMany(ctx context.Context, ids []string) ([]*domain.Paste, error) {
	if len(ids) == 0 {
		return []*domain.Paste{}, nil
	}
	found := make(map[string]*domain.Paste, len(ids))
	var missing []string
	for _, id := range ids {
		if _, seen := found[id]; seen {
			continue
		}
		if s.lru != nil {
			if p, ok := s.lru.Get(id); ok {
				found[id] = p
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		fetched, err := s.backend.GetMany(ctx, missing)
		if err != nil {
			return nil, errors.Wrap(err, "get many")
		}
		for _, p := range fetched {
			found[p.ID] = p
			if s.lru != nil {
				s.lru.Set(p)
			}
		}
	}
	out := make([]*domain.Paste, 0, len(ids))
	for _, id := range ids {
		if p, ok := found[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// Update merges patch over the stored record. A failed validation leaves the
// record and both indexes untouched.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Paste, error) {
	return s.UpdateGuarded(ctx, id, patch, nil)
}

// UpdateGuarded is Update with guard checked against the current record in
// the same command, so nothing can change the record between check and write.
func (s *Store) UpdateGuarded(ctx context.Context, id string, patch domain.Patch, guard Guard) (*domain.Paste, error) {
	var out *domain.Paste
	var opErr error
	err := s.do(ctx, "update", func(ctx context.Context) {
		out, opErr = s.update(ctx, id, patch, guard)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

func (s *Store) update(ctx context.Context, id string, patch domain.Patch, guard Guard) (*domain.Paste, error) {
	cur, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard(cur); err != nil {
			return nil, err
		}
	}
	next := patch.Apply(cur)
	next.UpdatedAt = s.now().UTC()
	if next.UpdatedAt.Before(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	becamePublic := !cur.IsPublic() && next.IsPublic()
	if becamePublic {
		next.ListedAt = next.UpdatedAt
		next.ListedSeq = s.nextSeq()
	}
	if err := s.backend.Update(ctx, next); err != nil {
		if s.lru != nil {
			s.lru.Delete(id)
		}
		return nil, errors.Wrap(err, "update paste")
	}
	if s.lru != nil {
		s.lru.Set(next)
	}
	if cur.Owner != next.Owner {
		if cur.Owned() {
			s.owners.remove(cur.Owner, id)
		}
		if next.Owned() {
			s.owners.insert(next.Owner, id, next.Seq)
		}
	}
	switch {
	case becamePublic:
		s.public.PushFront(id)
	case cur.IsPublic() && !next.IsPublic():
		s.public.Remove(id)
	}
	metrics.PasteUpdated.Inc()
	return next.Clone(), nil
}

// Delete is a no-op for unknown ids.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.DeleteGuarded(ctx, id, nil)
}

// DeleteGuarded checks guard against the current record in the same command
// as the delete. Unlike Delete it reports ErrPasteNotFound for unknown ids
// when a guard is given.
func (s *Store) DeleteGuarded(ctx context.Context, id string, guard Guard) error {
	var opErr error
	err := s.do(ctx, "delete", func(ctx context.Context) {
		opErr = s.delete(ctx, id, guard)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *Store) delete(ctx context.Context, id string, guard Guard) error {
	cur, err := s.get(ctx, id)
	if errors.Is(err, domain.ErrPasteNotFound) && guard == nil {
		return nil
	}
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard(cur); err != nil {
			return err
		}
	}
	if _, err := s.backend.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if s.lru != nil {
		s.lru.Delete(id)
	}
	if cur.Owned() {
		s.owners.remove(cur.Owner, id)
	}
	s.public.Remove(id)
	metrics.PasteDeleted.Inc()
	return nil
}

// ListAll returns every stored record in no particular order.
func (s *Store) ListAll(ctx context.Context) ([]*domain.Paste, error) {
	var out []*domain.Paste
	var opErr error
	err := s.do(ctx, "list_all", func(ctx context.Context) {
		out, opErr = s.backend.ListAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// ListByOwner returns the owner's pastes, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*domain.Paste, error) {
	var out []*domain.Paste
	var opErr error
	err := s.do(ctx, "list_by_owner", func(ctx context.Context) {
		if owner == "" {
			out = []*domain.Paste{}
			return
		}
		out, opErr = s.getMany(ctx, s.owners.ids(owner))
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// ListPublic returns the public index, most recently listed first.
func (s *Store) ListPublic(ctx context.Context) ([]*domain.Paste, error) {
	var out []*domain.Paste
	var opErr error
	err := s.do(ctx, "list_public", func(ctx context.Context) {
		out, opErr = s.getMany(ctx, s.public.IDs())
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// RebuildIndexes discards both indexes and the record cache and recomputes
// them from the backend.
func (s *Store) RebuildIndexes(ctx context.Context) error {
	var opErr error
	err := s.do(ctx, "rebuild", func(ctx context.Context) {
		opErr = s.rebuild(ctx)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *Store) rebuild(ctx context.Context) error {
	rows, err := s.backend.OwnerRows(ctx)
	if err != nil {
		return err
	}
	public, err := s.backend.RecentPublicIDs(ctx, s.public.Cap())
	if err != nil {
		return err
	}
	seq, err := s.backend.MaxSeq(ctx)
	if err != nil {
		return err
	}
	s.seq = seq
	owners := make(ownerIndex)
	for _, r := range rows {
		owners[r.Owner] = append(owners[r.Owner], ownerEntry{id: r.ID, seq: r.Seq})
	}
	s.owners = owners
	s.public.Reset()
	for _, id := range public {
		s.public.PushBack(id)
	}
	if s.lru != nil {
		s.lru.Purge()
	}
	util.Info().
		Int("owners", len(owners)).
		Int("owned_pastes", len(rows)).
		Int("public", s.public.Len()).
		Msg("store indexes rebuilt")
	return nil
}
