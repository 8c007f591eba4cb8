package store

import (
	"context"
	"fmt"
	"math/rand"
	"pastel/pkg/domain"
	"pastel/svc/cache"
	"pastel/svc/db"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var memSeq int64

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newBackend(t *testing.T) *db.SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:storetest%d?mode=memory&cache=shared", atomic.AddInt64(&memSeq, 1))
	b, err := db.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestStore(t *testing.T, backend Backend, opts Options) *Store {
	t.Helper()
	if opts.Now == nil {
		c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts.Now = c.Now
	}
	if opts.Cache == nil {
		lru, err := cache.NewLRU(64)
		if err != nil {
			t.Fatalf("NewLRU failed: %v", err)
		}
		opts.Cache = lru
	}
	s, err := New(context.Background(), backend, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, f domain.Fields) *domain.Paste {
	t.Helper()
	p, err := s.Create(context.Background(), f)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return p
}

func idsOf(ps []*domain.Paste) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func visPtr(v domain.Visibility) *domain.Visibility { return &v }
func strPtr(s string) *string                       { return &s }

func TestStore_CreateDefaults(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	p := mustCreate(t, s, domain.Fields{Content: "hello"})
	if p.ID == "" {
		t.Fatal("Create returned empty id")
	}
	if p.Title != domain.DefaultTitle || p.Visibility != domain.Public {
		t.Errorf("defaults not applied: %+v", p)
	}
	if !p.CreatedAt.Equal(p.UpdatedAt) {
		t.Errorf("created_at %v != updated_at %v", p.CreatedAt, p.UpdatedAt)
	}

	_, err := s.Create(context.Background(), domain.Fields{Content: ""})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty content: expected ErrValidation, got %v", err)
	}
	_, err = s.Create(context.Background(), domain.Fields{Content: "x", Visibility: "unlisted"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad visibility: expected ErrValidation, got %v", err)
	}
	all, _ := s.ListAll(context.Background())
	if len(all) != 1 {
		t.Errorf("failed creates persisted records: %d", len(all))
	}
}

func TestStore_Uniqueness(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		p := mustCreate(t, s, domain.Fields{Content: fmt.Sprintf("paste %d", i)})
		if seen[p.ID] {
			t.Fatalf("duplicate id %s", p.ID)
		}
		seen[p.ID] = true
	}
}

func TestStore_IDCollisionRetry(t *testing.T) {
	seq := []string{"same", "same", "other"}
	var n int
	s := newTestStore(t, newBackend(t), Options{NewID: func() string {
		id := seq[n%len(seq)]
		n++
		return id
	}})
	a := mustCreate(t, s, domain.Fields{Content: "a"})
	b := mustCreate(t, s, domain.Fields{Content: "b"})
	if a.ID != "same" || b.ID != "other" {
		t.Errorf("ids mismatch: got %s, %s", a.ID, b.ID)
	}
}

func TestStore_GetAndGetMany(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	ctx := context.Background()
	a := mustCreate(t, s, domain.Fields{Content: "a"})
	b := mustCreate(t, s, domain.Fields{Content: "b"})

	got, err := s.Get(ctx, a.ID)
	if err != nil || got.Content != "a" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	got.Content = "mutated by caller"
	again, _ := s.Get(ctx, a.ID)
	if again.Content != "a" {
		t.Errorf("caller mutation leaked into store: %q", again.Content)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("expected ErrPasteNotFound, got %v", err)
	}

	many, err := s.GetMany(ctx, []string{b.ID, "missing", a.ID})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if fmt.Sprint(idsOf(many)) != fmt.Sprint([]string{b.ID, a.ID}) {
		t.Errorf("GetMany order mismatch: %v", idsOf(many))
	}
	empty, err := s.GetMany(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("GetMany(nil) = %v, %v", empty, err)
	}
}

func TestStore_PublicCap(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	var last *domain.Paste
	for i := 0; i < 150; i++ {
		last = mustCreate(t, s, domain.Fields{Content: fmt.Sprintf("p%d", i)})
	}
	public, err := s.ListPublic(context.Background())
	if err != nil {
		t.Fatalf("ListPublic failed: %v", err)
	}
	if len(public) != DefaultPublicCap {
		t.Fatalf("ListPublic length: got %d, want %d", len(public), DefaultPublicCap)
	}
	if public[0].ID != last.ID {
		t.Errorf("newest paste not at front: got %s, want %s", public[0].ID, last.ID)
	}
	all, _ := s.ListAll(context.Background())
	if len(all) != 150 {
		t.Errorf("eviction deleted records: ListAll has %d", len(all))
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	ctx := context.Background()
	p := mustCreate(t, s, domain.Fields{Owner: "alice@example.com", Content: "x"})
	if err := s.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, p.ID); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete of unknown id failed: %v", err)
	}
	mine, _ := s.ListByOwner(ctx, "alice@example.com")
	public, _ := s.ListPublic(ctx)
	if len(mine) != 0 || len(public) != 0 {
		t.Errorf("indexes still reference deleted paste: owner=%v public=%v", idsOf(mine), idsOf(public))
	}
}

func TestStore_UpdateRevalidates(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	ctx := context.Background()
	p := mustCreate(t, s, domain.Fields{Title: "t", Content: "keep me"})

	_, err := s.Update(ctx, p.ID, domain.Patch{Content: strPtr("")})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got, _ := s.Get(ctx, p.ID)
	if got.Content != "keep me" || !got.UpdatedAt.Equal(p.UpdatedAt) {
		t.Errorf("failed update changed the record: %+v", got)
	}

	if _, err := s.Update(ctx, "missing", domain.Patch{Title: strPtr("x")}); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("expected ErrPasteNotFound, got %v", err)
	}

	up, err := s.Update(ctx, p.ID, domain.Patch{Title: strPtr("")})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if up.Title != domain.DefaultTitle {
		t.Errorf("blank title not defaulted: %q", up.Title)
	}
	if !up.UpdatedAt.After(p.UpdatedAt) || !up.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("timestamps wrong: created %v updated %v", up.CreatedAt, up.UpdatedAt)
	}
}

func TestStore_VisibilityMigration(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	ctx := context.Background()
	other := mustCreate(t, s, domain.Fields{Content: "older public"})
	p := mustCreate(t, s, domain.Fields{Owner: "alice@example.com", Content: "x", Visibility: domain.Private})

	public, _ := s.ListPublic(ctx)
	if fmt.Sprint(idsOf(public)) != fmt.Sprint([]string{other.ID}) {
		t.Fatalf("private paste listed: %v", idsOf(public))
	}

	if _, err := s.Update(ctx, p.ID, domain.Patch{Visibility: visPtr(domain.Public)}); err != nil {
		t.Fatalf("Update to public failed: %v", err)
	}
	public, _ = s.ListPublic(ctx)
	if len(public) != 2 || public[0].ID != p.ID {
		t.Fatalf("paste not at front after going public: %v", idsOf(public))
	}

	if _, err := s.Update(ctx, p.ID, domain.Patch{Visibility: visPtr(domain.Public)}); err != nil {
		t.Fatalf("no-op visibility update failed: %v", err)
	}
	public, _ = s.ListPublic(ctx)
	if len(public) != 2 {
		t.Fatalf("unchanged visibility duplicated entry: %v", idsOf(public))
	}

	if _, err := s.Update(ctx, p.ID, domain.Patch{Visibility: visPtr(domain.Private)}); err != nil {
		t.Fatalf("Update to private failed: %v", err)
	}
	public, _ = s.ListPublic(ctx)
	if fmt.Sprint(idsOf(public)) != fmt.Sprint([]string{other.ID}) {
		t.Errorf("private paste still listed: %v", idsOf(public))
	}
}

func TestStore_OwnerReassignment(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	ctx := context.Background()
	a1 := mustCreate(t, s, domain.Fields{Owner: "alice@example.com", Content: "a1"})
	b1 := mustCreate(t, s, domain.Fields{Owner: "bob@example.com", Content: "b1"})
	a2 := mustCreate(t, s, domain.Fields{Owner: "alice@example.com", Content: "a2"})

	if _, err := s.Update(ctx, a1.ID, domain.Patch{Owner: strPtr("bob@example.com")}); err != nil {
		t.Fatalf("Update owner failed: %v", err)
	}
	alice, _ := s.ListByOwner(ctx, "alice@example.com")
	bob, _ := s.ListByOwner(ctx, "bob@example.com")
	if fmt.Sprint(idsOf(alice)) != fmt.Sprint([]string{a2.ID}) {
		t.Errorf("alice list mismatch: %v", idsOf(alice))
	}
	if fmt.Sprint(idsOf(bob)) != fmt.Sprint([]string{b1.ID, a1.ID}) {
		t.Errorf("bob list should be ordered by creation: %v", idsOf(bob))
	}

	if _, err := s.Update(ctx, a2.ID, domain.Patch{Owner: strPtr("")}); err != nil {
		t.Fatalf("clear owner failed: %v", err)
	}
	alice, _ = s.ListByOwner(ctx, "alice@example.com")
	if len(alice) != 0 {
		t.Errorf("cleared paste still in owner list: %v", idsOf(alice))
	}
}

func TestStore_EndToEnd(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	ctx := context.Background()
	a := mustCreate(t, s, domain.Fields{Content: "x", Visibility: domain.Public})
	b := mustCreate(t, s, domain.Fields{Owner: "carol", Content: "y", Visibility: domain.Private})

	public, _ := s.ListPublic(ctx)
	if fmt.Sprint(idsOf(public)) != fmt.Sprint([]string{a.ID}) {
		t.Errorf("ListPublic mismatch: %v", idsOf(public))
	}
	carol, _ := s.ListByOwner(ctx, "carol")
	if fmt.Sprint(idsOf(carol)) != fmt.Sprint([]string{b.ID}) {
		t.Errorf("ListByOwner mismatch: %v", idsOf(carol))
	}
	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	public, _ = s.ListPublic(ctx)
	if len(public) != 0 {
		t.Errorf("ListPublic after delete: %v", idsOf(public))
	}
	unknown, err := s.ListByOwner(ctx, "nobody@example.com")
	if err != nil || len(unknown) != 0 {
		t.Errorf("ListByOwner(unknown) = %v, %v", idsOf(unknown), err)
	}
}

func TestStore_IndexRecordAgreement(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{PublicCap: 10})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	owners := []string{"", "alice@example.com", "bob@example.com", "carol@example.com"}
	vis := []domain.Visibility{domain.Public, domain.Private}
	var live []string

	for i := 0; i < 400; i++ {
		switch op := rng.Intn(4); {
		case op <= 1 || len(live) == 0:
			p := mustCreate(t, s, domain.Fields{
				Owner:      owners[rng.Intn(len(owners))],
				Content:    fmt.Sprintf("c%d", i),
				Visibility: vis[rng.Intn(2)],
			})
			live = append(live, p.ID)
		case op == 2:
			id := live[rng.Intn(len(live))]
			patch := domain.Patch{Visibility: visPtr(vis[rng.Intn(2)])}
			if rng.Intn(3) == 0 {
				patch.Owner = strPtr(owners[rng.Intn(len(owners))])
			}
			if _, err := s.Update(ctx, id, patch); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
		default:
			k := rng.Intn(len(live))
			if err := s.Delete(ctx, live[k]); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			live = append(live[:k], live[k+1:]...)
		}
	}
	assertIndexesAgree(t, s, owners[1:], 10)
}

func assertIndexesAgree(t *testing.T, s *Store, owners []string, publicCap int) {
	t.Helper()
	ctx := context.Background()
	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	ownedCount := make(map[string]int)
	for _, p := range all {
		ownedCount[p.Owner]++
	}
	for _, owner := range owners {
		list, err := s.ListByOwner(ctx, owner)
		if err != nil {
			t.Fatalf("ListByOwner failed: %v", err)
		}
		if len(list) != ownedCount[owner] {
			t.Errorf("owner %s: index has %d, records have %d", owner, len(list), ownedCount[owner])
		}
		for i, p := range list {
			got, err := s.Get(ctx, p.ID)
			if err != nil {
				t.Errorf("owner index for %s holds unresolvable id %s: %v", owner, p.ID, err)
				continue
			}
			if got.Owner != owner {
				t.Errorf("owner index for %s holds %s owned by %q", owner, p.ID, got.Owner)
			}
			if i > 0 && p.CreatedAt.After(list[i-1].CreatedAt) {
				t.Errorf("owner %s list not newest first at %d", owner, i)
			}
		}
	}
	public, err := s.ListPublic(ctx)
	if err != nil {
		t.Fatalf("ListPublic failed: %v", err)
	}
	if len(public) > publicCap {
		t.Errorf("public index exceeds cap: %d", len(public))
	}
	seen := make(map[string]bool)
	for _, p := range public {
		if seen[p.ID] {
			t.Errorf("public index holds %s twice", p.ID)
		}
		seen[p.ID] = true
		if !p.IsPublic() {
			t.Errorf("public index holds private paste %s", p.ID)
		}
	}
}

func TestStore_RebuildMatchesLiveIndexes(t *testing.T) {
	backend := newBackend(t)
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, backend, Options{Now: c.Now, PublicCap: 3})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		mustCreate(t, s, domain.Fields{Owner: "alice@example.com", Content: fmt.Sprintf("a%d", i)})
	}
	priv := mustCreate(t, s, domain.Fields{Content: "late", Visibility: domain.Private})
	if _, err := s.Update(ctx, priv.ID, domain.Patch{Visibility: visPtr(domain.Public)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	wantPublic, _ := s.ListPublic(ctx)
	wantOwner, _ := s.ListByOwner(ctx, "alice@example.com")

	if err := s.RebuildIndexes(ctx); err != nil {
		t.Fatalf("RebuildIndexes failed: %v", err)
	}
	gotPublic, _ := s.ListPublic(ctx)
	gotOwner, _ := s.ListByOwner(ctx, "alice@example.com")
	if fmt.Sprint(idsOf(gotPublic)) != fmt.Sprint(idsOf(wantPublic)) {
		t.Errorf("public after rebuild: got %v, want %v", idsOf(gotPublic), idsOf(wantPublic))
	}
	if fmt.Sprint(idsOf(gotOwner)) != fmt.Sprint(idsOf(wantOwner)) {
		t.Errorf("owner after rebuild: got %v, want %v", idsOf(gotOwner), idsOf(wantOwner))
	}
	if gotPublic[0].ID != priv.ID {
		t.Errorf("paste made public last should lead: got %s", gotPublic[0].ID)
	}

	reopened := newTestStore(t, backend, Options{Now: c.Now, PublicCap: 3})
	again, _ := reopened.ListPublic(ctx)
	if fmt.Sprint(idsOf(again)) != fmt.Sprint(idsOf(wantPublic)) {
		t.Errorf("public after reopen: got %v, want %v", idsOf(again), idsOf(wantPublic))
	}
}

func TestStore_ConcurrentCreates(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				p, err := s.Create(context.Background(), domain.Fields{
					Owner:   fmt.Sprintf("user%d@example.com", g%4),
					Content: fmt.Sprintf("%d-%d", g, i),
				})
				if err != nil {
					t.Errorf("Create failed: %v", err)
					return
				}
				mu.Lock()
				seen[p.ID] = true
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	if len(seen) != 160 {
		t.Errorf("unique ids: got %d, want 160", len(seen))
	}
	assertIndexesAgree(t, s, []string{"user0@example.com", "user1@example.com", "user2@example.com", "user3@example.com"}, DefaultPublicCap)
}

func TestStore_AdmissionHonorsContext(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	go s.do(context.Background(), "block", func(context.Context) {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Get(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	close(release)
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Create(context.Background(), domain.Fields{Content: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStore_PanicReturnsError(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	err := s.do(context.Background(), "boom", func(context.Context) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected an error from a panicking command")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error should name the op: %v", err)
	}
	mustCreate(t, s, domain.Fields{Content: "still serving"})
}

func TestStore_GuardedWrites(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	ctx := context.Background()
	p := mustCreate(t, s, domain.Fields{Owner: "alice@example.com", Content: "a"})
	denied := errors.New("denied")
	ownedBy := func(owner string) Guard {
		return func(cur *domain.Paste) error {
			if cur.Owner != owner {
				return denied
			}
			return nil
		}
	}

	if _, err := s.UpdateGuarded(ctx, p.ID, domain.Patch{Content: strPtr("b")}, ownedBy("bob@example.com")); !errors.Is(err, denied) {
		t.Fatalf("UpdateGuarded: got %v, want denied", err)
	}
	got, _ := s.Get(ctx, p.ID)
	if got.Content != "a" {
		t.Errorf("rejected update was applied: got %q", got.Content)
	}

	if _, err := s.UpdateGuarded(ctx, p.ID, domain.Patch{Owner: strPtr("bob@example.com")}, ownedBy("alice@example.com")); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if err := s.DeleteGuarded(ctx, p.ID, ownedBy("alice@example.com")); !errors.Is(err, denied) {
		t.Errorf("DeleteGuarded after transfer: got %v, want denied", err)
	}
	if err := s.DeleteGuarded(ctx, "missing", ownedBy("alice@example.com")); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("DeleteGuarded(missing): got %v, want ErrPasteNotFound", err)
	}
	if err := s.DeleteGuarded(ctx, p.ID, ownedBy("bob@example.com")); err != nil {
		t.Errorf("DeleteGuarded by new owner failed: %v", err)
	}
}

func TestStore_GuardRunsWithWrite(t *testing.T) {
	s := newTestStore(t, newBackend(t), Options{})
	ctx := context.Background()
	p := mustCreate(t, s, domain.Fields{Owner: "alice@example.com", Content: "a"})

	transferred := make(chan error, 1)
	guard := func(cur *domain.Paste) error {
		go func() {
			_, err := s.Update(ctx, p.ID, domain.Patch{Owner: strPtr("bob@example.com")})
			transferred <- err
		}()
		time.Sleep(20 * time.Millisecond)
		if cur.Owner != "alice@example.com" {
			return domain.ErrForbidden
		}
		return nil
	}
	updated, err := s.UpdateGuarded(ctx, p.ID, domain.Patch{Content: strPtr("b")}, guard)
	if err != nil {
		t.Fatalf("UpdateGuarded failed: %v", err)
	}
	if updated.Owner != "alice@example.com" {
		t.Errorf("guarded write saw a later transfer: owner %q", updated.Owner)
	}
	if err := <-transferred; err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	got, _ := s.Get(ctx, p.ID)
	if got.Owner != "bob@example.com" || got.Content != "b" {
		t.Errorf("final record mismatch: owner %q content %q", got.Owner, got.Content)
	}
}

func TestStore_RebuildKeepsSameInstantOrder(t *testing.T) {
	backend := newBackend(t)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return fixed }
	s := newTestStore(t, backend, Options{Now: now})
	ctx := context.Background()

	var created []*domain.Paste
	for _, id := range []string{"m", "c", "x", "a"} {
		created = append(created, mustCreate(t, s, domain.Fields{Owner: "alice@example.com", Content: id}))
	}
	moved := mustCreate(t, s, domain.Fields{Owner: "bob@example.com", Content: "moved"})
	if _, err := s.Update(ctx, moved.ID, domain.Patch{Owner: strPtr("alice@example.com")}); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if _, err := s.Update(ctx, created[0].ID, domain.Patch{Visibility: visPtr(domain.Private)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := s.Update(ctx, created[0].ID, domain.Patch{Visibility: visPtr(domain.Public)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	wantOwner, _ := s.ListByOwner(ctx, "alice@example.com")
	wantPublic, _ := s.ListPublic(ctx)
	if wantOwner[0].ID != moved.ID {
		t.Errorf("newest paste should lead: got %s, want %s", wantOwner[0].ID, moved.ID)
	}
	if wantPublic[0].ID != created[0].ID {
		t.Errorf("re-listed paste should lead: got %s, want %s", wantPublic[0].ID, created[0].ID)
	}

	reopened := newTestStore(t, backend, Options{Now: now})
	gotOwner, _ := reopened.ListByOwner(ctx, "alice@example.com")
	gotPublic, _ := reopened.ListPublic(ctx)
	if fmt.Sprint(idsOf(gotOwner)) != fmt.Sprint(idsOf(wantOwner)) {
		t.Errorf("owner after reopen: got %v, want %v", idsOf(gotOwner), idsOf(wantOwner))
	}
	if fmt.Sprint(idsOf(gotPublic)) != fmt.Sprint(idsOf(wantPublic)) {
		t.Errorf("public after reopen: got %v, want %v", idsOf(gotPublic), idsOf(wantPublic))
	}

	next := mustCreate(t, reopened, domain.Fields{Owner: "alice@example.com", Content: "after"})
	if next.Seq <= moved.Seq {
		t.Errorf("sequence went backwards after reopen: %d <= %d", next.Seq, moved.Seq)
	}
}
