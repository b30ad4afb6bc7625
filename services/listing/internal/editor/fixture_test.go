package editor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"autosouq/pkg/domain"
	"autosouq/pkg/queue"
	"autosouq/pkg/refcache"
	"autosouq/pkg/storage"
	"autosouq/pkg/store"
)

const testPublicBase = "https://cdn.test/listings"

type fixture struct {
	store   *store.MemoryStore
	objects *storage.MemoryObjectStore
	refs    References
	purge   *recordingPurger
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.SeedReferences(
		[]domain.Brand{{ID: "toyota", Name: "Toyota", NameAr: "تويوتا"}, {ID: "nissan", Name: "Nissan"}},
		[]domain.CarModel{
			{ID: "camry", BrandID: "toyota", Name: "Camry"},
			{ID: "corolla", BrandID: "toyota", Name: "Corolla"},
			{ID: "patrol", BrandID: "nissan", Name: "Patrol"},
		},
		[]domain.Category{{ID: "lights", Name: "Lights"}, {ID: "brakes", Name: "Brakes"}},
		[]domain.Country{
			{ID: "qa", Code: "QA", Name: "Qatar", Currency: "QAR"},
			{ID: "ae", Code: "AE", Name: "UAE", Currency: "AED"},
			{ID: "bh", Code: "BH", Name: "Bahrain", Currency: "BHD"},
		},
		[]domain.City{
			{ID: "doha", CountryID: "qa", Name: "Doha"},
			{ID: "alkhor", CountryID: "qa", Name: "Al Khor"},
			{ID: "dubai", CountryID: "ae", Name: "Dubai"},
			{ID: "abudhabi", CountryID: "ae", Name: "Abu Dhabi"},
			{ID: "manama", CountryID: "bh", Name: "Manama"},
		},
	)
	objects := storage.NewMemoryObjectStore(testPublicBase)
	for _, key := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		if err := objects.Put(context.Background(), key, bytes.NewReader([]byte(key)), int64(len(key)), "image/jpeg"); err != nil {
			t.Fatalf("seed object: %v", err)
		}
	}
	mem.SaveListing(domain.Listing{
		ID:         "l1",
		OwnerID:    "u1",
		Title:      "Headlight",
		Price:      250,
		Currency:   "QAR",
		Condition:  domain.ConditionUsed,
		PartType:   domain.PartOriginal,
		Status:     domain.ListingActive,
		BrandID:    "toyota",
		ModelID:    "camry",
		CategoryID: "lights",
		CountryID:  "qa",
		CityID:     "doha",
		Images: []domain.Image{
			{ID: "img-a", URL: testPublicBase + "/a.jpg", StoragePath: "a.jpg", Position: 0},
			{ID: "img-b", URL: testPublicBase + "/b.jpg", StoragePath: "b.jpg", Position: 1, IsPrimary: true},
			{ID: "img-c", URL: testPublicBase + "/c.jpg", Position: 2},
		},
	})
	mem.SaveListing(domain.Listing{
		ID:        "l2",
		OwnerID:   "u1",
		Title:     "Brake pads",
		Currency:  "AED",
		Condition: domain.ConditionNew,
		PartType:  domain.PartAftermarket,
	})

	refs, err := refcache.New(refcache.Config{Source: mem})
	if err != nil {
		t.Fatalf("new refs: %v", err)
	}
	f := &fixture{store: mem, objects: objects, refs: refs, purge: &recordingPurger{}}
	f.orch = f.newOrchestrator(t, mem, mem)
	return f
}

func (f *fixture) newOrchestrator(t *testing.T, listings store.ListingStore, images store.ImageStore) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(OrchestratorConfig{
		Listings: listings,
		Images:   images,
		Objects:  f.objects,
		Purge:    f.purge,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func (f *fixture) listing(t *testing.T, id string) domain.Listing {
	t.Helper()
	l, ok, err := f.store.GetListing(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get listing %s: ok=%v err=%v", id, ok, err)
	}
	return l
}

func (f *fixture) open(t *testing.T, id string) *Session {
	t.Helper()
	return Open(context.Background(), Deps{References: f.refs, Orchestrator: f.orch}, f.listing(t, id), domain.User{ID: "u1", Role: domain.RoleUser}, "")
}

func jpeg(name string) Upload {
	return Upload{Filename: name, ContentType: "image/jpeg", Data: []byte("jpeg:" + name)}
}

type recordingPurger struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPurger) Enqueue(_ context.Context, key, reason string) (queue.PurgeJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return queue.PurgeJob{ObjectKey: key, Reason: reason}, nil
}

func (p *recordingPurger) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// flakyRefs fails the lists named in fail.
type flakyRefs struct {
	References
	fail map[string]bool
}

var errRefsDown = errors.New("reference service unavailable")

func (r flakyRefs) Brands(ctx context.Context) ([]domain.Brand, error) {
	if r.fail["brands"] {
		return nil, errRefsDown
	}
	return r.References.Brands(ctx)
}

func (r flakyRefs) Cities(ctx context.Context, countryID string) ([]domain.City, error) {
	if r.fail["cities"] {
		return nil, errRefsDown
	}
	return r.References.Cities(ctx, countryID)
}

func (r flakyRefs) Models(ctx context.Context, brandID string) ([]domain.CarModel, error) {
	if r.fail["models"] {
		return nil, errRefsDown
	}
	return r.References.Models(ctx, brandID)
}

// failingListings rejects scalar updates.
type failingListings struct {
	*store.MemoryStore
}

func (failingListings) UpdateListingFields(context.Context, string, domain.ListingFields) error {
	return errors.New("connection reset")
}

// failingImages rejects inserts and primary writes.
type failingImages struct {
	*store.MemoryStore
	failInsert     bool
	failSetPrimary bool
}

func (f failingImages) InsertImage(ctx context.Context, img domain.Image) (domain.Image, error) {
	if f.failInsert {
		return domain.Image{}, errors.New("insert rejected")
	}
	return f.MemoryStore.InsertImage(ctx, img)
}

func (f failingImages) SetPrimaryImage(ctx context.Context, listingID, imageID string) error {
	if f.failSetPrimary {
		return errors.New("set primary rejected")
	}
	return f.MemoryStore.SetPrimaryImage(ctx, listingID, imageID)
}

// nthInsertFails rejects exactly one insert, the failOn-th call.
type nthInsertFails struct {
	*store.MemoryStore
	failOn int
	calls  *atomic.Int32
}

func (f nthInsertFails) InsertImage(ctx context.Context, img domain.Image) (domain.Image, error) {
	if int(f.calls.Add(1)) == f.failOn {
		return domain.Image{}, errors.New("insert rejected")
	}
	return f.MemoryStore.InsertImage(ctx, img)
}

func primaryCount(views []ImageView) int {
	n := 0
	for _, v := range views {
		if v.IsPrimary {
			n++
		}
	}
	return n
}
