package editor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"autosouq/pkg/domain"
	"autosouq/pkg/store"
)

func TestScenarioRemovePrimaryPromotesNextImage(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l1")

	snap := s.Snapshot()
	if snap.Images[0].ID != "img-b" || !snap.Images[0].IsPrimary {
		t.Fatalf("expected img-b primary first, got %+v", snap.Images)
	}
	snap, err := s.RemoveImage("img-b")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if snap.Images[0].ID != "img-a" || !snap.Images[0].IsPrimary || primaryCount(snap.Images) != 1 {
		t.Fatalf("expected img-a promoted, got %+v", snap.Images)
	}
}

func TestScenarioCountryChangeRepopulatesCities(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l1")
	snap, err := s.ApplyPatch(context.Background(), Patch{CountryID: ptr("ae")})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if snap.Fields.CityID != "" {
		t.Fatalf("city should reset, got %q", snap.Fields.CityID)
	}
	for _, c := range snap.Options.Cities {
		if c.CountryID != "ae" {
			t.Fatalf("non-UAE city %s in options", c.ID)
		}
	}
}

func TestScenarioAddImagesToEmptyListingAndSubmit(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l2")
	snap, err := s.AddImages(jpeg("front.jpg"), jpeg("back.jpg"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !snap.Images[0].IsPrimary || snap.Images[1].IsPrimary {
		t.Fatalf("first added image should be primary: %+v", snap.Images)
	}

	res, err := s.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	imgs := res.Listing.Images
	if len(imgs) != 2 {
		t.Fatalf("expected 2 persisted images, got %+v", imgs)
	}
	if !imgs[0].IsPrimary || imgs[1].IsPrimary {
		t.Fatalf("expected only the first image primary: %+v", imgs)
	}
	if !strings.HasSuffix(imgs[0].URL, ".jpg") || !strings.HasPrefix(imgs[0].URL, testPublicBase+"/") {
		t.Fatalf("unexpected url %s", imgs[0].URL)
	}
	key := strings.TrimPrefix(imgs[0].URL, testPublicBase+"/")
	if data, _, ok := f.objects.Get(key); !ok || string(data) != "jpeg:front.jpg" {
		t.Fatalf("primary blob should hold front.jpg, got %q ok=%v", data, ok)
	}
	if imgs[0].StoragePath != key {
		t.Fatalf("storage path = %q, want %q", imgs[0].StoragePath, key)
	}
	if len(res.Changes.AddedImages) != 2 || res.Changes.PrimaryImage != imgs[0].URL {
		t.Fatalf("unexpected changes: %+v", res.Changes)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestScenarioScalarFailureSkipsUploadsAndKeepsEdits(t *testing.T) {
	f := newFixture(t)
	orch := f.newOrchestrator(t, failingListings{f.store}, f.store)
	s := Open(context.Background(), Deps{References: f.refs, Orchestrator: orch}, f.listing(t, "l1"), domain.User{ID: "u1"}, "")
	before := f.objects.Len()

	if _, err := s.ApplyPatch(context.Background(), Patch{Title: ptr("Xenon headlight")}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if _, err := s.AddImages(jpeg("new.jpg")); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := s.Submit(context.Background())
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) || submitErr.Step != StepUpdateFields {
		t.Fatalf("expected update_fields failure, got %v", err)
	}
	if f.objects.Len() != before {
		t.Fatalf("no uploads expected, objects %d -> %d", before, f.objects.Len())
	}
	snap := s.Snapshot()
	if snap.State != StateEditing || snap.Fields.Title != "Xenon headlight" || len(snap.Images) != 4 {
		t.Fatalf("edits should be preserved: %+v", snap)
	}
	if len(snap.Notices) != 1 || snap.Notices[0].Message != SubmitFailedMessage {
		t.Fatalf("unexpected notices: %+v", snap.Notices)
	}
	if imgs, _ := f.store.ListImages(context.Background(), "l1"); len(imgs) != 3 {
		t.Fatalf("no image rows expected, got %d", len(imgs))
	}
}

func TestScenarioRefetchReturnsPrimaryFirst(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l1")
	if _, err := s.SetPrimary(context.Background(), 2); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if _, err := s.AddImages(jpeg("extra.jpg")); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := s.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	imgs := res.Listing.Images
	if len(imgs) != 4 || imgs[0].ID != "img-c" || !imgs[0].IsPrimary {
		t.Fatalf("expected img-c primary first, got %+v", imgs)
	}
	for i, img := range imgs {
		if i > 0 && img.IsPrimary {
			t.Fatalf("second primary at %d: %+v", i, imgs)
		}
		if img.Position != i {
			t.Fatalf("position of %s = %d, want %d", img.ID, img.Position, i)
		}
	}
	if res.Listing.Brand == nil || res.Listing.Brand.ID != "toyota" {
		t.Fatalf("expected relations on refetched listing: %+v", res.Listing.Brand)
	}
}

func TestSubmitDeletesRemovedBlobsAndRows(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l1")
	if _, err := s.RemoveImage("img-a"); err != nil {
		t.Fatalf("remove a: %v", err)
	}
	// img-c has no storage path; its key comes from the URL
	if _, err := s.RemoveImage(testPublicBase + "/c.jpg"); err != nil {
		t.Fatalf("remove c: %v", err)
	}
	res, err := s.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Listing.Images) != 1 || res.Listing.Images[0].ID != "img-b" {
		t.Fatalf("unexpected images: %+v", res.Listing.Images)
	}
	for _, key := range []string{"a.jpg", "c.jpg"} {
		if _, _, ok := f.objects.Get(key); ok {
			t.Fatalf("blob %s should be deleted", key)
		}
	}
	if _, _, ok := f.objects.Get("b.jpg"); !ok {
		t.Fatalf("kept blob deleted")
	}
	if len(res.Changes.RemovedImages) != 2 {
		t.Fatalf("unexpected changes: %+v", res.Changes)
	}
}

func TestInsertFailureQueuesOrphanedBlob(t *testing.T) {
	f := newFixture(t)
	orch := f.newOrchestrator(t, f.store, failingImages{MemoryStore: f.store, failInsert: true})
	s := Open(context.Background(), Deps{References: f.refs, Orchestrator: orch}, f.listing(t, "l2"), domain.User{ID: "u1"}, "")
	if _, err := s.AddImages(jpeg("only.jpg")); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := s.Submit(context.Background())
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) || submitErr.Step != StepUploadImages {
		t.Fatalf("expected upload step failure, got %v", err)
	}
	keys := f.purge.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one orphan queued, got %v", keys)
	}
	if _, _, ok := f.objects.Get(keys[0]); !ok {
		t.Fatalf("queued key %s should name the uploaded blob", keys[0])
	}
}

func TestRetryAfterPartialUploadDoesNotDuplicateImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	images := nthInsertFails{MemoryStore: f.store, failOn: 2, calls: &atomic.Int32{}}
	orch, err := NewOrchestrator(OrchestratorConfig{
		Listings:          f.store,
		Images:            images,
		Objects:           f.objects,
		Purge:             f.purge,
		UploadConcurrency: 1,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	s := Open(ctx, Deps{References: f.refs, Orchestrator: orch, Limits: ImageLimits{MaxImages: 2}}, f.listing(t, "l2"), domain.User{ID: "u1"}, "")
	if _, err := s.AddImages(jpeg("x.jpg"), jpeg("y.jpg")); err != nil {
		t.Fatalf("add: %v", err)
	}

	_, err = s.Submit(ctx)
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) || submitErr.Step != StepUploadImages {
		t.Fatalf("expected upload step failure, got %v", err)
	}
	if len(submitErr.Inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(submitErr.Inserted))
	}
	snap := s.Snapshot()
	if len(snap.Images) != 2 {
		t.Fatalf("images after failure = %d, want 2", len(snap.Images))
	}
	persisted := 0
	for _, img := range snap.Images {
		if !img.IsNew {
			persisted++
		}
	}
	if persisted != 1 {
		t.Fatalf("persisted entries = %d, want 1: %+v", persisted, snap.Images)
	}
	// The limit still counts the persisted entry.
	if _, err := s.AddImages(jpeg("z.jpg")); !errors.Is(err, ErrImageLimit) {
		t.Fatalf("expected ErrImageLimit, got %v", err)
	}

	res, err := s.Submit(ctx)
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	rows, _ := f.store.ListImages(ctx, "l2")
	if len(rows) != 2 || len(res.Listing.Images) != 2 {
		t.Fatalf("rows = %d listing images = %d, want 2", len(rows), len(res.Listing.Images))
	}
	if rows[0].URL == rows[1].URL {
		t.Fatalf("duplicate image rows: %+v", rows)
	}
	primaries := 0
	for _, img := range rows {
		if img.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		t.Fatalf("primaries = %d, want 1", primaries)
	}
	if keys := f.purge.Keys(); len(keys) != 1 {
		t.Fatalf("expected only the rejected upload queued, got %v", keys)
	}
}

func TestRemoteSetPrimaryFailureKeepsLocalChange(t *testing.T) {
	f := newFixture(t)
	orch := f.newOrchestrator(t, f.store, failingImages{MemoryStore: f.store, failSetPrimary: true})
	s := Open(context.Background(), Deps{References: f.refs, Orchestrator: orch}, f.listing(t, "l1"), domain.User{ID: "u1"}, "")

	snap, err := s.SetPrimary(context.Background(), 1)
	if err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if snap.Images[0].ID != "img-a" || !snap.Images[0].IsPrimary {
		t.Fatalf("local change lost: %+v", snap.Images)
	}
	if len(snap.Notices) != 1 || snap.Notices[0].Level != NoticeError {
		t.Fatalf("expected failure notice, got %+v", snap.Notices)
	}
	if again := s.Snapshot(); len(again.Notices) != 0 {
		t.Fatalf("notices should drain, got %+v", again.Notices)
	}
}

func TestRemoteSetPrimaryWritesThrough(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l1")
	if _, err := s.SetPrimary(context.Background(), 2); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	imgs, _ := f.store.ListImages(context.Background(), "l1")
	if imgs[0].ID != "img-c" || !imgs[0].IsPrimary || imgs[1].IsPrimary {
		t.Fatalf("remote primary not updated: %+v", imgs)
	}
	d := s.images.Diff()
	for _, e := range d.Existing {
		if e.PrimaryChanged() {
			t.Fatalf("committed primary should not be rewritten: %+v", e)
		}
	}
}

func TestSessionStateGuards(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l1")

	s.mu.Lock()
	s.state = StateSubmitting
	s.mu.Unlock()
	if _, err := s.AddImages(jpeg("x.jpg")); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy while submitting, got %v", err)
	}
	if _, err := s.Submit(context.Background()); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected concurrent submit to be rejected, got %v", err)
	}

	s.Close()
	if _, err := s.ApplyPatch(context.Background(), Patch{Title: ptr("x")}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.Preview("anything"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed for preview, got %v", err)
	}
}

func TestCloseIfIdleSkipsSubmittingSession(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l1")
	cutoff := time.Now().Add(time.Minute)

	s.mu.Lock()
	s.state = StateSubmitting
	s.mu.Unlock()
	if s.CloseIfIdle(cutoff) {
		t.Fatalf("session closed while submitting")
	}
	if s.State() != StateSubmitting {
		t.Fatalf("state = %s, want submitting", s.State())
	}

	s.mu.Lock()
	s.state = StateEditing
	s.mu.Unlock()
	if s.CloseIfIdle(time.Now().Add(-time.Hour)) {
		t.Fatalf("recently used session closed")
	}
	if !s.CloseIfIdle(cutoff) {
		t.Fatalf("expected idle session to close")
	}
	if _, err := s.Submit(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after eviction, got %v", err)
	}
}

func TestSubmitRejectsInvalidForm(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "l1")
	if _, err := s.ApplyPatch(context.Background(), Patch{Title: ptr(""), TitleAr: ptr("")}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if _, err := s.Submit(context.Background()); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
	if s.State() != StateEditing {
		t.Fatalf("state = %s, want editing", s.State())
	}
}

func TestRepairPrimaryFixesZeroAndMany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	changed, err := RepairPrimary(ctx, f.store, "l1")
	if err != nil || changed {
		t.Fatalf("healthy listing: changed=%v err=%v", changed, err)
	}

	no := false
	_ = f.store.UpdateImage(ctx, "img-b", store.ImageUpdate{IsPrimary: &no})
	changed, err = RepairPrimary(ctx, f.store, "l1")
	if err != nil || !changed {
		t.Fatalf("expected repair: changed=%v err=%v", changed, err)
	}
	imgs, _ := f.store.ListImages(ctx, "l1")
	if imgs[0].ID != "img-a" || !imgs[0].IsPrimary {
		t.Fatalf("expected first image by position promoted, got %+v", imgs)
	}

	if changed, err := RepairPrimary(ctx, f.store, "l2"); err != nil || changed {
		t.Fatalf("listing without images: changed=%v err=%v", changed, err)
	}
}
