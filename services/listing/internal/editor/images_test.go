package editor

import (
	"errors"
	"math/rand/v2"
	"testing"

	"autosouq/pkg/domain"
)

func seededImages() []domain.Image {
	return []domain.Image{
		{ID: "img-b", URL: testPublicBase + "/b.jpg", IsPrimary: true, Position: 1},
		{ID: "img-a", URL: testPublicBase + "/a.jpg", Position: 0},
		{ID: "img-c", URL: testPublicBase + "/c.jpg", Position: 2},
	}
}

func TestRemovingPrimaryPromotesFirstRemaining(t *testing.T) {
	set := NewImageSet(seededImages(), ImageLimits{})
	if _, err := set.Remove("img-b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	views := set.Images()
	if len(views) != 2 || views[0].ID != "img-a" || !views[0].IsPrimary || primaryCount(views) != 1 {
		t.Fatalf("expected img-a promoted, got %+v", views)
	}
}

func TestRemoveMatchesURLKeyOrID(t *testing.T) {
	set := NewImageSet(seededImages(), ImageLimits{})
	added, err := set.Add(jpeg("new.jpg"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, ref := range []string{testPublicBase + "/a.jpg", "img-c", added[0].URL} {
		if _, err := set.Remove(ref); err != nil {
			t.Fatalf("remove %s: %v", ref, err)
		}
	}
	if set.Len() != 1 {
		t.Fatalf("expected one image left, got %d", set.Len())
	}
	if _, err := set.Remove("missing"); !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}

func TestAddToEmptySetMakesFirstPrimary(t *testing.T) {
	set := NewImageSet(nil, ImageLimits{})
	added, err := set.Add(jpeg("one.jpg"), jpeg("two.png"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(added) != 2 || !added[0].IsPrimary || added[1].IsPrimary {
		t.Fatalf("unexpected added views: %+v", added)
	}
	if added[0].URL != BlobScheme+added[0].Key {
		t.Fatalf("expected blob preview url, got %s", added[0].URL)
	}
	views := set.Images()
	if !views[0].IsPrimary || primaryCount(views) != 1 {
		t.Fatalf("unexpected views: %+v", views)
	}

	// adding to a non-empty set keeps the primary
	if _, err := set.Add(jpeg("three.jpg")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if set.PrimaryKey() != added[0].Key {
		t.Fatalf("primary moved on add")
	}
}

func TestAddEnforcesLimits(t *testing.T) {
	set := NewImageSet(seededImages(), ImageLimits{MaxImages: 4, AllowedExtensions: []string{"jpg", ".PNG"}})
	if _, err := set.Add(jpeg("x.jpg"), jpeg("y.jpg")); !errors.Is(err, ErrImageLimit) {
		t.Fatalf("expected ErrImageLimit, got %v", err)
	}
	if _, err := set.Add(jpeg("x.gif")); !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
	if _, err := set.Add(Upload{Filename: "empty.jpg"}); !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected empty upload to be rejected, got %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("rejected adds must not change the set, len=%d", set.Len())
	}
	if _, err := set.Add(jpeg("x.png")); err != nil {
		t.Fatalf("png should be allowed: %v", err)
	}
}

func TestSetPrimaryMovesImageToFront(t *testing.T) {
	set := NewImageSet(seededImages(), ImageLimits{})
	view, err := set.SetPrimary(2)
	if err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if view.ID != "img-c" {
		t.Fatalf("unexpected view: %+v", view)
	}
	views := set.Images()
	got := []string{views[0].ID, views[1].ID, views[2].ID}
	want := []string{"img-c", "img-b", "img-a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if !views[0].IsPrimary || primaryCount(views) != 1 {
		t.Fatalf("unexpected primaries: %+v", views)
	}
	if _, err := set.SetPrimary(3); !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected out of range index to fail, got %v", err)
	}
}

func TestNewImageSetPromotesFirstWithoutPrimary(t *testing.T) {
	imgs := seededImages()
	for i := range imgs {
		imgs[i].IsPrimary = false
	}
	set := NewImageSet(imgs, ImageLimits{})
	if views := set.Images(); !views[0].IsPrimary || primaryCount(views) != 1 {
		t.Fatalf("unexpected views: %+v", views)
	}
	if set.EnsurePrimary() {
		t.Fatalf("EnsurePrimary should be a no-op once a primary exists")
	}
	if _, err := set.Remove(imgs[0].ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if primaryCount(set.Images()) != 1 {
		t.Fatalf("expected a primary after removal: %+v", set.Images())
	}

	// The promotion is persisted as a primary change on submit.
	d := set.Diff()
	changed := 0
	for _, e := range d.Existing {
		if e.PrimaryChanged() {
			changed++
		}
	}
	if changed != 1 {
		t.Fatalf("primary changes = %d, want 1", changed)
	}

	if empty := NewImageSet(nil, ImageLimits{}); empty.PrimaryKey() != "" {
		t.Fatalf("empty set should have no primary")
	}
}

func TestPrimaryInvariantUnderRandomEdits(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 42))
	for round := 0; round < 200; round++ {
		set := NewImageSet(seededImages(), ImageLimits{MaxImages: 8})
		for step := 0; step < 30; step++ {
			switch rng.IntN(3) {
			case 0:
				_, _ = set.Add(jpeg("p.jpg"))
			case 1:
				if set.Len() > 0 {
					views := set.Images()
					if _, err := set.Remove(views[rng.IntN(len(views))].Key); err != nil {
						t.Fatalf("remove: %v", err)
					}
				}
			case 2:
				if set.Len() > 0 {
					if _, err := set.SetPrimary(rng.IntN(set.Len())); err != nil {
						t.Fatalf("set primary: %v", err)
					}
				}
			}
			views := set.Images()
			if len(views) > 0 && primaryCount(views) != 1 {
				t.Fatalf("round %d step %d: %d primaries in %+v", round, step, primaryCount(views), views)
			}
			if len(views) == 0 && set.PrimaryKey() != "" {
				t.Fatalf("empty set still points at %s", set.PrimaryKey())
			}
		}
	}
}

func TestDiffPartitionsEveryImageOnce(t *testing.T) {
	set := NewImageSet(seededImages(), ImageLimits{})
	if _, err := set.Remove("img-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := set.Add(jpeg("d.jpg"), jpeg("e.jpg")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := set.SetPrimary(1); err != nil {
		t.Fatalf("set primary: %v", err)
	}

	d := set.Diff()
	if len(d.New) != 2 || len(d.Existing) != 2 || len(d.Removed) != 1 {
		t.Fatalf("unexpected partition: new=%d existing=%d removed=%d", len(d.New), len(d.Existing), len(d.Removed))
	}
	if d.Removed[0].ID != "img-a" {
		t.Fatalf("unexpected removed: %+v", d.Removed)
	}
	seen := map[string]int{}
	for _, n := range d.New {
		seen[n.Key]++
		if len(n.Upload.Data) == 0 {
			t.Fatalf("new image %s lost its upload", n.Key)
		}
	}
	for _, e := range d.Existing {
		seen[e.Original.ID]++
	}
	for _, r := range d.Removed {
		seen[r.ID]++
	}
	for key, n := range seen {
		if n != 1 {
			t.Fatalf("%s appears %d times", key, n)
		}
	}
	// img-c is now primary at the front, img-b lost the flag
	for _, e := range d.Existing {
		switch e.Original.ID {
		case "img-c":
			if !e.IsPrimary || !e.PrimaryChanged() || e.Position != 0 {
				t.Fatalf("unexpected img-c state: %+v", e)
			}
		case "img-b":
			if e.IsPrimary || !e.PrimaryChanged() {
				t.Fatalf("unexpected img-b state: %+v", e)
			}
		}
	}
}

func TestPreviewAndRelease(t *testing.T) {
	set := NewImageSet(nil, ImageLimits{})
	added, err := set.Add(jpeg("one.jpg"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	u, ok := set.Preview(added[0].Key)
	if !ok || string(u.Data) != "jpeg:one.jpg" {
		t.Fatalf("unexpected preview: %+v ok=%v", u, ok)
	}
	set.Release()
	if _, ok := set.Preview(added[0].Key); ok {
		t.Fatalf("preview should be gone after release")
	}
}
