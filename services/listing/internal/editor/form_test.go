package editor

import (
	"context"
	"errors"
	"testing"

	"autosouq/pkg/domain"
)

func ptr[T any](v T) *T { return &v }

func newTestForm(t *testing.T, f *fixture, refs References) *Form {
	t.Helper()
	listing := f.listing(t, "l1")
	opts, _, _ := NewLoader(refs).Load(context.Background(), listing, "")
	return NewForm(refs, FieldsFromListing(listing), opts)
}

func TestChangingCountryResetsCityAndReloadsCities(t *testing.T) {
	f := newFixture(t)
	form := newTestForm(t, f, f.refs)

	if _, err := form.Apply(context.Background(), Patch{CountryID: ptr("ae")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	fields := form.Fields()
	if fields.CountryID != "ae" || fields.CityID != "" {
		t.Fatalf("expected city reset after country change, got %+v", fields)
	}
	cities := form.Options().Cities
	if len(cities) != 2 {
		t.Fatalf("expected 2 UAE cities, got %+v", cities)
	}
	for _, c := range cities {
		if c.CountryID != "ae" {
			t.Fatalf("city %s does not belong to UAE", c.ID)
		}
	}
}

func TestSingleCityCountryAutoSelects(t *testing.T) {
	f := newFixture(t)
	form := newTestForm(t, f, f.refs)
	if _, err := form.Apply(context.Background(), Patch{CountryID: ptr("bh")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := form.Fields().CityID; got != "manama" {
		t.Fatalf("city = %q, want auto-selected manama", got)
	}
}

func TestExplicitCityAppliesAfterCascade(t *testing.T) {
	f := newFixture(t)
	form := newTestForm(t, f, f.refs)
	if _, err := form.Apply(context.Background(), Patch{CountryID: ptr("ae"), CityID: ptr("dubai")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := form.Fields().CityID; got != "dubai" {
		t.Fatalf("city = %q, want dubai", got)
	}

	before := form.Fields()
	_, err := form.Apply(context.Background(), Patch{CountryID: ptr("qa"), CityID: ptr("dubai")})
	if !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection for a city of another country, got %v", err)
	}
	if form.Fields() != before {
		t.Fatalf("rejected patch must not change fields: %+v", form.Fields())
	}
}

func TestChangingBrandResetsModel(t *testing.T) {
	f := newFixture(t)
	form := newTestForm(t, f, f.refs)
	if _, err := form.Apply(context.Background(), Patch{BrandID: ptr("nissan")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := form.Fields().ModelID; got != "" {
		t.Fatalf("model = %q, want cleared", got)
	}
	for _, m := range form.Options().Models {
		if m.BrandID != "nissan" {
			t.Fatalf("model %s does not belong to nissan", m.ID)
		}
	}
	if _, err := form.Apply(context.Background(), Patch{ModelID: ptr("camry")}); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected toyota model to be rejected, got %v", err)
	}
	if _, err := form.Apply(context.Background(), Patch{ModelID: ptr("patrol")}); err != nil {
		t.Fatalf("select patrol: %v", err)
	}
}

func TestCityReloadFailureLeavesEmptyListWithNotice(t *testing.T) {
	f := newFixture(t)
	form := newTestForm(t, f, f.refs)
	form.refs = flakyRefs{References: f.refs, fail: map[string]bool{"cities": true}}

	notices, err := form.Apply(context.Background(), Patch{CountryID: ptr("ae")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(notices) != 1 || notices[0].Message != "could not load cities" {
		t.Fatalf("unexpected notices: %+v", notices)
	}
	if len(form.Options().Cities) != 0 || form.Fields().CityID != "" {
		t.Fatalf("expected no cities after failed reload")
	}
}

func TestApplyValidatesAndSanitizes(t *testing.T) {
	f := newFixture(t)
	form := newTestForm(t, f, f.refs)

	tests := []struct {
		name  string
		patch Patch
	}{
		{"negative price", Patch{Price: ptr(-1.0)}},
		{"bad condition", Patch{Condition: ptr("broken")}},
		{"bad part type", Patch{PartType: ptr("replica")}},
		{"bad currency", Patch{Currency: ptr("riyal")}},
		{"unknown category", Patch{CategoryID: ptr("tyres")}},
	}
	for _, tt := range tests {
		if _, err := form.Apply(context.Background(), tt.patch); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}

	_, err := form.Apply(context.Background(), Patch{
		Title:     ptr("  <b>LED</b> headlight "),
		Currency:  ptr("aed"),
		Condition: ptr("Refurbished"),
		Price:     ptr(99.5),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := form.Fields()
	if got.Title != "LED headlight" || got.Currency != "AED" || got.Condition != "refurbished" || got.Price != 99.5 {
		t.Fatalf("unexpected fields: %+v", got)
	}
}

func TestValidateRequiresTitle(t *testing.T) {
	f := newFixture(t)
	form := newTestForm(t, f, f.refs)
	if err := form.Validate(); err != nil {
		t.Fatalf("seeded form should be valid: %v", err)
	}
	if _, err := form.Apply(context.Background(), Patch{Title: ptr("<i></i>")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := form.Validate(); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
	if _, err := form.Apply(context.Background(), Patch{TitleAr: ptr("مصباح")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := form.Validate(); err != nil {
		t.Fatalf("arabic title alone should be enough: %v", err)
	}
}

func TestChangedFrom(t *testing.T) {
	a := Fields{Title: "a", Price: 1, CityID: "doha"}
	b := a
	b.Price = 2
	b.CityID = ""
	got := b.ChangedFrom(a)
	if len(got) != 2 || got[0] != "price" || got[1] != "cityId" {
		t.Fatalf("changed = %v", got)
	}
}

func TestValidateRejectsModelOfAnotherBrand(t *testing.T) {
	fields := Fields{
		Title:     "Headlight",
		Condition: domain.ConditionUsed,
		PartType:  domain.PartOriginal,
		BrandID:   "nissan",
		ModelID:   "camry",
	}
	opts := Options{Models: []domain.CarModel{{ID: "camry", BrandID: "toyota", Name: "Camry", Placeholder: true}}}
	if err := NewForm(nil, fields, opts).Validate(); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection, got %v", err)
	}

	fields.BrandID = ""
	if err := NewForm(nil, fields, opts).Validate(); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected a model without a brand to fail, got %v", err)
	}

	fields.BrandID = "toyota"
	if err := NewForm(nil, fields, opts).Validate(); err != nil {
		t.Fatalf("model of the selected brand should pass: %v", err)
	}
}
