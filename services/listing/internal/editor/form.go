package editor

import (
	"context"
	"fmt"
	"math"
	"strings"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
	"autosouq/pkg/textutil"
)

// Fields mirrors the editable columns of a listing.
type Fields struct {
	Title         string           `json:"title"`
	TitleAr       string           `json:"titleAr"`
	Description   string           `json:"description"`
	DescriptionAr string           `json:"descriptionAr"`
	Price         float64          `json:"price"`
	Currency      string           `json:"currency"`
	Condition     domain.Condition `json:"condition"`
	PartType      domain.PartType  `json:"partType"`
	BrandID       string           `json:"brandId"`
	ModelID       string           `json:"modelId"`
	CategoryID    string           `json:"categoryId"`
	CityID        string           `json:"cityId"`
	CountryID     string           `json:"countryId"`
}

func FieldsFromListing(l domain.Listing) Fields {
	return Fields{
		Title:         l.Title,
		TitleAr:       l.TitleAr,
		Description:   l.Description,
		DescriptionAr: l.DescriptionAr,
		Price:         l.Price,
		Currency:      l.Currency,
		Condition:     l.Condition,
		PartType:      l.PartType,
		BrandID:       l.BrandID,
		ModelID:       l.ModelID,
		CategoryID:    l.CategoryID,
		CityID:        l.CityID,
		CountryID:     l.CountryID,
	}
}

func (f Fields) ListingFields() domain.ListingFields {
	return domain.ListingFields{
		Title:         f.Title,
		TitleAr:       f.TitleAr,
		Description:   f.Description,
		DescriptionAr: f.DescriptionAr,
		Price:         f.Price,
		Currency:      f.Currency,
		Condition:     f.Condition,
		PartType:      f.PartType,
		BrandID:       f.BrandID,
		ModelID:       f.ModelID,
		CategoryID:    f.CategoryID,
		CityID:        f.CityID,
		CountryID:     f.CountryID,
	}
}

// ChangedFrom lists the JSON names of the fields that differ from prev.
func (f Fields) ChangedFrom(prev Fields) []string {
	var out []string
	add := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	add("title", f.Title != prev.Title)
	add("titleAr", f.TitleAr != prev.TitleAr)
	add("description", f.Description != prev.Description)
	add("descriptionAr", f.DescriptionAr != prev.DescriptionAr)
	add("price", f.Price != prev.Price)
	add("currency", f.Currency != prev.Currency)
	add("condition", f.Condition != prev.Condition)
	add("partType", f.PartType != prev.PartType)
	add("brandId", f.BrandID != prev.BrandID)
	add("modelId", f.ModelID != prev.ModelID)
	add("categoryId", f.CategoryID != prev.CategoryID)
	add("cityId", f.CityID != prev.CityID)
	add("countryId", f.CountryID != prev.CountryID)
	return out
}

// Patch is a partial field update. Nil members are left untouched; an empty
// string clears a selection.
type Patch struct {
	Title         *string  `json:"title,omitempty"`
	TitleAr       *string  `json:"titleAr,omitempty"`
	Description   *string  `json:"description,omitempty"`
	DescriptionAr *string  `json:"descriptionAr,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	Currency      *string  `json:"currency,omitempty"`
	Condition     *string  `json:"condition,omitempty"`
	PartType      *string  `json:"partType,omitempty"`
	BrandID       *string  `json:"brandId,omitempty"`
	ModelID       *string  `json:"modelId,omitempty"`
	CategoryID    *string  `json:"categoryId,omitempty"`
	CityID        *string  `json:"cityId,omitempty"`
	CountryID     *string  `json:"countryId,omitempty"`
}

// Form holds the field values and dropdown options of one edit session.
type Form struct {
	refs    References
	fields  Fields
	options Options
}

func NewForm(refs References, fields Fields, options Options) *Form {
	return &Form{refs: refs, fields: fields, options: options.normalized()}
}

func (f *Form) Fields() Fields { return f.fields }

func (f *Form) Options() Options {
	return Options{
		Brands:     append([]domain.Brand{}, f.options.Brands...),
		Models:     append([]domain.CarModel{}, f.options.Models...),
		Categories: append([]domain.Category{}, f.options.Categories...),
		Countries:  append([]domain.Country{}, f.options.Countries...),
		Cities:     append([]domain.City{}, f.options.Cities...),
	}
}

// Apply validates p against a copy of the form and commits it only when the
// whole patch is valid. Changing the country clears the city and reloads
// cities, auto-selecting a sole city; changing the brand clears the model and
// reloads models. An explicit city or model in the same patch is applied
// after that cascade.
func (f *Form) Apply(ctx context.Context, p Patch) ([]Notice, error) {
	next := f.fields
	opts := f.options
	var notices []Notice

	if p.Title != nil {
		next.Title = textutil.PlainLine(*p.Title)
	}
	if p.TitleAr != nil {
		next.TitleAr = textutil.PlainLine(*p.TitleAr)
	}
	if p.Description != nil {
		next.Description = textutil.PlainText(*p.Description)
	}
	if p.DescriptionAr != nil {
		next.DescriptionAr = textutil.PlainText(*p.DescriptionAr)
	}
	if p.Price != nil {
		if math.IsNaN(*p.Price) || math.IsInf(*p.Price, 0) || *p.Price < 0 {
			return nil, fmt.Errorf("%w: price must be a non-negative number", ErrInvalidField)
		}
		next.Price = *p.Price
	}
	if p.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*p.Currency))
		if currency != "" && !isCurrencyCode(currency) {
			return nil, fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidField)
		}
		next.Currency = currency
	}
	if p.Condition != nil {
		c := domain.Condition(strings.ToLower(strings.TrimSpace(*p.Condition)))
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown condition %q", ErrInvalidField, *p.Condition)
		}
		next.Condition = c
	}
	if p.PartType != nil {
		pt := domain.PartType(strings.ToLower(strings.TrimSpace(*p.PartType)))
		if !pt.Valid() {
			return nil, fmt.Errorf("%w: unknown part type %q", ErrInvalidField, *p.PartType)
		}
		next.PartType = pt
	}
	if p.CategoryID != nil {
		id := strings.TrimSpace(*p.CategoryID)
		if id != "" && !opts.hasCategory(id) {
			return nil, fmt.Errorf("%w: category %s", ErrInvalidSelection, id)
		}
		next.CategoryID = id
	}

	if p.CountryID != nil {
		id := strings.TrimSpace(*p.CountryID)
		if id != next.CountryID {
			if id != "" && !opts.hasCountry(id) {
				return nil, fmt.Errorf("%w: country %s", ErrInvalidSelection, id)
			}
			next.CountryID = id
			next.CityID = ""
			opts.Cities = []domain.City{}
			if id != "" {
				cities, err := f.refs.Cities(ctx, id)
				if err != nil {
					util.LoggerFromContext(ctx).Warn("reload cities failed", "country_id", id, "err", err)
					notices = append(notices, errorNotice("could not load cities"))
				} else if cities != nil {
					opts.Cities = cities
				}
				if len(opts.Cities) == 1 {
					next.CityID = opts.Cities[0].ID
				}
			}
		}
	}
	if p.BrandID != nil {
		id := strings.TrimSpace(*p.BrandID)
		if id != next.BrandID {
			if id != "" && !opts.hasBrand(id) {
				return nil, fmt.Errorf("%w: brand %s", ErrInvalidSelection, id)
			}
			next.BrandID = id
			next.ModelID = ""
			opts.Models = []domain.CarModel{}
			if id != "" {
				models, err := f.refs.Models(ctx, id)
				if err != nil {
					util.LoggerFromContext(ctx).Warn("reload models failed", "brand_id", id, "err", err)
					notices = append(notices, errorNotice("could not load models"))
				} else if models != nil {
					opts.Models = models
				}
			}
		}
	}

	if p.CityID != nil {
		id := strings.TrimSpace(*p.CityID)
		if id != "" && !opts.hasCity(id) {
			return nil, fmt.Errorf("%w: city %s", ErrInvalidSelection, id)
		}
		next.CityID = id
	}
	if p.ModelID != nil {
		id := strings.TrimSpace(*p.ModelID)
		if id != "" && !opts.hasModel(id) {
			return nil, fmt.Errorf("%w: model %s", ErrInvalidSelection, id)
		}
		next.ModelID = id
	}

	f.fields = next
	f.options = opts
	return notices, nil
}

// Validate checks the fields required to persist the listing.
func (f *Form) Validate() error {
	if strings.TrimSpace(f.fields.Title) == "" && strings.TrimSpace(f.fields.TitleAr) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidField)
	}
	if !f.fields.Condition.Valid() {
		return fmt.Errorf("%w: condition is required", ErrInvalidField)
	}
	if !f.fields.PartType.Valid() {
		return fmt.Errorf("%w: part type is required", ErrInvalidField)
	}
	if f.fields.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidField)
	}
	if id := f.fields.ModelID; id != "" {
		if f.fields.BrandID == "" {
			return fmt.Errorf("%w: model %s without a brand", ErrInvalidSelection, id)
		}
		for _, m := range f.options.Models {
			if m.ID == id && m.BrandID != "" && m.BrandID != f.fields.BrandID {
				return fmt.Errorf("%w: model %s belongs to brand %s", ErrInvalidSelection, id, m.BrandID)
			}
		}
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
