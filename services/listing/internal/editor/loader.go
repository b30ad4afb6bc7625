package editor

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
)

// References is the read side of the lookup tables an edit form needs.
type References interface {
	Brands(ctx context.Context) ([]domain.Brand, error)
	Categories(ctx context.Context) ([]domain.Category, error)
	Countries(ctx context.Context) ([]domain.Country, error)
	Cities(ctx context.Context, countryID string) ([]domain.City, error)
	Models(ctx context.Context, brandID string) ([]domain.CarModel, error)
}

// Options are the dropdown lists of one edit form.
type Options struct {
	Brands     []domain.Brand    `json:"brands"`
	Models     []domain.CarModel `json:"models"`
	Categories []domain.Category `json:"categories"`
	Countries  []domain.Country  `json:"countries"`
	Cities     []domain.City     `json:"cities"`
}

type NoticeLevel string

const (
	NoticeError NoticeLevel = "error"
	NoticeInfo  NoticeLevel = "info"
)

// Notice is a transient user-facing message returned with the next snapshot.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}

func errorNotice(msg string) Notice { return Notice{Level: NoticeError, Message: msg} }

// Loader fetches the reference lists for a listing being edited.
type Loader struct {
	refs References
}

func NewLoader(refs References) *Loader {
	return &Loader{refs: refs}
}

// Load fetches all five lists concurrently. A failed fetch leaves its list
// empty and yields a notice; it never cancels the other fetches. Selections
// on the listing that are missing from their list get a placeholder entry.
// The returned country is the one whose cities were loaded.
func (l *Loader) Load(ctx context.Context, listing domain.Listing, fallbackCountryID string) (Options, string, []Notice) {
	countryID := strings.TrimSpace(listing.CountryID)
	if countryID == "" {
		countryID = strings.TrimSpace(fallbackCountryID)
	}
	brandID := strings.TrimSpace(listing.BrandID)

	var (
		opts                                                 Options
		brandErr, categoryErr, countryErr, cityErr, modelErr error
		g                                                    errgroup.Group
	)
	g.Go(func() error {
		opts.Brands, brandErr = l.refs.Brands(ctx)
		return nil
	})
	g.Go(func() error {
		opts.Categories, categoryErr = l.refs.Categories(ctx)
		return nil
	})
	g.Go(func() error {
		opts.Countries, countryErr = l.refs.Countries(ctx)
		return nil
	})
	if countryID != "" {
		g.Go(func() error {
			opts.Cities, cityErr = l.refs.Cities(ctx, countryID)
			return nil
		})
	}
	if brandID != "" {
		g.Go(func() error {
			opts.Models, modelErr = l.refs.Models(ctx, brandID)
			return nil
		})
	}
	_ = g.Wait()

	logger := util.LoggerFromContext(ctx).With("listing_id", listing.ID)
	var notices []Notice
	for _, f := range []struct {
		name string
		err  error
	}{
		{"brands", brandErr},
		{"categories", categoryErr},
		{"countries", countryErr},
		{"cities", cityErr},
		{"models", modelErr},
	} {
		if f.err != nil {
			logger.Warn("reference fetch failed", "list", f.name, "err", f.err)
			notices = append(notices, errorNotice("could not load "+f.name))
		}
	}

	if StaleModel(listing) {
		logger.Warn("listing model belongs to another brand", "model_id", listing.ModelID, "brand_id", listing.BrandID)
		notices = append(notices, Notice{Level: NoticeInfo, Message: "saved model does not match the brand and was cleared"})
	}

	opts = opts.normalized()
	opts.Brands = withBrand(opts.Brands, listing.BrandID, listing.Brand)
	opts.Models = withModel(opts.Models, listing.ModelID, listing.BrandID, listing.Model)
	opts.Categories = withCategory(opts.Categories, listing.CategoryID, listing.Category)
	opts.Countries = withCountry(opts.Countries, listing.CountryID, listing.Country)
	opts.Cities = withCity(opts.Cities, listing.CityID, countryID, listing.City)
	return opts, countryID, notices
}

func (o Options) normalized() Options {
	if o.Brands == nil {
		o.Brands = []domain.Brand{}
	}
	if o.Models == nil {
		o.Models = []domain.CarModel{}
	}
	if o.Categories == nil {
		o.Categories = []domain.Category{}
	}
	if o.Countries == nil {
		o.Countries = []domain.Country{}
	}
	if o.Cities == nil {
		o.Cities = []domain.City{}
	}
	return o
}

func (o Options) hasCity(id string) bool {
	for _, c := range o.Cities {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (o Options) hasModel(id string) bool {
	for _, m := range o.Models {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (o Options) hasBrand(id string) bool {
	for _, b := range o.Brands {
		if b.ID == id {
			return true
		}
	}
	return false
}

func (o Options) hasCountry(id string) bool {
	for _, c := range o.Countries {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (o Options) hasCategory(id string) bool {
	for _, c := range o.Categories {
		if c.ID == id {
			return true
		}
	}
	return false
}

func placeholderName(id, name string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return "#" + id
}

func withBrand(list []domain.Brand, id string, rel *domain.Brand) []domain.Brand {
	if id == "" || (Options{Brands: list}).hasBrand(id) {
		return list
	}
	p := domain.Brand{ID: id, Placeholder: true}
	if rel != nil {
		p.Name, p.NameAr = rel.Name, rel.NameAr
	}
	p.Name = placeholderName(id, p.Name)
	return append([]domain.Brand{p}, list...)
}

// StaleModel reports whether the listing's model is known to belong to a
// brand other than the listing's brand.
func StaleModel(listing domain.Listing) bool {
	if listing.ModelID == "" || listing.Model == nil || listing.Model.BrandID == "" {
		return false
	}
	return listing.Model.BrandID != listing.BrandID
}

// withModel keeps a saved model selectable when its list failed to load. The
// placeholder carries the model's own brand; a model of another brand gets none.
func withModel(list []domain.CarModel, id, brandID string, rel *domain.CarModel) []domain.CarModel {
	if id == "" || (Options{Models: list}).hasModel(id) {
		return list
	}
	p := domain.CarModel{ID: id, BrandID: brandID, Placeholder: true}
	if rel != nil {
		if rel.BrandID != "" && rel.BrandID != brandID {
			return list
		}
		p.Name, p.NameAr = rel.Name, rel.NameAr
	}
	p.Name = placeholderName(id, p.Name)
	return append([]domain.CarModel{p}, list...)
}

func withCategory(list []domain.Category, id string, rel *domain.Category) []domain.Category {
	if id == "" || (Options{Categories: list}).hasCategory(id) {
		return list
	}
	p := domain.Category{ID: id, Placeholder: true}
	if rel != nil {
		p.Name, p.NameAr = rel.Name, rel.NameAr
	}
	p.Name = placeholderName(id, p.Name)
	return append([]domain.Category{p}, list...)
}

func withCountry(list []domain.Country, id string, rel *domain.Country) []domain.Country {
	if id == "" || (Options{Countries: list}).hasCountry(id) {
		return list
	}
	p := domain.Country{ID: id, Placeholder: true}
	if rel != nil {
		p.Code, p.Name, p.NameAr, p.Currency = rel.Code, rel.Name, rel.NameAr, rel.Currency
	}
	p.Name = placeholderName(id, p.Name)
	return append([]domain.Country{p}, list...)
}

func withCity(list []domain.City, id, countryID string, rel *domain.City) []domain.City {
	if id == "" || (Options{Cities: list}).hasCity(id) {
		return list
	}
	p := domain.City{ID: id, CountryID: countryID, Placeholder: true}
	if rel != nil {
		p.Name, p.NameAr = rel.Name, rel.NameAr
	}
	p.Name = placeholderName(id, p.Name)
	return append([]domain.City{p}, list...)
}
