package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
)

// ErrPrimaryConflict mirrors the one-primary-per-listing unique index.
var ErrPrimaryConflict = errors.New("listing already has a primary image")

// MemoryStore keeps listings and lookups in-process. It backs tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	listings   map[string]domain.Listing
	order      []string
	images     map[string]domain.Image
	brands     []domain.Brand
	models     []domain.CarModel
	categories []domain.Category
	countries  []domain.Country
	cities     []domain.City
	revisions  []domain.Revision
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]domain.Listing),
		images:   make(map[string]domain.Image),
	}
}

// SaveListing stores a listing's scalar fields and replaces its images.
func (m *MemoryStore) SaveListing(l domain.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listings[l.ID]; !exists {
		m.order = append(m.order, l.ID)
	}
	for id, img := range m.images {
		if img.ListingID == l.ID {
			delete(m.images, id)
		}
	}
	for i, img := range l.Images {
		if img.ID == "" {
			img.ID = util.NewID()
		}
		img.ListingID = l.ID
		if img.Position == 0 {
			img.Position = i
		}
		m.images[img.ID] = img
	}
	l.Images = nil
	l.Brand, l.Model, l.Category, l.City, l.Country = nil, nil, nil, nil, nil
	m.listings[l.ID] = l
}

// SeedReferences replaces the lookup tables.
func (m *MemoryStore) SeedReferences(brands []domain.Brand, models []domain.CarModel, categories []domain.Category, countries []domain.Country, cities []domain.City) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brands = append([]domain.Brand(nil), brands...)
	m.models = append([]domain.CarModel(nil), models...)
	m.categories = append([]domain.Category(nil), categories...)
	m.countries = append([]domain.Country(nil), countries...)
	m.cities = append([]domain.City(nil), cities...)
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (domain.Listing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return domain.Listing{}, false, nil
	}
	l.Images = m.imagesLocked(id)
	for _, b := range m.brands {
		if b.ID == l.BrandID {
			b := b
			l.Brand = &b
		}
	}
	for _, cm := range m.models {
		if cm.ID == l.ModelID {
			cm := cm
			l.Model = &cm
		}
	}
	for _, c := range m.categories {
		if c.ID == l.CategoryID {
			c := c
			l.Category = &c
		}
	}
	for _, c := range m.cities {
		if c.ID == l.CityID {
			c := c
			l.City = &c
		}
	}
	for _, c := range m.countries {
		if c.ID == l.CountryID {
			c := c
			l.Country = &c
		}
	}
	return l, true, nil
}

func (m *MemoryStore) UpdateListingFields(_ context.Context, id string, f domain.ListingFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return fmt.Errorf("listing %s not found", id)
	}
	l.Title = f.Title
	l.TitleAr = f.TitleAr
	l.Description = f.Description
	l.DescriptionAr = f.DescriptionAr
	l.Price = f.Price
	l.Currency = f.Currency
	l.Condition = f.Condition
	l.PartType = f.PartType
	l.BrandID = f.BrandID
	l.ModelID = f.ModelID
	l.CategoryID = f.CategoryID
	l.CityID = f.CityID
	l.CountryID = f.CountryID
	l.UpdatedAt = time.Now().UTC()
	m.listings[id] = l
	return nil
}

func (m *MemoryStore) ListListingIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemoryStore) ListImages(_ context.Context, listingID string) ([]domain.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.imagesLocked(listingID), nil
}

func (m *MemoryStore) imagesLocked(listingID string) []domain.Image {
	res := make([]domain.Image, 0)
	for _, img := range m.images {
		if img.ListingID == listingID {
			res = append(res, img)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].IsPrimary != res[j].IsPrimary {
			return res[i].IsPrimary
		}
		if res[i].Position != res[j].Position {
			return res[i].Position < res[j].Position
		}
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func (m *MemoryStore) InsertImage(_ context.Context, img domain.Image) (domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[img.ListingID]; !ok {
		return domain.Image{}, fmt.Errorf("listing %s not found", img.ListingID)
	}
	if img.ID == "" {
		img.ID = util.NewID()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	if img.IsPrimary {
		m.clearPrimaryLocked(img.ListingID)
	}
	m.images[img.ID] = img
	return img, nil
}

func (m *MemoryStore) UpdateImage(_ context.Context, id string, update ImageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil
	}
	if update.IsPrimary != nil {
		if *update.IsPrimary && !img.IsPrimary && m.hasPrimaryLocked(img.ListingID) {
			return ErrPrimaryConflict
		}
		img.IsPrimary = *update.IsPrimary
	}
	if update.Position != nil {
		img.Position = *update.Position
	}
	m.images[id] = img
	return nil
}

func (m *MemoryStore) SetPrimaryImage(_ context.Context, listingID, imageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[imageID]
	if !ok || img.ListingID != listingID {
		return fmt.Errorf("image %s not found", imageID)
	}
	m.clearPrimaryLocked(listingID)
	img.IsPrimary = true
	m.images[imageID] = img
	return nil
}

func (m *MemoryStore) clearPrimaryLocked(listingID string) {
	for id, img := range m.images {
		if img.ListingID == listingID && img.IsPrimary {
			img.IsPrimary = false
			m.images[id] = img
		}
	}
}

func (m *MemoryStore) hasPrimaryLocked(listingID string) bool {
	for _, img := range m.images {
		if img.ListingID == listingID && img.IsPrimary {
			return true
		}
	}
	return false
}

func (m *MemoryStore) DeleteImage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, id)
	return nil
}

func (m *MemoryStore) ListBrands(context.Context) ([]domain.Brand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Brand{}, m.brands...), nil
}

func (m *MemoryStore) ListModelsByBrand(_ context.Context, brandID string) ([]domain.CarModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []domain.CarModel{}
	for _, cm := range m.models {
		if cm.BrandID == brandID {
			res = append(res, cm)
		}
	}
	return res, nil
}

func (m *MemoryStore) ListCategories(context.Context) ([]domain.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Category{}, m.categories...), nil
}

func (m *MemoryStore) ListCountries(context.Context) ([]domain.Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Country{}, m.countries...), nil
}

func (m *MemoryStore) ListCitiesByCountry(_ context.Context, countryID string) ([]domain.City, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []domain.City{}
	for _, c := range m.cities {
		if c.CountryID == countryID {
			res = append(res, c)
		}
	}
	return res, nil
}

func (m *MemoryStore) AppendRevision(_ context.Context, rev domain.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(rev.ID) == "" {
		rev.ID = util.NewID()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	m.revisions = append(m.revisions, rev)
	return nil
}

// ListRevisions returns the newest revisions first.
func (m *MemoryStore) ListRevisions(_ context.Context, listingID string, limit int) ([]domain.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	res := []domain.Revision{}
	for i := len(m.revisions) - 1; i >= 0 && len(res) < limit; i-- {
		if m.revisions[i].ListingID == listingID {
			res = append(res, m.revisions[i])
		}
	}
	return res, nil
}
