package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
)

const migrateLockID int64 = 51873204

// imageOrder lists images primary first, then in edited order.
const imageOrder = "is_primary DESC, position ASC, created_at ASC"

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&BrandModel{}, &CarModelModel{}, &CategoryModel{}, &CountryModel{}, &CityModel{},
			&ListingModel{}, &ImageModel{}, &RevisionModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// Concurrent editors can race on the primary flag; the index is the last line.
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS image_models_one_primary
			ON image_models (listing_id) WHERE is_primary
		`).Error; err != nil {
			return fmt.Errorf("ensure primary image index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetListing loads a listing with relations and images.
func (s *GormStore) GetListing(ctx context.Context, id string) (domain.Listing, bool, error) {
	var model ListingModel
	err := s.db.WithContext(ctx).
		Preload("Brand").
		Preload("Model").
		Preload("Category").
		Preload("City").
		Preload("Country").
		Preload("Images", func(db *gorm.DB) *gorm.DB { return db.Order(imageOrder) }).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Listing{}, false, nil
		}
		return domain.Listing{}, false, err
	}
	return listingFromModel(model), true, nil
}

// UpdateListingFields writes all scalar columns in one statement.
func (s *GormStore) UpdateListingFields(ctx context.Context, id string, f domain.ListingFields) error {
	res := s.db.WithContext(ctx).Model(&ListingModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"title":          f.Title,
			"title_ar":       f.TitleAr,
			"description":    f.Description,
			"description_ar": f.DescriptionAr,
			"price":          f.Price,
			"currency":       f.Currency,
			"condition":      string(f.Condition),
			"part_type":      string(f.PartType),
			"brand_id":       nullable(f.BrandID),
			"model_id":       nullable(f.ModelID),
			"category_id":    nullable(f.CategoryID),
			"city_id":        nullable(f.CityID),
			"country_id":     nullable(f.CountryID),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("listing %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// ListListingIDs returns every listing id ordered by creation.
func (s *GormStore) ListListingIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&ListingModel{}).Order("created_at ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ListImages returns the images of a listing, primary first.
func (s *GormStore) ListImages(ctx context.Context, listingID string) ([]domain.Image, error) {
	var models []ImageModel
	if err := s.db.WithContext(ctx).Where("listing_id = ?", listingID).Order(imageOrder).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Image, 0, len(models))
	for _, m := range models {
		res = append(res, imageFromModel(m))
	}
	return res, nil
}

// InsertImage creates an image row.
func (s *GormStore) InsertImage(ctx context.Context, img domain.Image) (domain.Image, error) {
	if img.ID == "" {
		img.ID = util.NewID()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	model := imageToModel(img)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if model.IsPrimary {
			if err := clearPrimary(tx, model.ListingID); err != nil {
				return err
			}
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Image{}, err
	}
	return imageFromModel(model), nil
}

// UpdateImage applies the set fields of update.
func (s *GormStore) UpdateImage(ctx context.Context, id string, update ImageUpdate) error {
	updates := map[string]any{}
	if update.IsPrimary != nil {
		updates["is_primary"] = *update.IsPrimary
	}
	if update.Position != nil {
		updates["position"] = *update.Position
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&ImageModel{}).Where("id = ?", id).Updates(updates).Error
}

// SetPrimaryImage unsets every primary of the listing and then sets imageID,
// both inside one transaction.
func (s *GormStore) SetPrimaryImage(ctx context.Context, listingID, imageID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := clearPrimary(tx, listingID); err != nil {
			return err
		}
		res := tx.Model(&ImageModel{}).
			Where("id = ? AND listing_id = ?", imageID, listingID).
			Update("is_primary", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("image %s: %w", imageID, gorm.ErrRecordNotFound)
		}
		return nil
	})
}

func clearPrimary(tx *gorm.DB, listingID string) error {
	return tx.Model(&ImageModel{}).
		Where("listing_id = ? AND is_primary", listingID).
		Update("is_primary", false).Error
}

// DeleteImage removes an image row.
func (s *GormStore) DeleteImage(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&ImageModel{}, "id = ?", id).Error
}

func (s *GormStore) ListBrands(ctx context.Context) ([]domain.Brand, error) {
	var models []BrandModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Brand, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Brand{ID: m.ID, Name: m.Name, NameAr: m.NameAr})
	}
	return res, nil
}

func (s *GormStore) ListModelsByBrand(ctx context.Context, brandID string) ([]domain.CarModel, error) {
	var models []CarModelModel
	if err := s.db.WithContext(ctx).Where("brand_id = ?", brandID).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.CarModel, 0, len(models))
	for _, m := range models {
		res = append(res, domain.CarModel{ID: m.ID, BrandID: m.BrandID, Name: m.Name, NameAr: m.NameAr})
	}
	return res, nil
}

func (s *GormStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	var models []CategoryModel
	if err := s.db.WithContext(ctx).Order("name_en ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Category, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Category{ID: m.ID, Name: m.NameEn, NameAr: m.NameAr})
	}
	return res, nil
}

func (s *GormStore) ListCountries(ctx context.Context) ([]domain.Country, error) {
	var models []CountryModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Country, 0, len(models))
	for _, m := range models {
		res = append(res, countryFromModel(m))
	}
	return res, nil
}

func (s *GormStore) ListCitiesByCountry(ctx context.Context, countryID string) ([]domain.City, error) {
	var models []CityModel
	if err := s.db.WithContext(ctx).Where("country_id = ?", countryID).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.City, 0, len(models))
	for _, m := range models {
		res = append(res, domain.City{ID: m.ID, CountryID: m.CountryID, Name: m.Name, NameAr: m.NameAr})
	}
	return res, nil
}

// AppendRevision journals a submitted edit.
func (s *GormStore) AppendRevision(ctx context.Context, rev domain.Revision) error {
	changes, err := json.Marshal(rev.Changes)
	if err != nil {
		return fmt.Errorf("encode revision changes: %w", err)
	}
	if rev.ID == "" {
		rev.ID = util.NewID()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&RevisionModel{
		ID:        rev.ID,
		ListingID: rev.ListingID,
		EditorID:  rev.EditorID,
		Changes:   changes,
		CreatedAt: rev.CreatedAt,
	}).Error
}

// ListRevisions returns the newest revisions first.
func (s *GormStore) ListRevisions(ctx context.Context, listingID string, limit int) ([]domain.Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []RevisionModel
	if err := s.db.WithContext(ctx).Where("listing_id = ?", listingID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Revision, 0, len(models))
	for _, m := range models {
		res = append(res, revisionFromModel(ctx, m))
	}
	return res, nil
}

// revisionFromModel keeps a revision whose changes column cannot be decoded,
// with empty changes, and logs the row.
func revisionFromModel(ctx context.Context, m RevisionModel) domain.Revision {
	rev := domain.Revision{ID: m.ID, ListingID: m.ListingID, EditorID: m.EditorID, CreatedAt: m.CreatedAt}
	if len(m.Changes) == 0 {
		return rev
	}
	if err := json.Unmarshal(m.Changes, &rev.Changes); err != nil {
		util.LoggerFromContext(ctx).Warn("revision changes undecodable", "revision_id", m.ID, "listing_id", m.ListingID, "err", err)
		rev.Changes = domain.RevisionChanges{}
	}
	return rev
}

func nullable(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func listingFromModel(m ListingModel) domain.Listing {
	l := domain.Listing{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Title:         m.Title,
		TitleAr:       m.TitleAr,
		Description:   m.Description,
		DescriptionAr: m.DescriptionAr,
		Price:         m.Price,
		Currency:      m.Currency,
		Condition:     domain.Condition(m.Condition),
		PartType:      domain.PartType(m.PartType),
		Status:        domain.ListingStatus(m.Status),
		BrandID:       deref(m.BrandID),
		ModelID:       deref(m.ModelID),
		CategoryID:    deref(m.CategoryID),
		CityID:        deref(m.CityID),
		CountryID:     deref(m.CountryID),
		Images:        make([]domain.Image, 0, len(m.Images)),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.Brand != nil {
		l.Brand = &domain.Brand{ID: m.Brand.ID, Name: m.Brand.Name, NameAr: m.Brand.NameAr}
	}
	if m.Model != nil {
		l.Model = &domain.CarModel{ID: m.Model.ID, BrandID: m.Model.BrandID, Name: m.Model.Name, NameAr: m.Model.NameAr}
	}
	if m.Category != nil {
		l.Category = &domain.Category{ID: m.Category.ID, Name: m.Category.NameEn, NameAr: m.Category.NameAr}
	}
	if m.City != nil {
		l.City = &domain.City{ID: m.City.ID, CountryID: m.City.CountryID, Name: m.City.Name, NameAr: m.City.NameAr}
	}
	if m.Country != nil {
		c := countryFromModel(*m.Country)
		l.Country = &c
	}
	for _, img := range m.Images {
		l.Images = append(l.Images, imageFromModel(img))
	}
	return l
}

func countryFromModel(m CountryModel) domain.Country {
	return domain.Country{ID: m.ID, Code: m.Code, Name: m.Name, NameAr: m.NameAr, Currency: m.Currency}
}

func imageToModel(img domain.Image) ImageModel {
	return ImageModel{
		ID:          img.ID,
		ListingID:   img.ListingID,
		URL:         img.URL,
		StoragePath: img.StoragePath,
		IsPrimary:   img.IsPrimary,
		Position:    img.Position,
		CreatedAt:   img.CreatedAt,
	}
}

func imageFromModel(m ImageModel) domain.Image {
	return domain.Image{
		ID:          m.ID,
		ListingID:   m.ListingID,
		URL:         m.URL,
		StoragePath: m.StoragePath,
		IsPrimary:   m.IsPrimary,
		Position:    m.Position,
		CreatedAt:   m.CreatedAt,
	}
}
