package store

import (
	"context"

	"autosouq/pkg/domain"
)

// ListingStore reads and updates listings.
type ListingStore interface {
	// GetListing returns the listing with its relations expanded and images
	// ordered primary first.
	GetListing(ctx context.Context, id string) (domain.Listing, bool, error)
	UpdateListingFields(ctx context.Context, id string, fields domain.ListingFields) error
	ListListingIDs(ctx context.Context) ([]string, error)
}

// ImageUpdate carries optional column changes for one image row.
type ImageUpdate struct {
	IsPrimary *bool
	Position  *int
}

// ImageStore manages image metadata rows.
type ImageStore interface {
	ListImages(ctx context.Context, listingID string) ([]domain.Image, error)
	// InsertImage stores a new row. When img.IsPrimary is set the other images
	// of the listing lose their primary flag in the same write.
	InsertImage(ctx context.Context, img domain.Image) (domain.Image, error)
	UpdateImage(ctx context.Context, id string, update ImageUpdate) error
	// SetPrimaryImage clears every primary flag of the listing and then marks imageID.
	SetPrimaryImage(ctx context.Context, listingID, imageID string) error
	DeleteImage(ctx context.Context, id string) error
}

// ReferenceStore serves the read-only lookup tables.
type ReferenceStore interface {
	ListBrands(ctx context.Context) ([]domain.Brand, error)
	ListModelsByBrand(ctx context.Context, brandID string) ([]domain.CarModel, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	ListCountries(ctx context.Context) ([]domain.Country, error)
	ListCitiesByCountry(ctx context.Context, countryID string) ([]domain.City, error)
}

// RevisionStore journals submitted edits.
type RevisionStore interface {
	AppendRevision(ctx context.Context, rev domain.Revision) error
	ListRevisions(ctx context.Context, listingID string, limit int) ([]domain.Revision, error)
}

// Store is the full persistence surface of the listing service.
type Store interface {
	ListingStore
	ImageStore
	ReferenceStore
	RevisionStore
}
