package domain

import "time"

type Condition string

const (
	ConditionNew         Condition = "new"
	ConditionUsed        Condition = "used"
	ConditionRefurbished Condition = "refurbished"
)

// Valid reports whether c is one of the known conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionNew, ConditionUsed, ConditionRefurbished:
		return true
	}
	return false
}

type PartType string

const (
	PartOriginal    PartType = "original"
	PartAftermarket PartType = "aftermarket"
)

func (p PartType) Valid() bool {
	return p == PartOriginal || p == PartAftermarket
}

type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingPending  ListingStatus = "pending"
	ListingArchived ListingStatus = "archived"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User is the caller identity resolved from an access token.
type User struct {
	ID   string   `json:"id"`
	Role UserRole `json:"role"`
}

// CanEdit reports whether the user may edit a listing owned by ownerID.
func (u User) CanEdit(ownerID string) bool {
	return u.Role == RoleAdmin || (u.ID != "" && u.ID == ownerID)
}

// Listing is a spare-part classified.
type Listing struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"ownerId"`
	Title         string        `json:"title"`
	TitleAr       string        `json:"titleAr"`
	Description   string        `json:"description"`
	DescriptionAr string        `json:"descriptionAr"`
	Price         float64       `json:"price"`
	Currency      string        `json:"currency"`
	Condition     Condition     `json:"condition"`
	PartType      PartType      `json:"partType"`
	Status        ListingStatus `json:"status"`
	BrandID       string        `json:"brandId,omitempty"`
	ModelID       string        `json:"modelId,omitempty"`
	CategoryID    string        `json:"categoryId,omitempty"`
	CityID        string        `json:"cityId,omitempty"`
	CountryID     string        `json:"countryId,omitempty"`
	Brand         *Brand        `json:"brand,omitempty"`
	Model         *CarModel     `json:"model,omitempty"`
	Category      *Category     `json:"category,omitempty"`
	City          *City         `json:"city,omitempty"`
	Country       *Country      `json:"country,omitempty"`
	Images        []Image       `json:"images"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ListingFields are the scalar columns written by a single listing update.
type ListingFields struct {
	Title         string
	TitleAr       string
	Description   string
	DescriptionAr string
	Price         float64
	Currency      string
	Condition     Condition
	PartType      PartType
	BrandID       string
	ModelID       string
	CategoryID    string
	CityID        string
	CountryID     string
}

// Image is a listing photo. ID is empty until the metadata row exists.
type Image struct {
	ID          string    `json:"id,omitempty"`
	ListingID   string    `json:"listingId"`
	URL         string    `json:"url"`
	StoragePath string    `json:"-"`
	IsPrimary   bool      `json:"isPrimary"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Brand struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	NameAr      string `json:"name_ar"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

type CarModel struct {
	ID          string `json:"id"`
	BrandID     string `json:"brand_id"`
	Name        string `json:"name"`
	NameAr      string `json:"name_ar"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name_en"`
	NameAr      string `json:"name_ar"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

type Country struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	NameAr      string `json:"name_ar"`
	Currency    string `json:"currency"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

type City struct {
	ID          string `json:"id"`
	CountryID   string `json:"country_id"`
	Name        string `json:"name"`
	NameAr      string `json:"name_ar"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// Revision journals one successful edit submission.
type Revision struct {
	ID        string          `json:"id" yaml:"id"`
	ListingID string          `json:"listingId" yaml:"listingId"`
	EditorID  string          `json:"editorId" yaml:"editorId"`
	Changes   RevisionChanges `json:"changes" yaml:"changes"`
	CreatedAt time.Time       `json:"createdAt" yaml:"createdAt"`
}

type RevisionChanges struct {
	Fields        []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	AddedImages   []string `json:"addedImages,omitempty" yaml:"addedImages,omitempty"`
	RemovedImages []string `json:"removedImages,omitempty" yaml:"removedImages,omitempty"`
	PrimaryImage  string   `json:"primaryImage,omitempty" yaml:"primaryImage,omitempty"`
}
