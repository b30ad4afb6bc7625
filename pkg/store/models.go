package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ListingModel struct {
	ID            string    `gorm:"primaryKey"`
	OwnerID       string    `gorm:"not null;index"`
	Title         string    `gorm:"not null"`
	TitleAr       string
	Description   string    `gorm:"type:text"`
	DescriptionAr string    `gorm:"type:text"`
	Price         float64   `gorm:"not null"`
	Currency      string    `gorm:"not null"`
	Condition     string    `gorm:"not null"`
	PartType      string    `gorm:"not null"`
	Status        string    `gorm:"not null;index"`
	BrandID       *string   `gorm:"index"`
	ModelID       *string
	CategoryID    *string   `gorm:"index"`
	CityID        *string
	CountryID     *string   `gorm:"index"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`

	Brand    *BrandModel    `gorm:"foreignKey:BrandID"`
	Model    *CarModelModel `gorm:"foreignKey:ModelID"`
	Category *CategoryModel `gorm:"foreignKey:CategoryID"`
	City     *CityModel     `gorm:"foreignKey:CityID"`
	Country  *CountryModel  `gorm:"foreignKey:CountryID"`
	Images   []ImageModel   `gorm:"foreignKey:ListingID;constraint:OnDelete:CASCADE"`
}

type ImageModel struct {
	ID          string    `gorm:"primaryKey"`
	ListingID   string    `gorm:"not null;index"`
	URL         string    `gorm:"type:text;not null"`
	StoragePath string    `gorm:"type:text"`
	IsPrimary   bool      `gorm:"not null;default:false"`
	Position    int       `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
}

type BrandModel struct {
	ID     string `gorm:"primaryKey"`
	Name   string `gorm:"not null"`
	NameAr string
}

type CarModelModel struct {
	ID      string `gorm:"primaryKey"`
	BrandID string `gorm:"not null;index"`
	Name    string `gorm:"not null"`
	NameAr  string
}

type CategoryModel struct {
	ID     string `gorm:"primaryKey"`
	NameEn string `gorm:"not null"`
	NameAr string
}

type CountryModel struct {
	ID       string `gorm:"primaryKey"`
	Code     string `gorm:"uniqueIndex"`
	Name     string `gorm:"not null"`
	NameAr   string
	Currency string
}

type CityModel struct {
	ID        string `gorm:"primaryKey"`
	CountryID string `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	NameAr    string
}

type RevisionModel struct {
	ID        string         `gorm:"primaryKey"`
	ListingID string         `gorm:"not null;index"`
	EditorID  string         `gorm:"not null"`
	Changes   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}
