package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product is a catalog listing with a base price and base stock counter.
type Product struct {
	ID          uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	Name        string           `gorm:"column:name;not null"`
	Description *string          `gorm:"column:description"`
	ImageURL    *string          `gorm:"column:image_url"`
	Price       decimal.Decimal  `gorm:"column:price;type:numeric(12,2);not null"`
	Stock       int              `gorm:"column:stock;not null;default:0"`
	IsActive    bool             `gorm:"column:is_active;not null"`
	Variants    []ProductVariant `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Product) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// ProductVariant is a purchasable size/color combination with its own stock counter.
// A nil Price falls back to the product price.
type ProductVariant struct {
	ID        uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	ProductID uuid.UUID        `gorm:"column:product_id;type:uuid;not null;uniqueIndex:product_variants_product_sku_key,priority:1"`
	SKU       string           `gorm:"column:sku;not null;uniqueIndex:product_variants_product_sku_key,priority:2"`
	Size      *string          `gorm:"column:size"`
	Color     *string          `gorm:"column:color"`
	Price     *decimal.Decimal `gorm:"column:price;type:numeric(12,2)"`
	Stock     int              `gorm:"column:stock;not null;default:0"`
	CreatedAt time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (v *ProductVariant) BeforeCreate(*gorm.DB) error {
	ensureID(&v.ID)
	return nil
}
