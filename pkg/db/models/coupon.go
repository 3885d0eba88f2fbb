package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// Coupon is a promotional code. Codes are unique case-insensitively.
type Coupon struct {
	ID                uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	Code              string           `gorm:"column:code;not null;uniqueIndex:coupons_code_key"`
	Type              enums.CouponType `gorm:"column:type;not null"`
	Value             decimal.Decimal  `gorm:"column:value;type:numeric(12,2);not null"`
	MinPurchaseAmount decimal.Decimal  `gorm:"column:min_purchase_amount;type:numeric(12,2);not null"`
	ExpirationDate    time.Time        `gorm:"column:expiration_date;not null"`
	UsageLimit        *int             `gorm:"column:usage_limit"`
	UsedCount         int              `gorm:"column:used_count;not null;default:0"`
	IsActive          bool             `gorm:"column:is_active;not null"`
	CreatedAt         time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Coupon) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
