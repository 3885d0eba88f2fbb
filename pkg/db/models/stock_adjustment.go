package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// StockAdjustment records the decrement for one (order, line) pair.
type StockAdjustment struct {
	ID            uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       uuid.UUID                   `gorm:"column:order_id;type:uuid;not null;uniqueIndex:stock_adjustments_order_line_key,priority:1"`
	LineIndex     int                         `gorm:"column:line_index;not null;uniqueIndex:stock_adjustments_order_line_key,priority:2"`
	ProductID     uuid.UUID                   `gorm:"column:product_id;type:uuid;not null"`
	VariantSKU    *string                     `gorm:"column:variant_sku"`
	Quantity      int                         `gorm:"column:quantity;not null"`
	Status        enums.StockAdjustmentStatus `gorm:"column:status;not null;index"`
	Reason        *string                     `gorm:"column:reason"`
	AttemptCount  int                         `gorm:"column:attempt_count;not null"`
	LastAttemptAt time.Time                   `gorm:"column:last_attempt_at;not null"`
	CreatedAt     time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *StockAdjustment) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
