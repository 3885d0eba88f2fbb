// Package stock owns every mutation of product and variant stock counters.
package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// Ledger performs single-statement conditional decrements. A false result means
// the counter held fewer units than requested and nothing changed.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	if tx == nil {
		return l
	}
	return &Ledger{db: tx}
}

// DecrementBaseStock decrements a product's base counter by qty if enough remains.
func (l *Ledger) DecrementBaseStock(ctx context.Context, productID uuid.UUID, qty int) (bool, error) {
	res := l.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND stock >= ?", productID, qty).
		Updates(map[string]any{
			"stock":      gorm.Expr("stock - ?", qty),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DecrementVariantStock decrements one variant's counter by qty if enough remains.
func (l *Ledger) DecrementVariantStock(ctx context.Context, productID uuid.UUID, sku string, qty int) (bool, error) {
	res := l.db.WithContext(ctx).
		Model(&models.ProductVariant{}).
		Where("product_id = ? AND sku = ? AND stock >= ?", productID, sku, qty).
		Updates(map[string]any{
			"stock":      gorm.Expr("stock - ?", qty),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
