// Package catalog exposes read-only product and variant state to checkout.
package catalog

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// VariantState is the current price and stock of one variant. Price already
// falls back to the product price when the variant has none of its own.
type VariantState struct {
	SKU   string
	Size  *string
	Color *string
	Price decimal.Decimal
	Stock int
}

// ProductState is the current catalog view of one product.
type ProductState struct {
	ID       uuid.UUID
	Name     string
	ImageURL string
	Price    decimal.Decimal
	Stock    int
	IsActive bool
	Variants []VariantState
}

// HasVariants reports whether the product is sold per variant.
func (p ProductState) HasVariants() bool {
	return len(p.Variants) > 0
}

// Variant finds a variant by SKU.
func (p ProductState) Variant(sku string) (VariantState, bool) {
	for _, v := range p.Variants {
		if v.SKU == sku {
			return v, true
		}
	}
	return VariantState{}, false
}

// Snapshot returns current state for a set of product ids. Missing ids are absent from the map.
type Snapshot interface {
	Lookup(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ProductState, error)
}

type Repository struct {
	db *gorm.DB
}

// NewRepository builds a catalog snapshot reader bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func (r *Repository) Lookup(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ProductState, error) {
	out := make(map[uuid.UUID]ProductState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var products []models.Product
	err := r.db.WithContext(ctx).
		Preload("Variants", func(db *gorm.DB) *gorm.DB { return db.Order("sku ASC") }).
		Where("id IN ?", dedupe(ids)).
		Find(&products).Error
	if err != nil {
		return nil, err
	}

	for _, p := range products {
		out[p.ID] = toState(p)
	}
	return out, nil
}

func toState(p models.Product) ProductState {
	state := ProductState{
		ID:       p.ID,
		Name:     p.Name,
		Price:    p.Price,
		Stock:    p.Stock,
		IsActive: p.IsActive,
	}
	if p.ImageURL != nil {
		state.ImageURL = *p.ImageURL
	}
	for _, v := range p.Variants {
		price := p.Price
		if v.Price != nil {
			price = *v.Price
		}
		state.Variants = append(state.Variants, VariantState{
			SKU:   v.SKU,
			Size:  v.Size,
			Color: v.Color,
			Price: price,
			Stock: v.Stock,
		})
	}
	return state
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
