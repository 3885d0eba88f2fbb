package cart

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/internal/catalog"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// Line is a client-submitted cart line. ClientName and ClientPrice are advisory
// and never used for pricing.
type Line struct {
	ProductID   uuid.UUID
	Quantity    int
	VariantSKU  string
	ClientName  string
	ClientPrice decimal.Decimal
}

// ValidatedLine is a cart line priced from current catalog state.
type ValidatedLine struct {
	ProductID  uuid.UUID
	Name       string
	ImageURL   string
	Quantity   int
	UnitPrice  decimal.Decimal
	VariantSKU string
}

func (l ValidatedLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Subtotal sums the line totals.
func Subtotal(lines []ValidatedLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal())
	}
	return total
}

// Validator reconciles client carts against the catalog.
type Validator struct {
	catalog  catalog.Snapshot
	maxLines int
}

func NewValidator(snapshot catalog.Snapshot, maxLines int) (*Validator, error) {
	if snapshot == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "catalog snapshot required")
	}
	return &Validator{catalog: snapshot, maxLines: maxLines}, nil
}

type bucket struct {
	productID uuid.UUID
	sku       string
}

// Validate returns every line priced by the catalog, or a single VALIDATION_ERROR
// listing each failing line. There is no partial result.
func (v *Validator) Validate(ctx context.Context, lines []Line) ([]ValidatedLine, error) {
	if len(lines) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}
	if v.maxLines > 0 && len(lines) > v.maxLines {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("cart exceeds %d lines", v.maxLines))
	}

	ids := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	states, err := v.catalog.Lookup(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load catalog state")
	}

	var errs error
	demand := make(map[bucket]int, len(lines))
	validated := make([]ValidatedLine, 0, len(lines))
	for i, line := range lines {
		if line.Quantity < 1 {
			errs = multierr.Append(errs, newLineError(i, KindInvalidQuantity, line, ""))
			continue
		}

		product, ok := states[line.ProductID]
		if !ok || !product.IsActive {
			errs = multierr.Append(errs, newLineError(i, KindProductUnavailable, line, ""))
			continue
		}

		price := product.Price
		available := product.Stock
		if line.VariantSKU != "" {
			variant, found := product.Variant(line.VariantSKU)
			if !found {
				errs = multierr.Append(errs, newLineError(i, KindVariantNotFound, line, product.Name))
				continue
			}
			price = variant.Price
			available = variant.Stock
		}

		key := bucket{productID: line.ProductID, sku: line.VariantSKU}
		demand[key] += line.Quantity
		switch {
		case available <= 0:
			errs = multierr.Append(errs, newLineError(i, KindOutOfStock, line, product.Name))
			continue
		case demand[key] > available:
			errs = multierr.Append(errs, newLineError(i, KindInsufficientStock, line, product.Name).withAvailable(available))
			continue
		}

		validated = append(validated, ValidatedLine{
			ProductID:  product.ID,
			Name:       product.Name,
			ImageURL:   product.ImageURL,
			Quantity:   line.Quantity,
			UnitPrice:  price,
			VariantSKU: line.VariantSKU,
		})
	}

	if errs != nil {
		return nil, pkgerrors.FromMulti(pkgerrors.CodeCartRejected, errs)
	}
	return validated, nil
}
