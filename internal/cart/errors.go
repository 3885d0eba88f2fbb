package cart

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies why a cart line was rejected.
type Kind string

const (
	KindInvalidQuantity    Kind = "INVALID_QUANTITY"
	KindProductUnavailable Kind = "PRODUCT_UNAVAILABLE"
	KindVariantNotFound    Kind = "VARIANT_NOT_FOUND"
	KindOutOfStock         Kind = "OUT_OF_STOCK"
	KindInsufficientStock  Kind = "INSUFFICIENT_STOCK"
)

// LineError is one rejected cart line.
type LineError struct {
	Index      int
	Kind       Kind
	ProductID  uuid.UUID
	VariantSKU string
	Name       string
	Requested  int
	Available  int
}

func newLineError(index int, kind Kind, line Line, name string) *LineError {
	if name == "" {
		name = line.ClientName
	}
	if name == "" {
		name = line.ProductID.String()
	}
	return &LineError{
		Index:      index,
		Kind:       kind,
		ProductID:  line.ProductID,
		VariantSKU: line.VariantSKU,
		Name:       name,
		Requested:  line.Quantity,
	}
}

func (e *LineError) withAvailable(n int) *LineError {
	e.Available = n
	return e
}

func (e *LineError) Error() string {
	switch e.Kind {
	case KindInvalidQuantity:
		return fmt.Sprintf("item %d: quantity must be at least 1", e.Index+1)
	case KindProductUnavailable:
		return fmt.Sprintf("item %d: %s is no longer available", e.Index+1, e.Name)
	case KindVariantNotFound:
		return fmt.Sprintf("item %d: %s has no variant %q", e.Index+1, e.Name, e.VariantSKU)
	case KindOutOfStock:
		return fmt.Sprintf("item %d: %s is out of stock", e.Index+1, e.Name)
	case KindInsufficientStock:
		return fmt.Sprintf("item %d: only %d of %s left, requested %d", e.Index+1, e.Available, e.Name, e.Requested)
	default:
		return fmt.Sprintf("item %d: invalid", e.Index+1)
	}
}
