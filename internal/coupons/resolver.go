// Package coupons resolves promotional codes into discount descriptors.
package coupons

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// Reasons a code is ignored. None of them blocks checkout.
const (
	ReasonNotFound       = "coupon not found or inactive"
	ReasonExpired        = "coupon expired"
	ReasonUsageExhausted = "coupon usage limit reached"
	ReasonBelowMinimum   = "subtotal below coupon minimum"
)

// Discount is a validated coupon ready to be applied to a checkout session.
type Discount struct {
	Code  string
	Type  enums.CouponType
	Value decimal.Decimal
}

// Amount is the discount in major units for subtotal, never more than subtotal.
func (d Discount) Amount(subtotal decimal.Decimal) decimal.Decimal {
	var off decimal.Decimal
	switch d.Type {
	case enums.CouponTypePercentage:
		off = subtotal.Mul(d.Value).Div(decimal.NewFromInt(100)).Round(2)
	default:
		off = d.Value
	}
	if off.GreaterThan(subtotal) {
		return subtotal
	}
	return off
}

// Resolution carries either a Discount or the reason the code was ignored.
type Resolution struct {
	Discount      *Discount
	IgnoredReason string
}

func (r Resolution) Applied() bool {
	return r.Discount != nil
}

type couponStore interface {
	FindActiveByCode(ctx context.Context, code string) (*models.Coupon, error)
}

// Resolver validates codes against expiry, usage and minimum purchase.
type Resolver struct {
	store couponStore
	now   func() time.Time
}

func NewResolver(store couponStore) (*Resolver, error) {
	if store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "coupon store required")
	}
	return &Resolver{store: store, now: time.Now}, nil
}

// Resolve never consumes usage; that happens when an order is reconciled.
// An empty code resolves to an empty Resolution.
func (r *Resolver) Resolve(ctx context.Context, code string, subtotal decimal.Decimal) (Resolution, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Resolution{}, nil
	}

	coupon, err := r.store.FindActiveByCode(ctx, code)
	if err != nil {
		return Resolution{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup coupon")
	}
	if coupon == nil {
		return Resolution{IgnoredReason: ReasonNotFound}, nil
	}
	if !coupon.ExpirationDate.After(r.now()) {
		return Resolution{IgnoredReason: ReasonExpired}, nil
	}
	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return Resolution{IgnoredReason: ReasonUsageExhausted}, nil
	}
	if subtotal.LessThan(coupon.MinPurchaseAmount) {
		return Resolution{IgnoredReason: ReasonBelowMinimum}, nil
	}

	return Resolution{Discount: &Discount{
		Code:  coupon.Code,
		Type:  coupon.Type,
		Value: coupon.Value,
	}}, nil
}
