package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/api/validators"
	"github.com/angelmondragon/storefront-backend/internal/cart"
	checkoutsvc "github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/customers"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const maxCouponCodeLength = 64

type checkoutStarter interface {
	Start(ctx context.Context, input checkoutsvc.StartInput) (*checkoutsvc.StartResult, error)
}

type checkoutRequest struct {
	Lines      []checkoutLineRequest `json:"lines" validate:"required,min=1,max=50,dive"`
	CouponCode string                `json:"coupon_code,omitempty" validate:"omitempty,max=64,coupon_code"`
}

// Name and Price are accepted so clients can echo their cart, but pricing ignores them.
type checkoutLineRequest struct {
	ProductID  uuid.UUID        `json:"product_id" validate:"required"`
	Quantity   int              `json:"quantity" validate:"required,min=1"`
	VariantSKU string           `json:"variant_sku,omitempty" validate:"omitempty,max=64"`
	Name       string           `json:"name,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
}

// Checkout validates the submitted cart and opens a hosted payment session for the caller.
func Checkout(svc checkoutStarter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		buyer, err := buyerFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Start(ctx, checkoutsvc.StartInput{
			Buyer:      buyer,
			Lines:      payload.toLines(),
			CouponCode: validators.CleanText(payload.CouponCode, maxCouponCodeLength),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

func (p checkoutRequest) toLines() []cart.Line {
	lines := make([]cart.Line, 0, len(p.Lines))
	for _, line := range p.Lines {
		item := cart.Line{
			ProductID:  line.ProductID,
			Quantity:   line.Quantity,
			VariantSKU: strings.TrimSpace(line.VariantSKU),
			ClientName: line.Name,
		}
		if line.Price != nil {
			item.ClientPrice = *line.Price
		}
		lines = append(lines, item)
	}
	return lines
}

func buyerFromContext(ctx context.Context) (customers.Buyer, error) {
	subject := middleware.UserIDFromContext(ctx)
	if subject == "" {
		return customers.Buyer{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer identity required")
	}
	email := middleware.EmailFromContext(ctx)
	if email == "" {
		return customers.Buyer{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer email claim required")
	}
	return customers.Buyer{
		Subject: subject,
		Email:   email,
		Name:    middleware.NameFromContext(ctx),
	}, nil
}
