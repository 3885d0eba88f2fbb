// Package checkout validates carts and opens hosted payment sessions for them.
package checkout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/coupons"
	"github.com/angelmondragon/storefront-backend/internal/customers"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type cartValidator interface {
	Validate(ctx context.Context, lines []cart.Line) ([]cart.ValidatedLine, error)
}

type couponResolver interface {
	Resolve(ctx context.Context, code string, subtotal decimal.Decimal) (coupons.Resolution, error)
}

type customerDirectory interface {
	Resolve(ctx context.Context, buyer customers.Buyer) (customers.Resolved, error)
}

type sessionCreator interface {
	Create(ctx context.Context, in SessionInput) (SessionResult, error)
}

// Service starts checkouts.
type Service interface {
	Start(ctx context.Context, input StartInput) (*StartResult, error)
}

// StartInput is a buyer's cart plus an optional coupon code.
type StartInput struct {
	Buyer      customers.Buyer
	Lines      []cart.Line
	CouponCode string
}

// StartResult is the redirect target for the buyer.
type StartResult struct {
	SessionID string          `json:"session_id"`
	URL       string          `json:"url"`
	Subtotal  string          `json:"subtotal"`
	Discount  DiscountOutcome `json:"discount"`
}

type service struct {
	validator cartValidator
	coupons   couponResolver
	customers customerDirectory
	sessions  sessionCreator
	timeout   time.Duration
	logg      *logger.Logger
}

type ServiceParams struct {
	Validator      cartValidator
	Coupons        couponResolver
	Customers      customerDirectory
	Sessions       sessionCreator
	GatewayTimeout time.Duration
	Logger         *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.Validator == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cart validator required")
	}
	if params.Coupons == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "coupon resolver required")
	}
	if params.Customers == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer directory required")
	}
	if params.Sessions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "session factory required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &service{
		validator: params.Validator,
		coupons:   params.Coupons,
		customers: params.Customers,
		sessions:  params.Sessions,
		timeout:   params.GatewayTimeout,
		logg:      params.Logger,
	}, nil
}

// Start writes no order, stock or coupon state. The only local write is the
// customer mapping recorded while resolving the gateway customer, which is
// reusable on the next attempt.
func (s *service) Start(ctx context.Context, input StartInput) (*StartResult, error) {
	if input.Buyer.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer identity required")
	}
	ctx = s.logg.WithUserID(ctx, input.Buyer.Subject)

	lines, err := s.validator.Validate(ctx, input.Lines)
	if err != nil {
		return nil, err
	}
	subtotal := cart.Subtotal(lines)

	var discount *coupons.Discount
	outcome := DiscountOutcome{Status: DiscountNone}
	if input.CouponCode != "" {
		resolution, err := s.coupons.Resolve(ctx, input.CouponCode, subtotal)
		switch {
		case err != nil:
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "coupon lookup failed, continuing without discount")
			outcome = skipped(input.CouponCode, "discount could not be applied")
		case resolution.Applied():
			discount = resolution.Discount
		default:
			outcome = skipped(input.CouponCode, resolution.IgnoredReason)
		}
	}

	gatewayCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		gatewayCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resolved, err := s.customers.Resolve(gatewayCtx, input.Buyer)
	if err != nil {
		return nil, err
	}

	meta := Metadata{
		BuyerID:    input.Buyer.Subject,
		BuyerEmail: input.Buyer.Email,
		CustomerID: resolved.CustomerID.String(),
		Lines:      make([]MetadataLine, 0, len(lines)),
	}
	for _, line := range lines {
		meta.Lines = append(meta.Lines, MetadataLine{
			ProductID:  line.ProductID,
			Quantity:   line.Quantity,
			VariantSKU: line.VariantSKU,
		})
	}

	result, err := s.sessions.Create(gatewayCtx, SessionInput{
		Lines:             lines,
		Metadata:          meta,
		GatewayCustomerID: resolved.GatewayCustomerID,
		Discount:          discount,
		Subtotal:          subtotal,
	})
	if err != nil {
		return nil, err
	}
	if discount != nil {
		outcome = result.Discount
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"session_id":      result.SessionID,
		"line_count":      len(lines),
		"subtotal":        subtotal.StringFixed(2),
		"discount_status": string(outcome.Status),
	})
	if outcome.Reason != "" {
		logCtx = s.logg.WithField(logCtx, "discount_reason", outcome.Reason)
	}
	s.logg.Info(logCtx, "checkout session created")

	return &StartResult{
		SessionID: result.SessionID,
		URL:       result.URL,
		Subtotal:  subtotal.StringFixed(2),
		Discount:  outcome,
	}, nil
}
