package checkout

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/coupons"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/money"
	"github.com/angelmondragon/storefront-backend/pkg/stripe"
)

// DiscountStatus tags what happened to a requested discount.
type DiscountStatus string

const (
	DiscountNone    DiscountStatus = "none"
	DiscountApplied DiscountStatus = "applied"
	DiscountSkipped DiscountStatus = "skipped"
)

// DiscountOutcome is carried by every session so the discount decision is explicit.
type DiscountOutcome struct {
	Status   DiscountStatus `json:"status"`
	Code     string         `json:"code,omitempty"`
	CouponID string         `json:"-"`
	Amount   string         `json:"amount,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

func skipped(code, reason string) DiscountOutcome {
	return DiscountOutcome{Status: DiscountSkipped, Code: code, Reason: reason}
}

type sessionGateway interface {
	CreateCoupon(ctx context.Context, req stripe.CouponRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req stripe.SessionRequest) (stripe.Session, error)
}

// SessionInput is a validated cart ready for payment.
type SessionInput struct {
	Lines             []cart.ValidatedLine
	Metadata          Metadata
	GatewayCustomerID string
	Discount          *coupons.Discount
	Subtotal          decimal.Decimal
}

// SessionResult is the hosted payment handle plus the discount decision.
type SessionResult struct {
	SessionID string
	URL       string
	Discount  DiscountOutcome
}

// SessionFactory turns validated lines into a hosted checkout session.
type SessionFactory struct {
	gateway           sessionGateway
	baseURL           string
	shippingCountries []string
	logg              *logger.Logger
}

type SessionFactoryParams struct {
	Gateway           sessionGateway
	BaseURL           string
	ShippingCountries []string
	Logger            *logger.Logger
}

func NewSessionFactory(params SessionFactoryParams) (*SessionFactory, error) {
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "session gateway required")
	}
	if strings.TrimSpace(params.BaseURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "base url required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &SessionFactory{
		gateway:           params.Gateway,
		baseURL:           strings.TrimRight(params.BaseURL, "/"),
		shippingCountries: params.ShippingCountries,
		logg:              params.Logger,
	}, nil
}

// SuccessURL is where the gateway returns the buyer after payment.
func (f *SessionFactory) SuccessURL() string {
	return f.baseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is where the gateway returns the buyer after abandoning payment.
func (f *SessionFactory) CancelURL() string {
	return f.baseURL + "/cart"
}

func (f *SessionFactory) Create(ctx context.Context, in SessionInput) (SessionResult, error) {
	items, err := toGatewayLines(in.Lines)
	if err != nil {
		return SessionResult{}, err
	}
	if _, err := in.Metadata.Encode(); err != nil {
		return SessionResult{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "cart cannot be checked out as submitted")
	}

	outcome := DiscountOutcome{Status: DiscountNone}
	if in.Discount != nil {
		outcome = f.registerDiscount(ctx, *in.Discount, in.Subtotal)
	}

	// Usage is only counted at reconciliation for discounts the gateway will apply.
	meta := in.Metadata
	meta.CouponCode = ""
	if outcome.Status == DiscountApplied {
		meta.CouponCode = outcome.Code
	}
	metadata, err := meta.Encode()
	if err != nil {
		return SessionResult{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "cart cannot be checked out as submitted")
	}

	session, err := f.gateway.CreateCheckoutSession(ctx, stripe.SessionRequest{
		CustomerID:        in.GatewayCustomerID,
		LineItems:         items,
		CouponID:          outcome.CouponID,
		SuccessURL:        f.SuccessURL(),
		CancelURL:         f.CancelURL(),
		Metadata:          metadata,
		ShippingCountries: f.shippingCountries,
	})
	if err != nil {
		return SessionResult{}, pkgerrors.Wrap(pkgerrors.CodePaymentGateway, err, "create checkout session")
	}
	return SessionResult{SessionID: session.ID, URL: session.URL, Discount: outcome}, nil
}

// registerDiscount never fails the checkout; a gateway error yields a skipped outcome.
func (f *SessionFactory) registerDiscount(ctx context.Context, discount coupons.Discount, subtotal decimal.Decimal) DiscountOutcome {
	amount := discount.Amount(subtotal)
	req := stripe.CouponRequest{Name: discount.Code}
	switch discount.Type {
	case enums.CouponTypePercentage:
		req.PercentOff = discount.Value.InexactFloat64()
	default:
		minor, err := money.ToMinor(amount)
		if err != nil {
			return skipped(discount.Code, err.Error())
		}
		req.AmountOff = minor
	}

	couponID, err := f.gateway.CreateCoupon(ctx, req)
	if err != nil {
		logCtx := f.logg.WithFields(ctx, map[string]any{
			"coupon_code": discount.Code,
			"error":       err.Error(),
		})
		f.logg.Warn(logCtx, "gateway coupon creation failed, continuing without discount")
		return skipped(discount.Code, "discount could not be applied")
	}
	return DiscountOutcome{
		Status:   DiscountApplied,
		Code:     discount.Code,
		CouponID: couponID,
		Amount:   amount.StringFixed(2),
	}
}

func toGatewayLines(lines []cart.ValidatedLine) ([]stripe.LineItem, error) {
	items := make([]stripe.LineItem, 0, len(lines))
	for i, line := range lines {
		unit, err := money.ToMinor(line.UnitPrice)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("item %d: price cannot be charged", i+1))
		}
		items = append(items, stripe.LineItem{
			Name:       line.Name,
			ImageURL:   line.ImageURL,
			UnitAmount: unit,
			Quantity:   int64(line.Quantity),
			ProductID:  line.ProductID.String(),
			VariantSKU: line.VariantSKU,
		})
	}
	return items, nil
}
