package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
)

const (
	// MetadataProductID tags a gateway product with the catalog product it was built from.
	MetadataProductID = "product_id"
	// MetadataVariantSKU tags a gateway product with the purchased variant, if any.
	MetadataVariantSKU = "variant_sku"
)

// LineItem is one priced line sent to the hosted checkout page.
type LineItem struct {
	Name       string
	ImageURL   string
	UnitAmount int64
	Quantity   int64
	ProductID  string
	VariantSKU string
}

// CouponRequest describes a single-use discount scoped to one checkout session.
// Exactly one of PercentOff or AmountOff is set.
type CouponRequest struct {
	Name       string
	PercentOff float64
	AmountOff  int64
}

// SessionRequest is everything needed to open a hosted checkout session.
type SessionRequest struct {
	CustomerID        string
	LineItems         []LineItem
	CouponID          string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
	ShippingCountries []string
}

// Session is the handle returned after creating a checkout session.
type Session struct {
	ID  string
	URL string
}

// ChargedLine is the amount the gateway actually charged for one session line.
type ChargedLine struct {
	ProductID   string
	VariantSKU  string
	Description string
	Quantity    int64
	AmountTotal int64
}

// Gateway performs the remote calls the checkout pipeline needs against Stripe.
type Gateway struct {
	api      *stripe.Client
	currency string
}

// NewGateway binds the gateway to an explicitly constructed client.
func NewGateway(client *Client) (*Gateway, error) {
	if client == nil || client.api == nil {
		return nil, errors.New("stripe client is required")
	}
	return &Gateway{api: client.api, currency: client.currency}, nil
}

// CreateCoupon registers a one-time coupon redeemable once and returns its id.
func (g *Gateway) CreateCoupon(ctx context.Context, req CouponRequest) (string, error) {
	params := &stripe.CouponCreateParams{
		Duration:       stripe.String(string(stripe.CouponDurationOnce)),
		MaxRedemptions: stripe.Int64(1),
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	switch {
	case req.PercentOff > 0:
		params.PercentOff = stripe.Float64(req.PercentOff)
	case req.AmountOff > 0:
		params.AmountOff = stripe.Int64(req.AmountOff)
		params.Currency = stripe.String(g.currency)
	default:
		return "", errors.New("coupon requires percent_off or amount_off")
	}

	coupon, err := g.api.V1Coupons.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create stripe coupon: %w", err)
	}
	return coupon.ID, nil
}

// FindCustomerByEmail returns the first customer with the given email or "" when none exists.
func (g *Gateway) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("email:'%s'", escapeSearchValue(email)),
			Limit: stripe.Int64(1),
		},
	}
	for customer, err := range g.api.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("search stripe customers: %w", err)
		}
		if customer != nil {
			return customer.ID, nil
		}
	}
	return "", nil
}

// CreateCustomer creates a gateway customer for the email.
func (g *Gateway) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error) {
	params := &stripe.CustomerCreateParams{
		Email:    stripe.String(email),
		Metadata: metadata,
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	customer, err := g.api.V1Customers.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession opens a payment-mode hosted checkout session.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (Session, error) {
	if len(req.LineItems) == 0 {
		return Session{}, errors.New("checkout session requires at least one line item")
	}

	lineItems := make([]*stripe.CheckoutSessionCreateLineItemParams, 0, len(req.LineItems))
	for _, item := range req.LineItems {
		product := &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
			Metadata: map[string]string{
				MetadataProductID:  item.ProductID,
				MetadataVariantSKU: item.VariantSKU,
			},
		}
		if item.ImageURL != "" {
			product.Images = stripe.StringSlice([]string{item.ImageURL})
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionCreateLineItemParams{
			Quantity: stripe.Int64(item.Quantity),
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency:    stripe.String(g.currency),
				UnitAmount:  stripe.Int64(item.UnitAmount),
				ProductData: product,
			},
		})
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:  lineItems,
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   req.Metadata,
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.CouponID != "" {
		params.Discounts = []*stripe.CheckoutSessionCreateDiscountParams{
			{Coupon: stripe.String(req.CouponID)},
		}
	}
	if len(req.ShippingCountries) > 0 {
		params.ShippingAddressCollection = &stripe.CheckoutSessionCreateShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(req.ShippingCountries),
		}
	}

	session, err := g.api.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return Session{}, fmt.Errorf("create stripe checkout session: %w", err)
	}
	return Session{ID: session.ID, URL: session.URL}, nil
}

// ListLineItems returns the charged lines of a completed session in gateway order.
func (g *Gateway) ListLineItems(ctx context.Context, sessionID string) ([]ChargedLine, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	params.AddExpand("data.price.product")

	var lines []ChargedLine
	for item, err := range g.api.V1CheckoutSessions.ListLineItems(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("list stripe line items: %w", err)
		}
		line := ChargedLine{
			Description: item.Description,
			Quantity:    item.Quantity,
			AmountTotal: item.AmountTotal,
		}
		if item.Price != nil && item.Price.Product != nil {
			line.ProductID = item.Price.Product.Metadata[MetadataProductID]
			line.VariantSKU = item.Price.Product.Metadata[MetadataVariantSKU]
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func escapeSearchValue(v string) string {
	return strings.ReplaceAll(strings.TrimSpace(v), "'", `\'`)
}
