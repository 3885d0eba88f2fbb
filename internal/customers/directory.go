// Package customers maps buyers to internal customers and payment gateway customers.
package customers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type customerStore interface {
	Ensure(ctx context.Context, subject, email, name string) (*models.Customer, error)
	SetGatewayCustomerID(ctx context.Context, id uuid.UUID, gatewayID string) error
}

type cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	CustomerKey(email string) string
}

type gateway interface {
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error)
}

// Buyer is the authenticated identity starting a checkout.
type Buyer struct {
	Subject string
	Email   string
	Name    string
}

// Resolved pairs the internal customer id with its gateway customer id.
type Resolved struct {
	CustomerID        uuid.UUID
	GatewayCustomerID string
}

type Directory struct {
	store   customerStore
	cache   cache
	gateway gateway
	ttl     time.Duration
	logg    *logger.Logger
}

type DirectoryParams struct {
	Store   customerStore
	Cache   cache
	Gateway gateway
	TTL     time.Duration
	Logger  *logger.Logger
}

func NewDirectory(params DirectoryParams) (*Directory, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer store required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer gateway required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Directory{
		store:   params.Store,
		cache:   params.Cache,
		gateway: params.Gateway,
		ttl:     ttl,
		logg:    params.Logger,
	}, nil
}

// Resolve finds or creates the gateway customer for the buyer's email, checking
// the cache, then the stored id, then a gateway search before creating one.
func (d *Directory) Resolve(ctx context.Context, buyer Buyer) (Resolved, error) {
	email := strings.ToLower(strings.TrimSpace(buyer.Email))
	if buyer.Subject == "" || email == "" {
		return Resolved{}, pkgerrors.New(pkgerrors.CodeValidation, "buyer identity and email are required")
	}

	customer, err := d.store.Ensure(ctx, buyer.Subject, email, buyer.Name)
	if err != nil {
		return Resolved{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ensure customer")
	}
	out := Resolved{CustomerID: customer.ID}
	ctx = d.logg.WithFields(ctx, map[string]any{"customer_id": customer.ID.String()})

	if cached := d.cached(ctx, email); cached != "" {
		out.GatewayCustomerID = cached
		d.persist(ctx, customer, cached)
		return out, nil
	}
	if customer.GatewayCustomerID != nil && *customer.GatewayCustomerID != "" {
		out.GatewayCustomerID = *customer.GatewayCustomerID
		d.remember(ctx, email, out.GatewayCustomerID)
		return out, nil
	}

	gatewayID, err := d.gateway.FindCustomerByEmail(ctx, email)
	if err != nil {
		return Resolved{}, pkgerrors.Wrap(pkgerrors.CodePaymentGateway, err, "lookup payment customer")
	}
	if gatewayID == "" {
		gatewayID, err = d.gateway.CreateCustomer(ctx, email, buyer.Name, map[string]string{
			"customer_id": customer.ID.String(),
			"buyer_id":    buyer.Subject,
		})
		if err != nil {
			return Resolved{}, pkgerrors.Wrap(pkgerrors.CodePaymentGateway, err, "create payment customer")
		}
		d.logg.Info(ctx, "payment customer created")
	}

	out.GatewayCustomerID = gatewayID
	d.persist(ctx, customer, gatewayID)
	d.remember(ctx, email, gatewayID)
	return out, nil
}

func (d *Directory) cached(ctx context.Context, email string) string {
	if d.cache == nil {
		return ""
	}
	value, err := d.cache.Get(ctx, d.cache.CustomerKey(email))
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "customer cache read failed")
		}
		return ""
	}
	return value
}

func (d *Directory) remember(ctx context.Context, email, gatewayID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, d.cache.CustomerKey(email), gatewayID, d.ttl); err != nil {
		d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "customer cache write failed")
	}
}

func (d *Directory) persist(ctx context.Context, customer *models.Customer, gatewayID string) {
	if customer.GatewayCustomerID != nil && *customer.GatewayCustomerID == gatewayID {
		return
	}
	if err := d.store.SetGatewayCustomerID(ctx, customer.ID, gatewayID); err != nil {
		d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "persist gateway customer id failed")
	}
}
