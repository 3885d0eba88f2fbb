package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/internal/catalog"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/money"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
)

const confirmationConsumer = "order-confirmation-email"

type orderLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type ConsumerParams struct {
	Orders       orderLoader
	Catalog      catalog.Snapshot
	Sender       Sender
	Subscription *pubsub.Subscriber
	Idempotency  *idempotency.Guard
	Logger       *logger.Logger
}

// Consumer sends order confirmation emails for queued confirmation events.
type Consumer struct {
	orders       orderLoader
	catalog      catalog.Snapshot
	sender       Sender
	subscription *pubsub.Subscriber
	idempotency  *idempotency.Guard
	logg         *logger.Logger
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog snapshot required")
	}
	if params.Sender == nil {
		return nil, fmt.Errorf("email sender required")
	}
	if params.Idempotency == nil {
		return nil, fmt.Errorf("idempotency guard required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		orders:       params.Orders,
		catalog:      params.Catalog,
		sender:       params.Sender,
		subscription: params.Subscription,
		idempotency:  params.Idempotency,
		logg:         params.Logger,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.subscription == nil {
		return fmt.Errorf("notification subscription required")
	}
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if result := c.process(ctx, msg); result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventOrderConfirmationRequested) {
		c.logg.Info(logCtx, "skipping non-confirmation event")
		return processResult{ack: true}
	}

	envelope, payload, err := registry.Open[payloads.OrderConfirmationRequestedEvent](msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "dropping unreadable confirmation event", err)
		return processResult{ack: true}
	}
	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithOrderNumber(logCtx, payload.OrderNumber)

	duplicate, err := c.idempotency.Once(logCtx, confirmationConsumer, eventID, func(ctx context.Context) error {
		return c.send(ctx, payload)
	})
	switch {
	case err != nil:
		c.logg.Error(logCtx, "order confirmation failed", err)
		return processResult{nack: true}
	case duplicate:
		c.logg.Info(logCtx, "confirmation already sent")
	default:
		c.logg.Info(logCtx, "order confirmation sent")
	}
	return processResult{ack: true}
}

func (c *Consumer) send(ctx context.Context, payload payloads.OrderConfirmationRequestedEvent) error {
	order, err := c.orders.FindByID(ctx, payload.OrderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return fmt.Errorf("order %s not found", payload.OrderID)
	}

	ids := make([]uuid.UUID, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
	}
	states, err := c.catalog.Lookup(ctx, ids)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	to := order.Email
	if payload.Email != "" {
		to = payload.Email
	}
	msg, err := BuildConfirmation(order, states).Render(to)
	if err != nil {
		return err
	}
	return c.sender.Send(ctx, msg)
}

type shippingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// BuildConfirmation renders item names and images from the current catalog,
// falling back to the snapshot stored on the order.
func BuildConfirmation(order *models.Order, states map[uuid.UUID]catalog.ProductState) Confirmation {
	out := Confirmation{
		OrderNumber: order.OrderNumber,
		Currency:    strings.ToUpper(order.Currency),
		Subtotal:    order.Subtotal.StringFixed(2),
		Discount:    order.Discount.StringFixed(2),
		Shipping:    order.Shipping.StringFixed(2),
		Total:       order.Total.StringFixed(2),
	}
	if order.CouponCode != nil {
		out.CouponCode = *order.CouponCode
	}
	for _, item := range order.Items {
		line := ConfirmationItem{
			Name:      item.ProductName,
			Quantity:  item.Quantity,
			UnitPrice: item.PriceAtPurchase.StringFixed(2),
			LineTotal: money.LineTotal(item.PriceAtPurchase, item.Quantity).StringFixed(2),
		}
		if item.ImageURL != nil {
			line.ImageURL = *item.ImageURL
		}
		if state, ok := states[item.ProductID]; ok {
			if state.Name != "" {
				line.Name = state.Name
			}
			if state.ImageURL != "" {
				line.ImageURL = state.ImageURL
			}
		}
		var variant []string
		if item.VariantSize != nil && *item.VariantSize != "" {
			variant = append(variant, *item.VariantSize)
		}
		if item.VariantColor != nil && *item.VariantColor != "" {
			variant = append(variant, *item.VariantColor)
		}
		line.Variant = strings.Join(variant, " / ")
		out.Items = append(out.Items, line)
	}

	if len(order.ShippingAddress) > 0 {
		var addr shippingAddress
		if err := json.Unmarshal(order.ShippingAddress, &addr); err == nil {
			cityLine := strings.TrimSpace(strings.Join(nonEmpty(addr.City, addr.State, addr.PostalCode), ", "))
			out.ShipTo = nonEmpty(addr.Name, addr.Line1, addr.Line2, cityLine, addr.Country)
		}
	}
	return out
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
