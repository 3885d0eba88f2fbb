// Package analytics writes order facts to BigQuery from order_paid events.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/internal/analytics/types"
	"github.com/angelmondragon/storefront-backend/internal/analytics/writer"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/money"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

type factWriter interface {
	InsertOrderFact(ctx context.Context, row types.OrderFactRow) error
}

// OrderFactHandler turns order_paid envelopes into order_facts rows.
type OrderFactHandler struct {
	writer factWriter
	logg   *logger.Logger
}

func NewOrderFactHandler(w factWriter, logg *logger.Logger) (*OrderFactHandler, error) {
	if w == nil {
		return nil, fmt.Errorf("order facts writer required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &OrderFactHandler{writer: w, logg: logg}, nil
}

func (h *OrderFactHandler) Handle(ctx context.Context, envelope types.Envelope) error {
	if envelope.EventType != enums.EventOrderPaid {
		return fmt.Errorf("%w: %s", types.ErrUnsupportedEventType, envelope.EventType)
	}
	var event payloads.OrderPaidEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return fmt.Errorf("%w: decode order_paid payload: %w", types.ErrFactRejected, err)
	}
	row, err := BuildOrderFact(envelope, event)
	if err != nil {
		return err
	}
	logCtx := h.logg.WithOrderNumber(ctx, event.OrderNumber)
	if err := h.writer.InsertOrderFact(logCtx, row); err != nil {
		return err
	}
	h.logg.Info(logCtx, "order fact written")
	return nil
}

// BuildOrderFact converts the decimal strings of an order_paid event to minor units.
func BuildOrderFact(envelope types.Envelope, event payloads.OrderPaidEvent) (types.OrderFactRow, error) {
	amounts := make([]int64, 4)
	for i, raw := range []string{event.Subtotal, event.Discount, event.Shipping, event.Total} {
		minor, err := toMinor(raw)
		if err != nil {
			return types.OrderFactRow{}, fmt.Errorf("%w: %w", types.ErrFactRejected, err)
		}
		amounts[i] = minor
	}

	items, err := writer.JSONColumn(event.Items)
	if err != nil {
		return types.OrderFactRow{}, err
	}
	var units int64
	for _, item := range event.Items {
		units += int64(item.Quantity)
	}

	row := types.OrderFactRow{
		EventID:           envelope.EventID,
		OrderID:           event.OrderID.String(),
		OrderNumber:       event.OrderNumber,
		BuyerID:           event.BuyerID,
		Currency:          event.Currency,
		SubtotalMinor:     amounts[0],
		DiscountMinor:     amounts[1],
		ShippingMinor:     amounts[2],
		TotalMinor:        amounts[3],
		LineCount:         int64(len(event.Items)),
		Units:             units,
		ExternalPaymentID: event.ExternalPaymentID,
		Items:             items,
		PaidAt:            event.PaidAt.UTC(),
		OccurredAt:        envelope.OccurredAt.UTC(),
	}
	if event.CustomerID != nil {
		id := event.CustomerID.String()
		row.CustomerID = &id
	}
	if event.CouponCode != "" {
		code := event.CouponCode
		row.CouponCode = &code
	}
	if row.PaidAt.IsZero() {
		row.PaidAt = row.OccurredAt
	}
	return row, nil
}

func toMinor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return money.ToMinor(amount)
}
