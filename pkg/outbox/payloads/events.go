package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// OrderPaidItem is one purchased line as charged by the gateway.
type OrderPaidItem struct {
	ProductID  uuid.UUID `json:"product_id"`
	VariantSKU string    `json:"variant_sku,omitempty"`
	Quantity   int       `json:"quantity"`
	UnitPrice  string    `json:"unit_price"`
}

// OrderPaidEvent is emitted in the same transaction that persists a reconciled order.
type OrderPaidEvent struct {
	OrderID           uuid.UUID       `json:"order_id"`
	OrderNumber       string          `json:"order_number"`
	BuyerID           string          `json:"buyer_id"`
	CustomerID        *uuid.UUID      `json:"customer_id,omitempty"`
	Email             string          `json:"email"`
	Currency          string          `json:"currency"`
	Subtotal          string          `json:"subtotal"`
	Discount          string          `json:"discount"`
	Shipping          string          `json:"shipping"`
	Total             string          `json:"total"`
	CouponCode        string          `json:"coupon_code,omitempty"`
	ExternalPaymentID string          `json:"external_payment_id"`
	Items             []OrderPaidItem `json:"items"`
	PaidAt            time.Time       `json:"paid_at"`
}

// OrderConfirmationRequestedEvent asks the notification worker to email the buyer.
type OrderConfirmationRequestedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Email       string    `json:"email"`
}

// OrderStatusChangedEvent records an admin-driven fulfillment transition.
type OrderStatusChangedEvent struct {
	OrderID     uuid.UUID         `json:"order_id"`
	OrderNumber string            `json:"order_number"`
	From        enums.OrderStatus `json:"from"`
	To          enums.OrderStatus `json:"to"`
	ChangedBy   string            `json:"changed_by"`
}
