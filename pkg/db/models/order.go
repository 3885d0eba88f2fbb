package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Order is created exactly once per external payment id.
type Order struct {
	ID                uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber       string               `gorm:"column:order_number;not null;uniqueIndex:orders_order_number_key"`
	BuyerID           string               `gorm:"column:buyer_id;not null;index"`
	CustomerID        *uuid.UUID           `gorm:"column:customer_id;type:uuid"`
	Email             string               `gorm:"column:email;not null"`
	Status            enums.OrderStatus    `gorm:"column:status;not null"`
	Subtotal          decimal.Decimal      `gorm:"column:subtotal;type:numeric(12,2);not null"`
	Discount          decimal.Decimal      `gorm:"column:discount;type:numeric(12,2);not null"`
	Shipping          decimal.Decimal      `gorm:"column:shipping;type:numeric(12,2);not null"`
	Total             decimal.Decimal      `gorm:"column:total;type:numeric(12,2);not null"`
	Currency          string               `gorm:"column:currency;not null"`
	CouponCode        *string              `gorm:"column:coupon_code"`
	ShippingAddress   json.RawMessage      `gorm:"column:shipping_address;type:jsonb"`
	ExternalPaymentID string               `gorm:"column:external_payment_id;not null;uniqueIndex:orders_external_payment_id_key"`
	CheckoutSessionID string               `gorm:"column:checkout_session_id;not null;index"`
	ReconcileState    enums.ReconcileState `gorm:"column:reconcile_state;not null"`
	NeedsAttention    bool                 `gorm:"column:needs_attention;not null;default:false"`
	AttentionReason   *string              `gorm:"column:attention_reason"`
	Items             []OrderItem          `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt         time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

// OrderItem is an immutable snapshot of one purchased line.
type OrderItem struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrderID         uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	LineIndex       int             `gorm:"column:line_index;not null"`
	ProductID       uuid.UUID       `gorm:"column:product_id;type:uuid;not null"`
	ProductName     string          `gorm:"column:product_name;not null"`
	ImageURL        *string         `gorm:"column:image_url"`
	Quantity        int             `gorm:"column:quantity;not null"`
	PriceAtPurchase decimal.Decimal `gorm:"column:price_at_purchase;type:numeric(12,2);not null"`
	VariantSKU      *string         `gorm:"column:variant_sku"`
	VariantSize     *string         `gorm:"column:variant_size"`
	VariantColor    *string         `gorm:"column:variant_color"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	ensureID(&i.ID)
	return nil
}

func (o Order) PageKey() pagination.Cursor {
	return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
}
