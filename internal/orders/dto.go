package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// OrderItemView is the API shape of one purchased line.
type OrderItemView struct {
	ProductID       uuid.UUID `json:"product_id"`
	ProductName     string    `json:"product_name"`
	ImageURL        *string   `json:"image_url,omitempty"`
	Quantity        int       `json:"quantity"`
	PriceAtPurchase string    `json:"price_at_purchase"`
	VariantSKU      *string   `json:"variant_sku,omitempty"`
	VariantSize     *string   `json:"variant_size,omitempty"`
	VariantColor    *string   `json:"variant_color,omitempty"`
}

// OrderView is the API shape of an order.
type OrderView struct {
	ID              uuid.UUID            `json:"id"`
	OrderNumber     string               `json:"order_number"`
	Status          enums.OrderStatus    `json:"status"`
	Email           string               `json:"email"`
	Currency        string               `json:"currency"`
	Subtotal        string               `json:"subtotal"`
	Discount        string               `json:"discount"`
	Shipping        string               `json:"shipping"`
	Total           string               `json:"total"`
	CouponCode      *string              `json:"coupon_code,omitempty"`
	ShippingAddress json.RawMessage      `json:"shipping_address,omitempty"`
	ReconcileState  enums.ReconcileState `json:"reconcile_state"`
	NeedsAttention  bool                 `json:"needs_attention"`
	AttentionReason *string              `json:"attention_reason,omitempty"`
	Items           []OrderItemView      `json:"items"`
	CreatedAt       time.Time            `json:"created_at"`
}

// AttentionList is one page of flagged orders.
type AttentionList struct {
	Orders     []OrderView `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func toView(order *models.Order) OrderView {
	view := OrderView{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		Status:          order.Status,
		Email:           order.Email,
		Currency:        order.Currency,
		Subtotal:        order.Subtotal.StringFixed(2),
		Discount:        order.Discount.StringFixed(2),
		Shipping:        order.Shipping.StringFixed(2),
		Total:           order.Total.StringFixed(2),
		CouponCode:      order.CouponCode,
		ShippingAddress: order.ShippingAddress,
		ReconcileState:  order.ReconcileState,
		NeedsAttention:  order.NeedsAttention,
		AttentionReason: order.AttentionReason,
		Items:           make([]OrderItemView, 0, len(order.Items)),
		CreatedAt:       order.CreatedAt,
	}
	for _, item := range order.Items {
		view.Items = append(view.Items, OrderItemView{
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			ImageURL:        item.ImageURL,
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase.StringFixed(2),
			VariantSKU:      item.VariantSKU,
			VariantSize:     item.VariantSize,
			VariantColor:    item.VariantColor,
		})
	}
	return view
}
