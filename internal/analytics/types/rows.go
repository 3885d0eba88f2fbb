package types

import (
	"time"

	cbigquery "cloud.google.com/go/bigquery"
)

// OrderFactRow mirrors the order_facts BigQuery schema. Amounts are minor units.
type OrderFactRow struct {
	EventID           string             `bigquery:"event_id"`
	OrderID           string             `bigquery:"order_id"`
	OrderNumber       string             `bigquery:"order_number"`
	BuyerID           string             `bigquery:"buyer_id"`
	CustomerID        *string            `bigquery:"customer_id"`
	Currency          string             `bigquery:"currency"`
	SubtotalMinor     int64              `bigquery:"subtotal_minor"`
	DiscountMinor     int64              `bigquery:"discount_minor"`
	ShippingMinor     int64              `bigquery:"shipping_minor"`
	TotalMinor        int64              `bigquery:"total_minor"`
	CouponCode        *string            `bigquery:"coupon_code"`
	LineCount         int64              `bigquery:"line_count"`
	Units             int64              `bigquery:"units"`
	ExternalPaymentID string             `bigquery:"external_payment_id"`
	Items             cbigquery.NullJSON `bigquery:"items"`
	PaidAt            time.Time          `bigquery:"paid_at"`
	OccurredAt        time.Time          `bigquery:"occurred_at"`
}
