package models

// All lists every persisted model, in dependency order, for schema bootstrapping in tests.
func All() []any {
	return []any{
		&Product{},
		&ProductVariant{},
		&Customer{},
		&Coupon{},
		&Order{},
		&OrderItem{},
		&StockAdjustment{},
		&WebhookDeadLetter{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
