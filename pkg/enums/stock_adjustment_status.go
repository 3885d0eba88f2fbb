package enums

// StockAdjustmentStatus records the outcome of one order line's stock decrement.
type StockAdjustmentStatus string

const (
	StockAdjustmentPending   StockAdjustmentStatus = "pending"
	StockAdjustmentApplied   StockAdjustmentStatus = "applied"
	StockAdjustmentFailed    StockAdjustmentStatus = "failed"
	StockAdjustmentExhausted StockAdjustmentStatus = "exhausted"
)
