package enums

// ReconcileState is a step of turning a completed payment into an order.
type ReconcileState string

const (
	ReconcileReceived        ReconcileState = "received"
	ReconcileDeduplicated    ReconcileState = "deduplicated"
	ReconcileAwaitingPayment ReconcileState = "awaiting_payment"
	ReconcileMetadataInvalid ReconcileState = "metadata_invalid"
	ReconcileMaterializing   ReconcileState = "materializing"
	ReconcilePersisted       ReconcileState = "persisted"
	ReconcileStockAdjusted   ReconcileState = "stock_adjusted"
	ReconcileNotified        ReconcileState = "notified"
	ReconcilePartiallyFailed ReconcileState = "partially_failed"
)

// String implements fmt.Stringer.
func (s ReconcileState) String() string {
	return string(s)
}

// IsTerminal reports whether no further reconciliation step follows s.
func (s ReconcileState) IsTerminal() bool {
	switch s {
	case ReconcileDeduplicated, ReconcileAwaitingPayment, ReconcileMetadataInvalid, ReconcileNotified, ReconcilePartiallyFailed:
		return true
	default:
		return false
	}
}
