// Package stripewebhook turns verified Stripe checkout events into persisted orders.
package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/catalog"
	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/stock"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/money"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	stripeclient "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

const maxOrderNumberAttempts = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type lineItemSource interface {
	ListLineItems(ctx context.Context, sessionID string) ([]stripeclient.ChargedLine, error)
}

type stockPlanner interface {
	PlanTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, lines []stock.Line) error
	ApplyOrder(ctx context.Context, orderID uuid.UUID) ([]stock.Outcome, error)
}

type couponUsage interface {
	IncrementUsage(ctx context.Context, code string) (bool, error)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type confirmationDispatcher interface {
	Dispatch(ctx context.Context, order *models.Order) error
}

type deadLetterStore interface {
	Record(ctx context.Context, eventID, eventType, sessionID string, payload []byte, reason string) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookDeadLetter, error)
	MarkReplayed(ctx context.Context, id uuid.UUID, resolved bool, reason string) error
}

type ReconcilerParams struct {
	Orders            *orders.Repository
	Catalog           catalog.Snapshot
	LineItems         lineItemSource
	Stock             stockPlanner
	Coupons           couponUsage
	Outbox            outboxEmitter
	Dispatcher        confirmationDispatcher
	DeadLetters       deadLetterStore
	TransactionRunner txRunner
	Metrics           *metrics.WebhookMetrics
	Currency          string
	Logger            *logger.Logger
}

// Reconciler runs the received → persisted → stock_adjusted → notified state machine.
type Reconciler struct {
	orders      *orders.Repository
	catalog     catalog.Snapshot
	lineItems   lineItemSource
	stock       stockPlanner
	coupons     couponUsage
	outbox      outboxEmitter
	dispatcher  confirmationDispatcher
	deadLetters deadLetterStore
	tx          txRunner
	metrics     *metrics.WebhookMetrics
	currency    string
	logg        *logger.Logger
	now         func() time.Time
}

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	switch {
	case params.Orders == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repository required")
	case params.Catalog == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "catalog snapshot required")
	case params.LineItems == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "line item source required")
	case params.Stock == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stock service required")
	case params.Coupons == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "coupon repository required")
	case params.Outbox == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	case params.Dispatcher == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notification dispatcher required")
	case params.DeadLetters == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "dead letter store required")
	case params.TransactionRunner == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	case params.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	currency := strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "inr"
	}
	return &Reconciler{
		orders:      params.Orders,
		catalog:     params.Catalog,
		lineItems:   params.LineItems,
		stock:       params.Stock,
		coupons:     params.Coupons,
		outbox:      params.Outbox,
		dispatcher:  params.Dispatcher,
		deadLetters: params.DeadLetters,
		tx:          params.TransactionRunner,
		metrics:     params.Metrics,
		currency:    currency,
		logg:        params.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Result is the terminal outcome of one delivery. Handled is false for event
// types that are acknowledged and dropped.
type Result struct {
	Handled     bool
	State       enums.ReconcileState
	OrderID     uuid.UUID
	OrderNumber string
	Reason      string
}

// HandleEvent reconciles a verified event. A returned error means the order
// could not be persisted and the gateway should redeliver.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event, raw []byte) (Result, error) {
	eventType := string(event.Type)
	if eventType != stripeclient.EventCheckoutSessionCompleted && eventType != stripeclient.EventCheckoutSessionAsyncPaymentSucceeded {
		r.metrics.IncReceived(eventType, false)
		r.logg.Info(r.logg.WithField(ctx, "event_type", eventType), "ignoring stripe event")
		return Result{}, nil
	}
	r.metrics.IncReceived(eventType, true)

	res, err := r.reconcile(ctx, event, raw, true)
	if err != nil {
		return res, err
	}
	r.metrics.IncReconciled(res.State.String())
	return res, nil
}

// Replay re-runs reconciliation for a dead-lettered event from its stored payload.
func (r *Reconciler) Replay(ctx context.Context, deadLetterID uuid.UUID) (Result, error) {
	entry, err := r.deadLetters.FindByID(ctx, deadLetterID)
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load dead letter")
	}
	if entry == nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found")
	}
	if entry.ResolvedAt != nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeStateConflict, "dead letter already resolved")
	}

	var event stripe.Event
	if err := json.Unmarshal(entry.Payload, &event); err != nil {
		_ = r.deadLetters.MarkReplayed(ctx, entry.ID, false, "stored payload unreadable: "+err.Error())
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stored event")
	}

	ctx = r.logg.WithField(ctx, "dead_letter_id", entry.ID.String())
	res, err := r.reconcile(ctx, event, entry.Payload, false)
	if err != nil {
		return res, err
	}
	resolved := res.State != enums.ReconcileMetadataInvalid
	if err := r.deadLetters.MarkReplayed(ctx, entry.ID, resolved, res.Reason); err != nil {
		r.logg.Error(ctx, "failed to record dead letter replay", err)
	}
	r.metrics.IncReconciled(res.State.String())
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, event stripe.Event, raw []byte, deadLetter bool) (Result, error) {
	session, err := stripeclient.ParseCompletedSession(event)
	if err != nil {
		return r.invalid(ctx, event, raw, "", err, deadLetter)
	}
	ctx = r.logg.WithPayment(ctx, session.ExternalPaymentID(), session.SessionID)
	r.logState(ctx, enums.ReconcileReceived, "checkout session received")

	existing, err := r.orders.FindByExternalPaymentID(ctx, session.ExternalPaymentID())
	if err != nil {
		return Result{Handled: true, State: enums.ReconcileReceived}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing order")
	}
	if existing != nil {
		return r.deduplicated(ctx, existing), nil
	}
	if !session.IsPaid() {
		r.logState(r.logg.WithField(ctx, "payment_status", session.PaymentStatus), enums.ReconcileAwaitingPayment, "checkout session not paid yet")
		return Result{Handled: true, State: enums.ReconcileAwaitingPayment, Reason: "payment_status=" + session.PaymentStatus}, nil
	}

	meta, err := checkout.DecodeMetadata(session.Metadata)
	if err != nil {
		return r.invalid(ctx, event, raw, session.SessionID, err, deadLetter)
	}

	r.logState(ctx, enums.ReconcileMaterializing, "materializing order")
	order, lines, notes, err := r.materialize(ctx, session, meta)
	if err != nil {
		return Result{Handled: true, State: enums.ReconcileMaterializing}, err
	}

	existing, err = r.persist(ctx, order, lines)
	if err != nil {
		return Result{Handled: true, State: enums.ReconcileMaterializing}, err
	}
	if existing != nil {
		return r.deduplicated(ctx, existing), nil
	}
	ctx = r.logg.WithOrderNumber(ctx, order.OrderNumber)
	r.logState(ctx, enums.ReconcilePersisted, "order persisted")

	notes = append(notes, r.adjustStock(ctx, order.ID)...)
	r.logState(ctx, enums.ReconcileStockAdjusted, "stock adjustment attempted")

	if meta.CouponCode != "" {
		r.consumeCoupon(ctx, meta.CouponCode)
	}

	if err := r.dispatcher.Dispatch(ctx, order); err != nil {
		r.logg.Error(ctx, "order confirmation dispatch failed", err)
		notes = append(notes, "confirmation dispatch failed")
	}

	return r.finish(ctx, order, notes), nil
}

func (r *Reconciler) invalid(ctx context.Context, event stripe.Event, raw []byte, sessionID string, cause error, deadLetter bool) (Result, error) {
	reason := cause.Error()
	logCtx := r.logg.WithFields(ctx, map[string]any{
		"state":    enums.ReconcileMetadataInvalid,
		"event_id": event.ID,
		"reason":   reason,
	})
	r.logg.Error(logCtx, "checkout session cannot be reconciled", cause)

	res := Result{Handled: true, State: enums.ReconcileMetadataInvalid, Reason: reason}
	if !deadLetter {
		return res, nil
	}
	eventID := event.ID
	if eventID == "" {
		eventID = "unidentified:" + uuid.NewString()
	}
	if err := r.deadLetters.Record(ctx, eventID, string(event.Type), sessionID, raw, reason); err != nil {
		return res, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record dead letter")
	}
	return res, nil
}

func (r *Reconciler) deduplicated(ctx context.Context, existing *models.Order) Result {
	ctx = r.logg.WithOrderNumber(ctx, existing.OrderNumber)
	r.logState(ctx, enums.ReconcileDeduplicated, "order already exists for payment")
	return Result{
		Handled:     true,
		State:       enums.ReconcileDeduplicated,
		OrderID:     existing.ID,
		OrderNumber: existing.OrderNumber,
	}
}

// materialize builds the order from metadata, the charged line items and the
// current catalog. Notes collect soft discrepancies worth a manual look.
func (r *Reconciler) materialize(ctx context.Context, session stripeclient.CompletedSession, meta checkout.Metadata) (*models.Order, []stock.Line, []string, error) {
	charged, err := r.lineItems.ListLineItems(ctx, session.SessionID)
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list charged line items")
	}
	ids := make([]uuid.UUID, 0, len(meta.Lines))
	for _, line := range meta.Lines {
		ids = append(ids, line.ProductID)
	}
	states, err := r.catalog.Lookup(ctx, ids)
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load catalog")
	}

	currency := strings.ToLower(session.Currency)
	if currency == "" {
		currency = r.currency
	}
	order := &models.Order{
		ID:                uuid.New(),
		BuyerID:           meta.BuyerID,
		Email:             meta.BuyerEmail,
		Status:            enums.OrderStatusPaid,
		Subtotal:          money.FromMinor(session.AmountSubtotal),
		Discount:          money.FromMinor(session.AmountDiscount),
		Shipping:          money.FromMinor(session.AmountShipping),
		Total:             money.FromMinor(session.AmountTotal),
		Currency:          currency,
		ExternalPaymentID: session.ExternalPaymentID(),
		CheckoutSessionID: session.SessionID,
		ReconcileState:    enums.ReconcilePersisted,
	}
	if meta.CustomerID != "" {
		if id, err := uuid.Parse(meta.CustomerID); err == nil {
			order.CustomerID = &id
		}
	}
	if meta.CouponCode != "" {
		code := meta.CouponCode
		order.CouponCode = &code
	}
	if !session.Shipping.IsZero() {
		if addr, err := json.Marshal(session.Shipping); err == nil {
			order.ShippingAddress = addr
		}
	}

	var notes []string
	used := make([]bool, len(charged))
	lines := make([]stock.Line, 0, len(meta.Lines))
	for i, line := range meta.Lines {
		state, known := states[line.ProductID]
		item := models.OrderItem{
			LineIndex: i,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		}
		if sku := line.VariantSKU; sku != "" {
			item.VariantSKU = &sku
			if variant, ok := state.Variant(sku); ok {
				item.VariantSize = variant.Size
				item.VariantColor = variant.Color
			}
		}

		chargedLine, matched := matchCharged(charged, used, line, i)
		switch {
		case known:
			item.ProductName = state.Name
		case matched && chargedLine.Description != "":
			item.ProductName = chargedLine.Description
		default:
			item.ProductName = "Unavailable product"
		}
		if known && state.ImageURL != "" {
			image := state.ImageURL
			item.ImageURL = &image
		}

		if matched && chargedLine.Quantity > 0 {
			item.PriceAtPurchase = money.FromMinor(chargedLine.AmountTotal).
				Div(decimal.NewFromInt(chargedLine.Quantity)).
				Round(2)
		} else {
			item.PriceAtPurchase = catalogPrice(state, line.VariantSKU)
			notes = append(notes, fmt.Sprintf("line %d: charged amount unavailable, catalog price recorded", i))
		}

		order.Items = append(order.Items, item)
		lines = append(lines, stock.Line{
			LineIndex:  i,
			ProductID:  line.ProductID,
			VariantSKU: line.VariantSKU,
			Quantity:   line.Quantity,
		})
	}
	return order, lines, notes, nil
}

// matchCharged pairs a metadata line with its charged line by product tag,
// falling back to position when the gateway product carries no tag.
func matchCharged(charged []stripeclient.ChargedLine, used []bool, line checkout.MetadataLine, index int) (stripeclient.ChargedLine, bool) {
	productID := line.ProductID.String()
	for i, candidate := range charged {
		if used[i] || candidate.ProductID != productID || candidate.VariantSKU != line.VariantSKU {
			continue
		}
		used[i] = true
		return candidate, true
	}
	if index < len(charged) && !used[index] && charged[index].ProductID == "" {
		used[index] = true
		return charged[index], true
	}
	return stripeclient.ChargedLine{}, false
}

func catalogPrice(state catalog.ProductState, sku string) decimal.Decimal {
	if sku != "" {
		if variant, ok := state.Variant(sku); ok {
			return variant.Price
		}
	}
	return state.Price
}

// persist writes the order, its pending stock adjustments and the order_paid
// event in one transaction. A non-nil order return means another delivery won.
func (r *Reconciler) persist(ctx context.Context, order *models.Order, lines []stock.Line) (*models.Order, error) {
	for attempt := 1; attempt <= maxOrderNumberAttempts; attempt++ {
		number, err := orders.NewOrderNumber(r.now())
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate order number")
		}
		order.OrderNumber = number

		err = r.tx.WithTx(ctx, func(tx *gorm.DB) error {
			if err := r.orders.WithTx(tx).Create(ctx, order); err != nil {
				return err
			}
			if err := r.stock.PlanTx(ctx, tx, order.ID, lines); err != nil {
				return err
			}
			return r.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventOrderPaid,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Data:          orderPaidEvent(order, r.now()),
			})
		})
		if err == nil {
			return nil, nil
		}
		if !db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist order")
		}

		existing, findErr := r.orders.FindByExternalPaymentID(ctx, order.ExternalPaymentID)
		if findErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "recheck existing order")
		}
		if existing != nil {
			return existing, nil
		}
		r.logg.Warn(r.logg.WithField(ctx, "attempt", attempt), "order number collision, regenerating")
		resetForRetry(order)
	}
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "could not allocate a unique order number")
}

func resetForRetry(order *models.Order) {
	for i := range order.Items {
		order.Items[i].ID = uuid.Nil
		order.Items[i].OrderID = uuid.Nil
	}
}

func orderPaidEvent(order *models.Order, paidAt time.Time) payloads.OrderPaidEvent {
	event := payloads.OrderPaidEvent{
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		BuyerID:           order.BuyerID,
		CustomerID:        order.CustomerID,
		Email:             order.Email,
		Currency:          order.Currency,
		Subtotal:          order.Subtotal.StringFixed(2),
		Discount:          order.Discount.StringFixed(2),
		Shipping:          order.Shipping.StringFixed(2),
		Total:             order.Total.StringFixed(2),
		ExternalPaymentID: order.ExternalPaymentID,
		PaidAt:            paidAt,
		Items:             make([]payloads.OrderPaidItem, 0, len(order.Items)),
	}
	if order.CouponCode != nil {
		event.CouponCode = *order.CouponCode
	}
	for _, item := range order.Items {
		paid := payloads.OrderPaidItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.PriceAtPurchase.StringFixed(2),
		}
		if item.VariantSKU != nil {
			paid.VariantSKU = *item.VariantSKU
		}
		event.Items = append(event.Items, paid)
	}
	return event
}

// adjustStock applies the planned decrements. Failures stay pending for the
// retry job and are returned as notes.
func (r *Reconciler) adjustStock(ctx context.Context, orderID uuid.UUID) []string {
	outcomes, err := r.stock.ApplyOrder(ctx, orderID)
	if err != nil {
		r.logg.Error(ctx, "stock adjustment failed", err)
		return []string{"stock adjustment error"}
	}
	var notes []string
	for _, outcome := range outcomes {
		if !outcome.Failed() {
			continue
		}
		logCtx := r.logg.WithFields(ctx, map[string]any{
			"line_index": outcome.LineIndex,
			"reason":     outcome.Reason,
		})
		r.logg.Warn(logCtx, "stock decrement skipped")
		notes = append(notes, fmt.Sprintf("line %d stock not decremented: %s", outcome.LineIndex, outcome.Reason))
	}
	return notes
}

func (r *Reconciler) consumeCoupon(ctx context.Context, code string) {
	logCtx := r.logg.WithField(ctx, "coupon_code", code)
	incremented, err := r.coupons.IncrementUsage(ctx, code)
	if err != nil {
		r.logg.Error(logCtx, "coupon usage increment failed", err)
		return
	}
	if !incremented {
		r.logg.Warn(logCtx, "coupon usage not incremented, limit reached or coupon removed")
	}
}

func (r *Reconciler) finish(ctx context.Context, order *models.Order, notes []string) Result {
	res := Result{Handled: true, OrderID: order.ID, OrderNumber: order.OrderNumber}
	if len(notes) == 0 {
		res.State = enums.ReconcileNotified
		if err := r.orders.SetReconcileState(ctx, order.ID, res.State); err != nil {
			r.logg.Error(ctx, "failed to record reconcile state", err)
		}
		r.logState(ctx, res.State, "order reconciled")
		return res
	}

	res.State = enums.ReconcilePartiallyFailed
	res.Reason = strings.Join(notes, "; ")
	if err := r.orders.FlagAttention(ctx, order.ID, res.State, res.Reason); err != nil {
		r.logg.Error(ctx, "failed to flag order for attention", err)
	}
	r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
		"state":  res.State,
		"reason": res.Reason,
	}), "order reconciled with failures")
	return res
}

func (r *Reconciler) logState(ctx context.Context, state enums.ReconcileState, msg string) {
	r.logg.Info(r.logg.WithField(ctx, "state", state), msg)
}
