package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/catalog"
	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/coupons"
	"github.com/angelmondragon/storefront-backend/internal/notifications"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/stock"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	stripeclient "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

type fakeLineItems struct {
	lines  []stripeclient.ChargedLine
	err    error
	calls  int
	onList func()
}

func (f *fakeLineItems) ListLineItems(context.Context, string) ([]stripeclient.ChargedLine, error) {
	f.calls++
	if f.onList != nil {
		f.onList()
	}
	return f.lines, f.err
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, *models.Order) error {
	return errors.New("outbox unavailable")
}

type harness struct {
	conn       *gorm.DB
	reconciler *Reconciler
	lineItems  *fakeLineItems
	outbox     *outbox.Repository
	deadLetter *DeadLetterRepository
	registry   *prometheus.Registry
}

func newHarness(t *testing.T, dispatcher confirmationDispatcher) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	runner := db.Wrap(conn)
	outboxRepo := outbox.NewRepository(conn)
	outboxSvc := outbox.NewService(outboxRepo, nil)
	stockSvc, err := stock.NewService(stock.ServiceParams{DB: conn, TransactionRunner: runner})
	require.NoError(t, err)
	if dispatcher == nil {
		real, err := notifications.NewDispatcher(notifications.DispatcherParams{TransactionRunner: runner, Outbox: outboxSvc})
		require.NoError(t, err)
		dispatcher = real
	}
	lineItems := &fakeLineItems{}
	deadLetters := NewDeadLetterRepository(conn)
	registry := prometheus.NewRegistry()

	reconciler, err := NewReconciler(ReconcilerParams{
		Orders:            orders.NewRepository(conn),
		Catalog:           catalog.NewRepository(conn),
		LineItems:         lineItems,
		Stock:             stockSvc,
		Coupons:           coupons.NewRepository(conn),
		Outbox:            outboxSvc,
		Dispatcher:        dispatcher,
		DeadLetters:       deadLetters,
		TransactionRunner: runner,
		Metrics:           metrics.NewWebhookMetrics(registry),
		Currency:          "inr",
		Logger:            logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return &harness{
		conn:       conn,
		reconciler: reconciler,
		lineItems:  lineItems,
		outbox:     outboxRepo,
		deadLetter: deadLetters,
		registry:   registry,
	}
}

func strPtr(v string) *string { return &v }

func (h *harness) seedProduct(t *testing.T, name string, price int64, stockQty int, variants ...models.ProductVariant) models.Product {
	t.Helper()
	product := models.Product{
		Name:     name,
		ImageURL: strPtr("https://cdn.example.com/" + name + ".png"),
		Price:    decimal.NewFromInt(price),
		Stock:    stockQty,
		IsActive: true,
		Variants: variants,
	}
	require.NoError(t, h.conn.Create(&product).Error)
	return product
}

func (h *harness) reloadProduct(t *testing.T, id uuid.UUID) models.Product {
	t.Helper()
	var product models.Product
	require.NoError(t, h.conn.Preload("Variants").First(&product, "id = ?", id).Error)
	return product
}

func (h *harness) countOrders(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.conn.Model(&models.Order{}).Count(&n).Error)
	return n
}

type sessionFixture struct {
	eventID       string
	eventType     string
	paymentStatus string
	paymentID     string
	metadata  map[string]string
	subtotal  int64
	discount  int64
	total     int64
}

func buildEvent(t *testing.T, f sessionFixture) (stripe.Event, []byte) {
	t.Helper()
	if f.paymentStatus == "" {
		f.paymentStatus = "paid"
	}
	if f.eventType == "" {
		f.eventType = "checkout.session.completed"
	}
	object := map[string]any{
		"id":              "cs_" + f.paymentID,
		"object":          "checkout.session",
		"payment_intent":  f.paymentID,
		"payment_status":  f.paymentStatus,
		"currency":        "inr",
		"amount_subtotal": f.subtotal,
		"amount_total":    f.total,
		"total_details":   map[string]any{"amount_discount": f.discount, "amount_shipping": 0},
		"customer_details": map[string]any{
			"email": "buyer@example.com",
			"name":  "Asha Rao",
		},
		"collected_information": map[string]any{
			"shipping_details": map[string]any{
				"name": "Asha Rao",
				"address": map[string]any{
					"line1":       "12 MG Road",
					"city":        "Bengaluru",
					"postal_code": "560001",
					"country":     "IN",
				},
			},
		},
		"metadata": f.metadata,
	}
	body, err := json.Marshal(map[string]any{
		"id":     f.eventID,
		"object": "event",
		"type":   f.eventType,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	var event stripe.Event
	require.NoError(t, json.Unmarshal(body, &event))
	return event, body
}

func encodeMetadata(t *testing.T, meta checkout.Metadata) map[string]string {
	t.Helper()
	raw, err := meta.Encode()
	require.NoError(t, err)
	return raw
}

func counterValue(t *testing.T, reg *prometheus.Registry, state string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "webhook_reconcile_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "state" && label.GetValue() == state {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNewReconcilerRequiresDependencies(t *testing.T) {
	_, err := NewReconciler(ReconcilerParams{})
	require.Error(t, err)
}

func TestHandleEventPersistsOrderAdjustsStockAndQueuesConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tee := h.seedProduct(t, "tee", 100, 5)
	hoodie := h.seedProduct(t, "hoodie", 150, 10, models.ProductVariant{SKU: "RED-L", Size: strPtr("L"), Color: strPtr("Red"), Stock: 3})
	require.NoError(t, h.conn.Create(&models.Coupon{
		Code: "save20", Type: enums.CouponTypePercentage, Value: decimal.NewFromInt(20),
		ExpirationDate: time.Now().Add(time.Hour), IsActive: true,
	}).Error)

	h.lineItems.lines = []stripeclient.ChargedLine{
		{ProductID: hoodie.ID.String(), VariantSKU: "RED-L", Quantity: 2, AmountTotal: 24000},
		{ProductID: tee.ID.String(), Quantity: 2, AmountTotal: 16000},
	}
	event, body := buildEvent(t, sessionFixture{
		eventID:   "evt_1",
		paymentID: "pi_123",
		subtotal:  50000,
		discount:  10000,
		total:     40000,
		metadata: encodeMetadata(t, checkout.Metadata{
			BuyerID:    "buyer-1",
			BuyerEmail: "buyer@example.com",
			CouponCode: "SAVE20",
			Lines: []checkout.MetadataLine{
				{ProductID: tee.ID, Quantity: 2},
				{ProductID: hoodie.ID, Quantity: 2, VariantSKU: "RED-L"},
			},
		}),
	})

	res, err := h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, enums.ReconcileNotified, res.State)
	assert.Regexp(t, `^ORD-\d{8}-`, res.OrderNumber)

	order, err := orders.NewRepository(h.conn).FindByExternalPaymentID(ctx, "pi_123")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, enums.OrderStatusPaid, order.Status)
	assert.Equal(t, enums.ReconcileNotified, order.ReconcileState)
	assert.False(t, order.NeedsAttention)
	assert.Equal(t, "400.00", order.Total.StringFixed(2))
	assert.Equal(t, "100.00", order.Discount.StringFixed(2))
	require.NotNil(t, order.CouponCode)
	assert.JSONEq(t, `{"name":"Asha Rao","line1":"12 MG Road","city":"Bengaluru","postal_code":"560001","country":"IN"}`, string(order.ShippingAddress))

	require.Len(t, order.Items, 2)
	assert.Equal(t, "tee", order.Items[0].ProductName)
	assert.Equal(t, "80.00", order.Items[0].PriceAtPurchase.StringFixed(2), "charged amount, not catalog price")
	assert.Equal(t, "120.00", order.Items[1].PriceAtPurchase.StringFixed(2))
	require.NotNil(t, order.Items[1].VariantColor)
	assert.Equal(t, "Red", *order.Items[1].VariantColor)

	assert.Equal(t, 3, h.reloadProduct(t, tee.ID).Stock)
	updatedHoodie := h.reloadProduct(t, hoodie.ID)
	assert.Equal(t, 10, updatedHoodie.Stock, "base stock untouched for variant lines")
	assert.Equal(t, 1, updatedHoodie.Variants[0].Stock)

	var coupon models.Coupon
	require.NoError(t, h.conn.First(&coupon, "code = ?", "save20").Error)
	assert.Equal(t, 1, coupon.UsedCount)

	events, err := h.outbox.ListForAggregate(ctx, enums.AggregateOrder, order.ID)
	require.NoError(t, err)
	var types []enums.OutboxEventType
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.ElementsMatch(t, []enums.OutboxEventType{enums.EventOrderPaid, enums.EventOrderConfirmationRequested}, types)
	assert.Equal(t, float64(1), counterValue(t, h.registry, "notified"))
}

func TestHandleEventDeduplicatesRedelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tee := h.seedProduct(t, "tee", 100, 5)
	h.lineItems.lines = []stripeclient.ChargedLine{{ProductID: tee.ID.String(), Quantity: 2, AmountTotal: 20000}}
	event, body := buildEvent(t, sessionFixture{
		eventID: "evt_dup", paymentID: "pi_dup", subtotal: 20000, total: 20000,
		metadata: encodeMetadata(t, checkout.Metadata{
			BuyerID: "buyer-1", BuyerEmail: "buyer@example.com",
			Lines: []checkout.MetadataLine{{ProductID: tee.ID, Quantity: 2}},
		}),
	})

	first, err := h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)
	second, err := h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)

	assert.Equal(t, enums.ReconcileDeduplicated, second.State)
	assert.Equal(t, first.OrderNumber, second.OrderNumber)
	assert.Equal(t, int64(1), h.countOrders(t))
	assert.Equal(t, 3, h.reloadProduct(t, tee.ID).Stock, "no second decrement")
	assert.Equal(t, 1, h.lineItems.calls, "deduplicated before any remote call")

	events, err := h.outbox.ListForAggregate(ctx, enums.AggregateOrder, first.OrderID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, float64(1), counterValue(t, h.registry, "deduplicated"))
}

func TestHandleEventConcurrentDeliveryLosesAtInsert(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tee := h.seedProduct(t, "tee", 100, 5)
	h.lineItems.lines = []stripeclient.ChargedLine{{ProductID: tee.ID.String(), Quantity: 2, AmountTotal: 20000}}

	// A parallel delivery commits its order after this one passed the existence check.
	winner := &models.Order{
		OrderNumber:       "ORD-WINNER",
		BuyerID:           "buyer-1",
		Email:             "buyer@example.com",
		Status:            enums.OrderStatusPaid,
		Subtotal:          decimal.NewFromInt(200),
		Total:             decimal.NewFromInt(200),
		Currency:          "inr",
		ExternalPaymentID: "pi_race",
		CheckoutSessionID: "cs_pi_race",
		ReconcileState:    enums.ReconcileNotified,
	}
	h.lineItems.onList = func() {
		require.NoError(t, orders.NewRepository(h.conn).Create(ctx, winner))
	}

	event, body := buildEvent(t, sessionFixture{
		eventID: "evt_race", paymentID: "pi_race", subtotal: 20000, total: 20000,
		metadata: encodeMetadata(t, checkout.Metadata{
			BuyerID: "buyer-1", BuyerEmail: "buyer@example.com",
			Lines: []checkout.MetadataLine{{ProductID: tee.ID, Quantity: 2}},
		}),
	})

	res, err := h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)
	assert.Equal(t, enums.ReconcileDeduplicated, res.State)
	assert.Equal(t, "ORD-WINNER", res.OrderNumber)
	assert.Equal(t, winner.ID, res.OrderID)
	assert.Equal(t, int64(1), h.countOrders(t))
	assert.Equal(t, 5, h.reloadProduct(t, tee.ID).Stock, "losing delivery must not touch stock")

	var adjustments int64
	require.NoError(t, h.conn.Model(&models.StockAdjustment{}).Count(&adjustments).Error)
	assert.Zero(t, adjustments)
	var queued int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).Count(&queued).Error)
	assert.Zero(t, queued, "losing transaction rolls back its outbox rows")
	assert.Equal(t, float64(1), counterValue(t, h.registry, "deduplicated"))
}

func TestHandleEventWaitsForDelayedPayment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tee := h.seedProduct(t, "tee", 100, 5)
	h.lineItems.lines = []stripeclient.ChargedLine{{ProductID: tee.ID.String(), Quantity: 2, AmountTotal: 20000}}
	fixture := sessionFixture{
		eventID: "evt_unpaid", paymentStatus: "unpaid", paymentID: "pi_bank", subtotal: 20000, total: 20000,
		metadata: encodeMetadata(t, checkout.Metadata{
			BuyerID: "buyer-1", BuyerEmail: "buyer@example.com",
			Lines: []checkout.MetadataLine{{ProductID: tee.ID, Quantity: 2}},
		}),
	}

	event, body := buildEvent(t, fixture)
	res, err := h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, enums.ReconcileAwaitingPayment, res.State)
	assert.Equal(t, int64(0), h.countOrders(t))
	assert.Equal(t, 5, h.reloadProduct(t, tee.ID).Stock)
	assert.Zero(t, h.lineItems.calls)

	fixture.eventID = "evt_settled"
	fixture.eventType = "checkout.session.async_payment_succeeded"
	fixture.paymentStatus = "paid"
	event, body = buildEvent(t, fixture)
	res, err = h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)
	assert.Equal(t, enums.ReconcileNotified, res.State)
	assert.Equal(t, int64(1), h.countOrders(t))
	assert.Equal(t, 3, h.reloadProduct(t, tee.ID).Stock)
	assert.Equal(t, float64(1), counterValue(t, h.registry, "awaiting_payment"))
}

func TestHandleEventDeadLettersInvalidMetadata(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tee := h.seedProduct(t, "tee", 100, 5)
	meta := encodeMetadata(t, checkout.Metadata{
		BuyerID: "buyer-1", BuyerEmail: "buyer@example.com",
		Lines: []checkout.MetadataLine{{ProductID: tee.ID, Quantity: 2}},
	})
	delete(meta, checkout.MetadataKeyQuantities)
	event, body := buildEvent(t, sessionFixture{eventID: "evt_bad", paymentID: "pi_bad", subtotal: 20000, total: 20000, metadata: meta})

	res, err := h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err, "malformed metadata is acknowledged")
	assert.Equal(t, enums.ReconcileMetadataInvalid, res.State)
	assert.Equal(t, int64(0), h.countOrders(t))
	assert.Equal(t, 5, h.reloadProduct(t, tee.ID).Stock)
	assert.Zero(t, h.lineItems.calls)

	_, err = h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)

	var letters []models.WebhookDeadLetter
	require.NoError(t, h.conn.Find(&letters).Error)
	require.Len(t, letters, 1, "redelivery keeps a single dead letter")
	assert.Equal(t, "evt_bad", letters[0].EventID)
	require.NotNil(t, letters[0].SessionID)
	assert.Equal(t, "cs_pi_bad", *letters[0].SessionID)

	replayed, err := h.reconciler.Replay(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ReconcileMetadataInvalid, replayed.State)

	stored, err := h.deadLetter.FindByID(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ReplayCount)
	assert.Nil(t, stored.ResolvedAt)
}

func TestReplayResolvesRepairedDeadLetter(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tee := h.seedProduct(t, "tee", 100, 5)
	h.lineItems.lines = []stripeclient.ChargedLine{{ProductID: tee.ID.String(), Quantity: 1, AmountTotal: 10000}}
	_, body := buildEvent(t, sessionFixture{
		eventID: "evt_fixed", paymentID: "pi_fixed", subtotal: 10000, total: 10000,
		metadata: encodeMetadata(t, checkout.Metadata{
			BuyerID: "buyer-1", BuyerEmail: "buyer@example.com",
			Lines: []checkout.MetadataLine{{ProductID: tee.ID, Quantity: 1}},
		}),
	})
	require.NoError(t, h.deadLetter.Record(ctx, "evt_fixed", "checkout.session.completed", "cs_pi_fixed", body, "repaired by hand"))
	var letter models.WebhookDeadLetter
	require.NoError(t, h.conn.First(&letter, "event_id = ?", "evt_fixed").Error)

	res, err := h.reconciler.Replay(ctx, letter.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ReconcileNotified, res.State)
	assert.Equal(t, 4, h.reloadProduct(t, tee.ID).Stock)

	stored, err := h.deadLetter.FindByID(ctx, letter.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ResolvedAt)

	_, err = h.reconciler.Replay(ctx, letter.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	_, err = h.reconciler.Replay(ctx, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestHandleEventIgnoresOtherEventTypes(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.reconciler.HandleEvent(context.Background(), stripe.Event{ID: "evt_x", Type: "invoice.paid"}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, int64(0), h.countOrders(t))
}

func TestHandleEventFlagsInsufficientStock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tee := h.seedProduct(t, "tee", 100, 1)
	h.lineItems.lines = []stripeclient.ChargedLine{{ProductID: tee.ID.String(), Quantity: 2, AmountTotal: 20000}}
	event, body := buildEvent(t, sessionFixture{
		eventID: "evt_short", paymentID: "pi_short", subtotal: 20000, total: 20000,
		metadata: encodeMetadata(t, checkout.Metadata{
			BuyerID: "buyer-1", BuyerEmail: "buyer@example.com",
			Lines: []checkout.MetadataLine{{ProductID: tee.ID, Quantity: 2}},
		}),
	})

	res, err := h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)
	assert.Equal(t, enums.ReconcilePartiallyFailed, res.State)
	assert.Equal(t, 1, h.reloadProduct(t, tee.ID).Stock)

	order, err := orders.NewRepository(h.conn).FindByID(ctx, res.OrderID)
	require.NoError(t, err)
	assert.True(t, order.NeedsAttention)
	require.NotNil(t, order.AttentionReason)
	assert.Contains(t, *order.AttentionReason, "line 0 stock not decremented")

	var adj models.StockAdjustment
	require.NoError(t, h.conn.First(&adj, "order_id = ?", order.ID).Error)
	assert.Equal(t, enums.StockAdjustmentFailed, adj.Status)
}

func TestHandleEventNotificationFailureKeepsOrder(t *testing.T) {
	h := newHarness(t, failingDispatcher{})
	ctx := context.Background()
	tee := h.seedProduct(t, "tee", 100, 5)
	h.lineItems.lines = []stripeclient.ChargedLine{{Description: "tee", Quantity: 1, AmountTotal: 10000}}
	event, body := buildEvent(t, sessionFixture{
		eventID: "evt_mail", paymentID: "pi_mail", subtotal: 10000, total: 10000,
		metadata: encodeMetadata(t, checkout.Metadata{
			BuyerID: "buyer-1", BuyerEmail: "buyer@example.com",
			Lines: []checkout.MetadataLine{{ProductID: tee.ID, Quantity: 1}},
		}),
	})

	res, err := h.reconciler.HandleEvent(ctx, event, body)
	require.NoError(t, err)
	assert.Equal(t, enums.ReconcilePartiallyFailed, res.State)
	assert.Equal(t, 4, h.reloadProduct(t, tee.ID).Stock, "stock adjusted regardless of notification")

	order, err := orders.NewRepository(h.conn).FindByID(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", order.Items[0].PriceAtPurchase.StringFixed(2), "untagged charged line matched by position")
	require.NotNil(t, order.AttentionReason)
	assert.Contains(t, *order.AttentionReason, "confirmation dispatch failed")
}

func TestHandleEventGatewayFailureAsksForRedelivery(t *testing.T) {
	h := newHarness(t, nil)
	tee := h.seedProduct(t, "tee", 100, 5)
	h.lineItems.err = errors.New("stripe unavailable")
	event, body := buildEvent(t, sessionFixture{
		eventID: "evt_down", paymentID: "pi_down", subtotal: 10000, total: 10000,
		metadata: encodeMetadata(t, checkout.Metadata{
			BuyerID: "buyer-1", BuyerEmail: "buyer@example.com",
			Lines: []checkout.MetadataLine{{ProductID: tee.ID, Quantity: 1}},
		}),
	})

	_, err := h.reconciler.HandleEvent(context.Background(), event, body)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	assert.Equal(t, int64(0), h.countOrders(t))
	assert.Equal(t, 5, h.reloadProduct(t, tee.ID).Stock)
}
