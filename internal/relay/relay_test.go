package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
)

var testTopics = config.PubSubConfig{
	OrdersTopic:       "sf-order-events",
	NotificationTopic: "sf-notification-events",
	AnalyticsTopic:    "sf-analytics-events",
}

type sentMessage struct {
	topic string
	msg   *gcppubsub.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	// failTopics maps a topic to the error every send to it returns.
	failTopics map[string]error
}

func (f *fakeSender) Send(_ context.Context, topic string, msg *gcppubsub.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTopics[topic]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, sentMessage{topic: topic, msg: msg})
	return "msg-" + msg.Attributes["event_id"], nil
}

func (f *fakeSender) Ping(context.Context) error { return nil }

type relayHarness struct {
	conn    *gorm.DB
	repo    *outbox.Repository
	emitter *outbox.Service
	sender  *fakeSender
	metrics *metrics.OutboxMetrics
	reg     *prometheus.Registry
	relay   *Relay
}

func newHarness(t *testing.T, policy Policy) *relayHarness {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "relay-test", Output: io.Discard})
	events, err := registry.NewRoutes(testTopics)
	require.NoError(t, err)

	h := &relayHarness{
		conn:   conn,
		repo:   outbox.NewRepository(conn),
		sender: &fakeSender{failTopics: map[string]error{}},
		reg:    prometheus.NewRegistry(),
	}
	h.emitter = outbox.NewService(h.repo, logg)
	h.metrics = metrics.NewOutboxMetrics(h.reg)
	h.relay, err = New(Params{
		DB:      db.Wrap(conn),
		Outbox:  h.repo,
		Events:  events,
		Sender:  h.sender,
		Metrics: h.metrics,
		Logger:  logg,
		Policy:  policy,
	})
	require.NoError(t, err)
	return h
}

func (h *relayHarness) emit(t *testing.T, eventType enums.OutboxEventType, orderID uuid.UUID, data any) {
	t.Helper()
	require.NoError(t, h.emitter.Emit(context.Background(), h.conn, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Data:          data,
	}))
}

func (h *relayHarness) rows(t *testing.T, orderID uuid.UUID) []models.OutboxEvent {
	t.Helper()
	rows, err := h.repo.ListForAggregate(context.Background(), enums.AggregateOrder, orderID)
	require.NoError(t, err)
	return rows
}

func publishCount(t *testing.T, reg *prometheus.Registry, eventType enums.OutboxEventType, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "outbox_publish_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["event_type"] == string(eventType) && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func paidEvent(orderID uuid.UUID, number string) payloads.OrderPaidEvent {
	return payloads.OrderPaidEvent{OrderID: orderID, OrderNumber: number}
}

func TestDrainRoutesOrderEventsToTheirTopics(t *testing.T) {
	h := newHarness(t, Policy{BatchSize: 10, MaxAttempts: 3})
	orderID := uuid.New()

	h.emit(t, enums.EventOrderPaid, orderID, paidEvent(orderID, "ORD-1001"))
	h.emit(t, enums.EventOrderConfirmationRequested, orderID, payloads.OrderConfirmationRequestedEvent{
		OrderID:     orderID,
		OrderNumber: "ORD-1001",
	})

	n, err := h.relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, h.sender.sent, 2)
	byTopic := map[string]*gcppubsub.Message{}
	for _, s := range h.sender.sent {
		byTopic[s.topic] = s.msg
	}

	paid := byTopic[testTopics.AnalyticsTopic]
	require.NotNil(t, paid, "order_paid goes to the analytics topic")
	assert.Equal(t, string(enums.EventOrderPaid), paid.Attributes["event_type"])
	assert.Equal(t, "ORD-1001", paid.Attributes["order_number"])
	assert.Equal(t, orderID.String(), paid.Attributes["aggregate_id"])
	assert.Equal(t, "1", paid.Attributes["event_version"])

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(paid.Data, &envelope))
	assert.Equal(t, envelope.EventID, paid.Attributes["event_id"])

	confirm := byTopic[testTopics.NotificationTopic]
	require.NotNil(t, confirm, "order_confirmation_requested goes to the notification topic")
	assert.Equal(t, string(enums.EventOrderConfirmationRequested), confirm.Attributes["event_type"])
	assert.Equal(t, "ORD-1001", confirm.Attributes["order_number"])

	for _, row := range h.rows(t, orderID) {
		assert.NotNil(t, row.PublishedAt)
		assert.Nil(t, row.LastError)
	}
	assert.Equal(t, 1.0, publishCount(t, h.reg, enums.EventOrderPaid, metrics.OutboxResultPublished))

	n, err = h.relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "published rows are not picked up again")
}

func TestFlushDrainsBacklogAcrossBatches(t *testing.T) {
	h := newHarness(t, Policy{BatchSize: 2, MaxAttempts: 3})
	for i := range 5 {
		orderID := uuid.New()
		h.emit(t, enums.EventOrderPaid, orderID, paidEvent(orderID, fmt.Sprintf("ORD-20%02d", i)))
	}

	n, err := h.relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, h.sender.sent, 5)

	n, err = h.relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainRetriesThenDeadLettersUnreachableTopic(t *testing.T) {
	h := newHarness(t, Policy{BatchSize: 10, MaxAttempts: 2})
	h.sender.failTopics[testTopics.NotificationTopic] = errors.New("deadline exceeded")

	paidOrder := uuid.New()
	confirmOrder := uuid.New()
	h.emit(t, enums.EventOrderPaid, paidOrder, paidEvent(paidOrder, "ORD-2001"))
	h.emit(t, enums.EventOrderConfirmationRequested, confirmOrder, payloads.OrderConfirmationRequestedEvent{
		OrderID:     confirmOrder,
		OrderNumber: "ORD-2002",
	})

	_, err := h.relay.Drain(context.Background())
	require.NoError(t, err)

	rows := h.rows(t, confirmOrder)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].PublishedAt)
	assert.Equal(t, 1, rows[0].AttemptCount)
	require.NotNil(t, rows[0].LastError)
	assert.Equal(t, "deadline exceeded", *rows[0].LastError)
	require.Len(t, h.sender.sent, 1, "the failing row does not block the rest of the batch")
	assert.NotNil(t, h.rows(t, paidOrder)[0].PublishedAt)

	n, err := h.relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows = h.rows(t, confirmOrder)
	assert.Nil(t, rows[0].PublishedAt)
	assert.Equal(t, 2, rows[0].AttemptCount)

	var letters []models.OutboxDLQ
	require.NoError(t, h.conn.Find(&letters).Error)
	require.Len(t, letters, 1)
	assert.Equal(t, rows[0].ID, letters[0].EventID)
	assert.Equal(t, enums.OutboxDLQReasonMaxAttempts, letters[0].ErrorReason)
	assert.Equal(t, 2, letters[0].AttemptCount)
	require.NotNil(t, letters[0].ErrorMessage)
	assert.Contains(t, *letters[0].ErrorMessage, "deadline exceeded")

	n, err = h.relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, 1.0, publishCount(t, h.reg, enums.EventOrderConfirmationRequested, metrics.OutboxResultRetry))
	assert.Equal(t, 1.0, publishCount(t, h.reg, enums.EventOrderConfirmationRequested, metrics.OutboxResultDeadLettered))
}

func TestDrainDeadLettersUndecodableRowImmediately(t *testing.T) {
	h := newHarness(t, Policy{BatchSize: 10, MaxAttempts: 5})
	orderID := uuid.New()
	require.NoError(t, h.repo.Insert(h.conn, models.OutboxEvent{
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Payload:       json.RawMessage(`{"version":1,"eventId":"e-1","data":null}`),
	}))

	_, err := h.relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.sender.sent)

	rows := h.rows(t, orderID)
	require.Len(t, rows, 1)
	assert.Equal(t, 5, rows[0].AttemptCount)

	var letter models.OutboxDLQ
	require.NoError(t, h.conn.First(&letter).Error)
	assert.Equal(t, enums.OutboxDLQReasonNonRetryable, letter.ErrorReason)
	assert.Equal(t, 1, letter.AttemptCount)
}

func TestDrainDeadLettersNonRetryableSendError(t *testing.T) {
	h := newHarness(t, Policy{BatchSize: 10, MaxAttempts: 5})
	h.sender.failTopics[testTopics.AnalyticsTopic] = registry.Permanent(errors.New("topic deleted"))
	orderID := uuid.New()
	h.emit(t, enums.EventOrderPaid, orderID, paidEvent(orderID, "ORD-3001"))

	_, err := h.relay.Drain(context.Background())
	require.NoError(t, err)

	var letter models.OutboxDLQ
	require.NoError(t, h.conn.First(&letter).Error)
	assert.Equal(t, enums.OutboxDLQReasonNonRetryable, letter.ErrorReason)
	assert.Equal(t, 5, h.rows(t, orderID)[0].AttemptCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Policy{BatchSize: 10, MaxAttempts: 3, PollInterval: 10 * time.Millisecond})
	orderID := uuid.New()
	h.emit(t, enums.EventOrderPaid, orderID, paidEvent(orderID, "ORD-4001"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.sender.mu.Lock()
		defer h.sender.mu.Unlock()
		return len(h.sender.sent) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	assert.EqualError(t, err, "logger is required")
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{PollInterval: time.Second, MaxBackoff: 5 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, p.backoff(0))
	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 4*time.Second, p.backoff(2))
	assert.Equal(t, 5*time.Second, p.backoff(3))
	assert.Equal(t, 5*time.Second, p.backoff(40))

	assert.False(t, p.exhausted(9))
	assert.True(t, p.exhausted(10))

	jittered := Policy{PollInterval: time.Second, Jitter: 100 * time.Millisecond}.withDefaults()
	for i := 0; i < 20; i++ {
		got := jittered.backoff(0)
		assert.GreaterOrEqual(t, got, time.Second)
		assert.Less(t, got, time.Second+100*time.Millisecond)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.OutboxConfig{BatchSize: 25, PollIntervalMS: 200})
	assert.Equal(t, 25, p.BatchSize)
	assert.Equal(t, 10, p.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, p.PollInterval)
	assert.Equal(t, 10*time.Second, p.MaxBackoff)
}
