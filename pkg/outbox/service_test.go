package outbox

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

func TestEmitWrapsPayloadInEnvelope(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	orderID := uuid.New()

	err := svc.Emit(context.Background(), conn, DomainEvent{
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Data:          map[string]string{"order_number": "ORD-1"},
	})
	require.NoError(t, err)

	rows, err := repo.ListForAggregate(context.Background(), enums.AggregateOrder, orderID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.JSONEq(t, `{"order_number":"ORD-1"}`, string(envelope.Data))
}

func TestEmitOnceQueuesOnce(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	orderID := uuid.New()
	event := DomainEvent{
		EventType:     enums.EventOrderConfirmationRequested,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Data:          map[string]string{"order_number": "ORD-1"},
	}

	require.NoError(t, svc.EmitOnce(context.Background(), conn, event))
	require.NoError(t, svc.EmitOnce(context.Background(), conn, event))

	rows, err := repo.ListForAggregate(context.Background(), enums.AggregateOrder, orderID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestEmitRejectsMalformedEvents(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), nil)

	assert.Error(t, svc.Emit(context.Background(), nil, DomainEvent{}))
	assert.ErrorContains(t, svc.Emit(context.Background(), conn, DomainEvent{
		EventType: "order_refunded", AggregateType: enums.AggregateOrder, AggregateID: uuid.New(),
	}), "unknown event type")
	assert.ErrorContains(t, svc.Emit(context.Background(), conn, DomainEvent{
		EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder,
	}), "aggregate id")
	assert.ErrorContains(t, svc.Emit(context.Background(), conn, DomainEvent{
		EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Data: make(chan int),
	}), "encode order_paid payload")
	assert.ErrorContains(t, svc.Emit(context.Background(), conn, DomainEvent{
		EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Version: EnvelopeVersion + 1,
	}), "newer than")

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEmitIssuesTimeOrderedEventIDs(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	orderID := uuid.New()
	for _, eventType := range []enums.OutboxEventType{enums.EventOrderPaid, enums.EventOrderConfirmationRequested} {
		require.NoError(t, svc.Emit(context.Background(), conn, DomainEvent{
			EventType: eventType, AggregateType: enums.AggregateOrder, AggregateID: orderID, Data: struct{}{},
		}))
	}

	rows, err := repo.ListForAggregate(context.Background(), enums.AggregateOrder, orderID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	var ids []uuid.UUID
	for _, row := range rows {
		var envelope PayloadEnvelope
		require.NoError(t, json.Unmarshal(row.Payload, &envelope))
		id, err := uuid.Parse(envelope.EventID)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), id.Version())
		ids = append(ids, id)
	}
	assert.Less(t, ids[0].String(), ids[1].String())
}

func TestDeletePublishedBefore(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	rows := []models.OutboxEvent{
		{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`), PublishedAt: &old, CreatedAt: old},
		{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`), PublishedAt: &recent},
		{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`), AttemptCount: 9, CreatedAt: old},
		{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`), CreatedAt: old},
	}
	require.NoError(t, conn.Create(&rows).Error)

	deleted, err := repo.DeletePublishedBefore(context.Background(), nil, time.Now().Add(-24*time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var remaining int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&remaining).Error)
	assert.Equal(t, int64(2), remaining)
}
