package notifications

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

const defaultDispatchTimeout = 3 * time.Second

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type onceEmitter interface {
	EmitOnce(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type DispatcherParams struct {
	TransactionRunner txRunner
	Outbox            onceEmitter
	Timeout           time.Duration
}

// Dispatcher hands confirmation emails to the background worker by queueing
// an outbox event. Delivery happens out of band.
type Dispatcher struct {
	tx      txRunner
	outbox  onceEmitter
	timeout time.Duration
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Dispatcher{tx: params.TransactionRunner, outbox: params.Outbox, timeout: timeout}, nil
}

// Dispatch queues at most one confirmation per order, bounded by the dispatcher timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, order *models.Order) error {
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return d.outbox.EmitOnce(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderConfirmationRequested,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Data: payloads.OrderConfirmationRequestedEvent{
				OrderID:     order.ID,
				OrderNumber: order.OrderNumber,
				Email:       order.Email,
			},
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue order confirmation")
	}
	return nil
}
