// Package orders persists reconciled orders and exposes their read and admin surface.
package orders

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service is the buyer and admin surface over persisted orders.
type Service interface {
	GetForSession(ctx context.Context, buyerID, sessionID string) (*OrderView, error)
	ListNeedingAttention(ctx context.Context, params pagination.Params) (*AttentionList, error)
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (*OrderView, error)
	ResolveAttention(ctx context.Context, orderID uuid.UUID) error
}

// UpdateStatusInput is an admin-driven fulfillment transition.
type UpdateStatusInput struct {
	OrderID      uuid.UUID
	Status       string
	ActorSubject string
	ActorRole    string
}

type ServiceParams struct {
	Repo              *Repository
	TransactionRunner txRunner
	Outbox            outboxPublisher
}

type service struct {
	repo   *Repository
	tx     txRunner
	outbox outboxPublisher
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repository required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox publisher required")
	}
	return &service{repo: params.Repo, tx: params.TransactionRunner, outbox: params.Outbox}, nil
}

// GetForSession returns NOT_FOUND until the webhook has reconciled the session.
func (s *service) GetForSession(ctx context.Context, buyerID, sessionID string) (*OrderView, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id required")
	}
	if buyerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer identity required")
	}
	order, err := s.repo.FindBySessionForBuyer(ctx, sessionID, buyerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	view := toView(order)
	return &view, nil
}

func (s *service) ListNeedingAttention(ctx context.Context, params pagination.Params) (*AttentionList, error) {
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, next, err := s.repo.ListNeedingAttention(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	out := &AttentionList{Orders: make([]OrderView, 0, len(rows)), NextCursor: next}
	for i := range rows {
		out.Orders = append(out.Orders, toView(&rows[i]))
	}
	return out, nil
}

func (s *service) UpdateStatus(ctx context.Context, input UpdateStatusInput) (*OrderView, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	target, err := enums.ParseOrderStatus(strings.ToLower(strings.TrimSpace(input.Status)))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status")
	}

	var view OrderView
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, input.OrderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if order == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		if !order.Status.CanTransitionTo(target) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "cannot move order from "+order.Status.String()+" to "+target.String()).
				WithDetails(map[string]string{"from": order.Status.String(), "to": target.String()})
		}

		updated, err := repo.UpdateStatus(ctx, order.ID, order.Status, target)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		if !updated {
			return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
		}

		from := order.Status
		order.Status = target
		view = toView(order)
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Actor:         &outbox.ActorRef{Subject: input.ActorSubject, Role: input.ActorRole},
			Data: payloads.OrderStatusChangedEvent{
				OrderID:     order.ID,
				OrderNumber: order.OrderNumber,
				From:        from,
				To:          target,
				ChangedBy:   input.ActorSubject,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (s *service) ResolveAttention(ctx context.Context, orderID uuid.UUID) error {
	cleared, err := s.repo.ClearAttention(ctx, orderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear attention flag")
	}
	if !cleared {
		return pkgerrors.New(pkgerrors.CodeNotFound, "no flagged order with that id")
	}
	return nil
}
