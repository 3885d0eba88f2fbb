package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/api/responses"
	stripewebhook "github.com/angelmondragon/storefront-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

type deadLetterLister interface {
	ListUnresolved(ctx context.Context, params pagination.Params) ([]models.WebhookDeadLetter, string, error)
}

type deadLetterReplayer interface {
	Replay(ctx context.Context, deadLetterID uuid.UUID) (stripewebhook.Result, error)
}

type deadLetterView struct {
	ID          uuid.UUID  `json:"id"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	SessionID   *string    `json:"session_id,omitempty"`
	Reason      string     `json:"reason"`
	ReplayCount int        `json:"replay_count"`
	ReplayedAt  *time.Time `json:"replayed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type deadLetterList struct {
	DeadLetters []deadLetterView `json:"dead_letters"`
	NextCursor  string           `json:"next_cursor,omitempty"`
}

type replayResponse struct {
	DeadLetterID uuid.UUID  `json:"dead_letter_id"`
	State        string     `json:"state"`
	OrderID      *uuid.UUID `json:"order_id,omitempty"`
	OrderNumber  string     `json:"order_number,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// AdminDeadLetters lists webhook events held back because their metadata could not be reconciled.
func AdminDeadLetters(repo deadLetterLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dead letter store unavailable"))
			return
		}

		params, err := validators.PageQuery(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, next, err := repo.ListUnresolved(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dead letters"))
			return
		}

		out := deadLetterList{DeadLetters: make([]deadLetterView, 0, len(rows)), NextCursor: next}
		for _, row := range rows {
			out.DeadLetters = append(out.DeadLetters, deadLetterView{
				ID:          row.ID,
				EventID:     row.EventID,
				EventType:   row.EventType,
				SessionID:   row.SessionID,
				Reason:      row.Reason,
				ReplayCount: row.ReplayCount,
				ReplayedAt:  row.ReplayedAt,
				CreatedAt:   row.CreatedAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}

// AdminReplayDeadLetter re-runs reconciliation from the stored verified payload.
func AdminReplayDeadLetter(replayer deadLetterReplayer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if replayer == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook reconciler unavailable"))
			return
		}

		id, err := uuidParam(r, "deadLetterId", "dead letter id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		res, err := replayer.Replay(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		out := replayResponse{
			DeadLetterID: id,
			State:        res.State.String(),
			OrderNumber:  res.OrderNumber,
			Reason:       res.Reason,
		}
		if res.OrderID != uuid.Nil {
			orderID := res.OrderID
			out.OrderID = &orderID
		}
		responses.WriteSuccess(w, out)
	}
}
