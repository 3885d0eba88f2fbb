package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/storefront-backend/api/responses"
	stripewebhook "github.com/angelmondragon/storefront-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const maxWebhookBody = 512 << 10

type eventReconciler interface {
	HandleEvent(ctx context.Context, event stripe.Event, raw []byte) (stripewebhook.Result, error)
}

type eventVerifier interface {
	Verify(payload []byte, signature string) (stripe.Event, error)
}

type webhookAck struct {
	Received    bool   `json:"received"`
	State       string `json:"state,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
}

// StripeWebhook verifies the signature over the raw body before decoding anything.
// Session completion events reach the reconciler; other types are acknowledged.
func StripeWebhook(reconciler eventReconciler, verifier eventVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reconciler == nil || verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook reconciler unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeTooLarge, err, "webhook body exceeds limit"))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		event, err := verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "error", err.Error()), "stripe webhook rejected")
			}
			responses.WriteError(ctx, nil, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook signature"))
			return
		}

		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"event_id":   event.ID,
				"event_type": string(event.Type),
			})
		}

		res, err := reconciler.HandleEvent(ctx, event, payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reconcile stripe event"))
			return
		}

		ack := webhookAck{Received: true}
		if res.Handled {
			ack.State = res.State.String()
			ack.OrderNumber = res.OrderNumber
		}
		responses.WriteSuccess(w, ack)
	}
}
