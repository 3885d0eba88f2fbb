package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stripewebhook "github.com/angelmondragon/storefront-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

type stubDeadLetters struct {
	rows   []models.WebhookDeadLetter
	next   string
	err    error
	params pagination.Params
}

func (s *stubDeadLetters) ListUnresolved(_ context.Context, params pagination.Params) ([]models.WebhookDeadLetter, string, error) {
	s.params = params
	return s.rows, s.next, s.err
}

type stubReplayer struct {
	id     uuid.UUID
	result stripewebhook.Result
	err    error
}

func (s *stubReplayer) Replay(_ context.Context, id uuid.UUID) (stripewebhook.Result, error) {
	s.id = id
	return s.result, s.err
}

func TestAdminDeadLettersListsUnresolved(t *testing.T) {
	t.Parallel()

	session := "cs_bad"
	repo := &stubDeadLetters{rows: []models.WebhookDeadLetter{{
		ID:        uuid.New(),
		EventID:   "evt_1",
		EventType: "checkout.session.completed",
		SessionID: &session,
		Reason:    "metadata missing buyer id",
		Payload:   []byte(`{"id":"evt_1"}`),
		CreatedAt: time.Now(),
	}}}
	rec := httptest.NewRecorder()

	AdminDeadLetters(repo, nil).ServeHTTP(rec, newRequest(http.MethodGet, "/api/admin/v1/dead-letters", ""))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, pagination.DefaultLimit, repo.params.Limit)

	var list deadLetterList
	decodeData(t, rec, &list)
	require.Len(t, list.DeadLetters, 1)
	assert.Equal(t, "evt_1", list.DeadLetters[0].EventID)
	assert.Equal(t, "metadata missing buyer id", list.DeadLetters[0].Reason)
}

func TestAdminDeadLettersRejectsBadCursor(t *testing.T) {
	t.Parallel()

	repo := &stubDeadLetters{}
	rec := httptest.NewRecorder()

	AdminDeadLetters(repo, nil).ServeHTTP(rec, newRequest(http.MethodGet, "/api/admin/v1/dead-letters?cursor=%21%21", ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDeadLettersStoreFailure(t *testing.T) {
	t.Parallel()

	repo := &stubDeadLetters{err: errors.New("connection reset")}
	rec := httptest.NewRecorder()

	AdminDeadLetters(repo, nil).ServeHTTP(rec, newRequest(http.MethodGet, "/api/admin/v1/dead-letters", ""))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminReplayDeadLetter(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	orderID := uuid.New()
	replayer := &stubReplayer{result: stripewebhook.Result{
		Handled:     true,
		State:       enums.ReconcileNotified,
		OrderID:     orderID,
		OrderNumber: "ORD-7",
	}}
	req := withURLParam(newRequest(http.MethodPost, "/replay", ""), "deadLetterId", id.String())
	rec := httptest.NewRecorder()

	AdminReplayDeadLetter(replayer, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, replayer.id)

	var out replayResponse
	decodeData(t, rec, &out)
	assert.Equal(t, "notified", out.State)
	require.NotNil(t, out.OrderID)
	assert.Equal(t, orderID, *out.OrderID)
}

func TestAdminReplayDeadLetterAlreadyResolved(t *testing.T) {
	t.Parallel()

	replayer := &stubReplayer{err: pkgerrors.New(pkgerrors.CodeStateConflict, "dead letter already resolved")}
	req := withURLParam(newRequest(http.MethodPost, "/replay", ""), "deadLetterId", uuid.NewString())
	rec := httptest.NewRecorder()

	AdminReplayDeadLetter(replayer, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
