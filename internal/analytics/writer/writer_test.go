package writer

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/storefront-backend/internal/analytics/types"
	pkgbigquery "github.com/angelmondragon/storefront-backend/pkg/bigquery"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

type scriptedInserter struct {
	responses []error
	calls     int
	table     string
	rows      []pkgbigquery.Row
}

func (s *scriptedInserter) InsertRows(_ context.Context, table string, rows []any) error {
	s.calls++
	s.table = table
	for _, r := range rows {
		s.rows = append(s.rows, r.(pkgbigquery.Row))
	}
	if len(s.responses) == 0 {
		return nil
	}
	err := s.responses[0]
	s.responses = s.responses[1:]
	return err
}

func newTestFacts(t *testing.T, responses ...error) (*OrderFacts, *scriptedInserter) {
	t.Helper()
	inserter := &scriptedInserter{responses: responses}
	w, err := newOrderFacts(inserter, Config{
		OrderFactsTable: "order_facts",
		Backoff:         time.Millisecond,
		BackoffCeiling:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("newOrderFacts: %v", err)
	}
	return w, inserter
}

func paidFact() types.OrderFactRow {
	return types.OrderFactRow{EventID: "evt-1", OrderID: "0191f5a0-0000-7000-8000-000000000001", OrderNumber: "ORD-20260304-ABCDEFGH"}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Config{OrderFactsTable: "order_facts"}); err == nil {
		t.Fatal("expected error when client missing")
	}
	if _, err := New(&pkgbigquery.Client{}, Config{OrderFactsTable: " "}); err == nil {
		t.Fatal("expected error when order facts table missing")
	}
	w, err := newOrderFacts(&scriptedInserter{}, Config{OrderFactsTable: "order_facts", Backoff: time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.tries != defaultAttempts || w.ceiling != time.Minute {
		t.Fatalf("expected defaults with ceiling raised to backoff, got tries=%d ceiling=%s", w.tries, w.ceiling)
	}
}

func TestInsertWritesSynchronouslyKeyedByOrder(t *testing.T) {
	w, inserter := newTestFacts(t)
	fact := paidFact()

	if err := w.InsertOrderFact(context.Background(), fact); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserter.calls != 1 || inserter.table != "order_facts" {
		t.Fatalf("expected one insert into order_facts, got %d into %q", inserter.calls, inserter.table)
	}
	if got := inserter.rows[0].InsertID; got != fact.OrderID {
		t.Fatalf("expected insert id %s, got %s", fact.OrderID, got)
	}
}

func TestInsertRetriesTransientFailures(t *testing.T) {
	w, inserter := newTestFacts(t,
		&googleapi.Error{Code: http.StatusServiceUnavailable},
		status.Error(codes.Unavailable, "backend unavailable"),
		nil,
	)

	if err := w.InsertOrderFact(context.Background(), paidFact()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if inserter.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inserter.calls)
	}
}

func TestInsertGivesUpWithoutRejectingAfterAttempts(t *testing.T) {
	unavailable := &googleapi.Error{Code: http.StatusServiceUnavailable}
	w, inserter := newTestFacts(t, unavailable, unavailable, unavailable, unavailable)

	err := w.InsertOrderFact(context.Background(), paidFact())
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if errors.Is(err, types.ErrFactRejected) {
		t.Fatal("an outage must stay retryable")
	}
	if inserter.calls != defaultAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultAttempts, inserter.calls)
	}
}

func TestInsertRejectsRowsBigQueryRefuses(t *testing.T) {
	invalid := cbigquery.PutMultiError{{
		InsertID: "x",
		Errors:   cbigquery.MultiError{&googleapi.Error{Code: http.StatusBadRequest, Message: "no such field: units"}},
	}}
	w, inserter := newTestFacts(t, invalid)

	err := w.InsertOrderFact(context.Background(), paidFact())
	if !errors.Is(err, types.ErrFactRejected) {
		t.Fatalf("expected ErrFactRejected, got %v", err)
	}
	if inserter.calls != 1 {
		t.Fatalf("expected no retry for a refused row, got %d calls", inserter.calls)
	}
}

func TestInsertRejectsFactWithoutOrderID(t *testing.T) {
	w, inserter := newTestFacts(t)
	err := w.InsertOrderFact(context.Background(), types.OrderFactRow{EventID: "evt-1"})
	if !errors.Is(err, types.ErrFactRejected) {
		t.Fatalf("expected ErrFactRejected, got %v", err)
	}
	if inserter.calls != 0 {
		t.Fatal("nothing should reach bigquery")
	}
}

func TestInsertStopsWaitingWhenContextEnds(t *testing.T) {
	inserter := &scriptedInserter{responses: []error{&googleapi.Error{Code: http.StatusTooManyRequests}}}
	w, err := newOrderFacts(inserter, Config{OrderFactsTable: "order_facts", Backoff: time.Hour})
	if err != nil {
		t.Fatalf("newOrderFacts: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = w.InsertOrderFact(ctx, paidFact())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if inserter.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", inserter.calls)
	}
}

func TestJSONColumn(t *testing.T) {
	empty, err := JSONColumn([]payloads.OrderPaidItem(nil))
	if err != nil || empty.Valid {
		t.Fatalf("expected NULL for no items, got %+v err=%v", empty, err)
	}

	items, err := JSONColumn([]payloads.OrderPaidItem{{VariantSKU: "TEE-BLK-M", Quantity: 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !items.Valid || items.JSONVal == "" {
		t.Fatalf("expected encoded items, got %+v", items)
	}
}
