package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/storefront-backend/internal/analytics/types"
	pkgbigquery "github.com/angelmondragon/storefront-backend/pkg/bigquery"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 250 * time.Millisecond
	defaultCeiling  = 2 * time.Second
)

// Config names the order facts table and how hard a single insert is tried.
type Config struct {
	OrderFactsTable string
	Attempts        int
	Backoff         time.Duration
	BackoffCeiling  time.Duration
}

type rowInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// OrderFacts streams one order_facts row per paid order. A call returns only
// after BigQuery accepted or refused the row, so the caller can ack safely.
type OrderFacts struct {
	client  rowInserter
	table   string
	tries   int
	backoff time.Duration
	ceiling time.Duration
}

func New(client *pkgbigquery.Client, cfg Config) (*OrderFacts, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	return newOrderFacts(client, cfg)
}

func newOrderFacts(client rowInserter, cfg Config) (*OrderFacts, error) {
	table := strings.TrimSpace(cfg.OrderFactsTable)
	if table == "" {
		return nil, errors.New("order facts table is required")
	}
	w := &OrderFacts{
		client:  client,
		table:   table,
		tries:   cfg.Attempts,
		backoff: cfg.Backoff,
		ceiling: cfg.BackoffCeiling,
	}
	if w.tries <= 0 {
		w.tries = defaultAttempts
	}
	if w.backoff <= 0 {
		w.backoff = defaultBackoff
	}
	if w.ceiling <= 0 {
		w.ceiling = defaultCeiling
	}
	w.ceiling = max(w.ceiling, w.backoff)
	return w, nil
}

// InsertOrderFact writes the row keyed by its order ID, so a fact replayed
// after a lost ack collapses into the first one. Rows BigQuery refuses for
// their content come back wrapped in types.ErrFactRejected.
func (w *OrderFacts) InsertOrderFact(ctx context.Context, row types.OrderFactRow) error {
	if row.OrderID == "" {
		return fmt.Errorf("%w: order id missing", types.ErrFactRejected)
	}
	rows := []any{pkgbigquery.Row{InsertID: row.OrderID, Value: &row}}

	wait := w.backoff
	for attempt := 1; ; attempt++ {
		err := w.client.InsertRows(ctx, w.table, rows)
		if err == nil {
			return nil
		}
		if !transient(err) {
			return fmt.Errorf("%w: order %s: %w", types.ErrFactRejected, row.OrderNumber, err)
		}
		if attempt >= w.tries {
			return fmt.Errorf("insert order fact %s after %d attempts: %w", row.OrderNumber, attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, w.ceiling)
	}
}

// transient reports whether every part of a BigQuery failure is worth
// another attempt. Context errors count so the message is redelivered.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var multi cbigquery.MultiError
	if errors.As(err, &multi) {
		return len(multi) > 0 && allTransient(multi)
	}
	var puts cbigquery.PutMultiError
	if errors.As(err, &puts) {
		if len(puts) == 0 {
			return false
		}
		for _, rowErr := range puts {
			if len(rowErr.Errors) == 0 || !allTransient(rowErr.Errors) {
				return false
			}
		}
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusRequestTimeout,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Aborted, codes.DeadlineExceeded, codes.Internal,
			codes.ResourceExhausted, codes.Unavailable:
			return true
		}
	}
	return false
}

func allTransient(errs []error) bool {
	for _, inner := range errs {
		if !transient(inner) {
			return false
		}
	}
	return true
}

// JSONColumn renders line items for a BigQuery JSON column. An empty list is
// stored as NULL.
func JSONColumn[T any](items []T) (cbigquery.NullJSON, error) {
	if len(items) == 0 {
		return cbigquery.NullJSON{}, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return cbigquery.NullJSON{}, fmt.Errorf("%w: encode items: %w", types.ErrFactRejected, err)
	}
	return cbigquery.NullJSON{Valid: true, JSONVal: string(raw)}, nil
}
