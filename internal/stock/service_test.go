package stock

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

func newService(t *testing.T, conn *gorm.DB) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{DB: conn, TransactionRunner: db.Wrap(conn)})
	require.NoError(t, err)
	return svc
}

func plan(t *testing.T, conn *gorm.DB, svc *Service, orderID uuid.UUID, lines []Line) {
	t.Helper()
	require.NoError(t, db.Wrap(conn).WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.PlanTx(context.Background(), tx, orderID, lines)
	}))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestApplyOrderAppliesEachLineOnce(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	ctx := context.Background()

	base := seedProduct(t, conn, 5)
	variant := seedProduct(t, conn, 9, models.ProductVariant{SKU: "BLU-S", Stock: 1})
	orderID := uuid.New()
	plan(t, conn, svc, orderID, []Line{
		{LineIndex: 0, ProductID: base.ID, Quantity: 2},
		{LineIndex: 1, ProductID: variant.ID, VariantSKU: "BLU-S", Quantity: 1},
	})

	outcomes, err := svc.ApplyOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Applied, "line %d", o.LineIndex)
	}

	again, err := svc.ApplyOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Empty(t, again, "applied rows are not retried")

	reload(t, conn, &base)
	reload(t, conn, &variant)
	assert.Equal(t, 3, base.Stock)
	assert.Equal(t, 9, variant.Stock)
	assert.Equal(t, 0, variant.Variants[0].Stock)
}

func TestPlanTxRejectsDuplicateLines(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	product := seedProduct(t, conn, 5)
	orderID := uuid.New()
	lines := []Line{{LineIndex: 0, ProductID: product.ID, Quantity: 1}}

	plan(t, conn, svc, orderID, lines)
	err := db.Wrap(conn).WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.PlanTx(context.Background(), tx, orderID, lines)
	})
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err, "stock_adjustments_order_line_key"))
}

func TestApplyInsufficientStockIsSoftFailure(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	ctx := context.Background()

	product := seedProduct(t, conn, 1)
	orderID := uuid.New()
	plan(t, conn, svc, orderID, []Line{{LineIndex: 0, ProductID: product.ID, Quantity: 2}})

	outcomes, err := svc.ApplyOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Failed())
	assert.Equal(t, ReasonInsufficientStock, outcomes[0].Reason)

	rows, err := svc.ListForOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.StockAdjustmentFailed, rows[0].Status)
	assert.Equal(t, 1, rows[0].AttemptCount)
	require.NotNil(t, rows[0].Reason)

	reload(t, conn, &product)
	assert.Equal(t, 1, product.Stock)

	// restock, then the retry path succeeds
	require.NoError(t, conn.Model(&models.Product{}).Where("id = ?", product.ID).Update("stock", 4).Error)
	retryable, err := svc.ListRetryable(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)

	outcome, err := svc.Apply(ctx, retryable[0])
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	rows, err = svc.ListForOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, enums.StockAdjustmentApplied, rows[0].Status)
	assert.Equal(t, 2, rows[0].AttemptCount)
	assert.Nil(t, rows[0].Reason)
}

func TestApplyAlreadyAppliedIsNoop(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	ctx := context.Background()

	product := seedProduct(t, conn, 5)
	orderID := uuid.New()
	plan(t, conn, svc, orderID, []Line{{LineIndex: 0, ProductID: product.ID, Quantity: 1}})

	rows, err := svc.ListForOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	first, err := svc.Apply(ctx, rows[0])
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := svc.Apply(ctx, rows[0])
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)

	reload(t, conn, &product)
	assert.Equal(t, 4, product.Stock)
}

func TestMarkExhaustedStopsRetries(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	ctx := context.Background()

	product := seedProduct(t, conn, 0)
	orderID := uuid.New()
	plan(t, conn, svc, orderID, []Line{{LineIndex: 0, ProductID: product.ID, Quantity: 1}})

	rows, err := svc.ListForOrder(ctx, orderID)
	require.NoError(t, err)
	require.NoError(t, svc.MarkExhausted(ctx, rows[0].ID, "gave up"))

	retryable, err := svc.ListRetryable(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}
