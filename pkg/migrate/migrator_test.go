package migrate_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
)

var orderNotesHistory = fstest.MapFS{
	"20260301000000_create_orders.sql": {Data: []byte(`-- +goose Up
CREATE TABLE orders (id TEXT PRIMARY KEY, order_number TEXT NOT NULL UNIQUE);
-- +goose Down
DROP TABLE orders;
`)},
	"20260302000000_add_order_notes.sql": {Data: []byte(`-- +goose Up
ALTER TABLE orders ADD COLUMN notes TEXT;
-- +goose Down
ALTER TABLE orders DROP COLUMN notes;
`)},
}

func newSQLiteMigrator(t *testing.T, out *bytes.Buffer) (*migrate.Migrator, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "schema.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	logg := logger.New(logger.Options{ServiceName: "migrate-test", Output: out})
	m, err := migrate.New(sqlDB, logg, migrate.Options{Dialect: goose.DialectSQLite3, Source: orderNotesHistory})
	require.NoError(t, err)
	return m, conn
}

func TestMigratorWalksHistory(t *testing.T) {
	var out bytes.Buffer
	m, conn := newSQLiteMigrator(t, &out)
	ctx := context.Background()

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, m.Up(ctx))
	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 20260302000000, version)
	assert.True(t, conn.Migrator().HasColumn("orders", "notes"))
	assert.Contains(t, out.String(), `"version":20260302000000`)

	require.NoError(t, m.To(ctx, "20260301000000"))
	assert.False(t, conn.Migrator().HasColumn("orders", "notes"))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, goose.StateApplied, statuses[0].State)
	assert.Equal(t, goose.StatePending, statuses[1].State)

	require.NoError(t, m.Down(ctx))
	assert.False(t, conn.Migrator().HasTable("orders"))
}

func TestMigratorRejectsBadVersion(t *testing.T) {
	m, _ := newSQLiteMigrator(t, &bytes.Buffer{})
	assert.ErrorContains(t, m.To(context.Background(), "latest"), "YYYYMMDDHHMMSS")
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := migrate.New(nil, logger.New(logger.Options{ServiceName: "migrate-test"}), migrate.Options{})
	assert.ErrorContains(t, err, "db is required")
}
