package customers

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type memoryCache struct {
	values  map[string]string
	readErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	if c.readErr != nil {
		return "", c.readErr
	}
	v, ok := c.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.values[key] = value.(string)
	return nil
}

func (c *memoryCache) CustomerKey(email string) string {
	return "sf:customer:gateway:" + email
}

type fakeGateway struct {
	existing  map[string]string
	created   int
	searched  int
	searchErr error
}

func (g *fakeGateway) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	g.searched++
	if g.searchErr != nil {
		return "", g.searchErr
	}
	return g.existing[email], nil
}

func (g *fakeGateway) CreateCustomer(_ context.Context, email, _ string, metadata map[string]string) (string, error) {
	g.created++
	if metadata["customer_id"] == "" {
		return "", errors.New("customer_id metadata missing")
	}
	return "cus_new_" + email, nil
}

func newDirectory(t *testing.T, cache *memoryCache, gw *fakeGateway) (*Directory, *Repository) {
	t.Helper()
	repo := NewRepository(dbtest.Open(t))
	params := DirectoryParams{
		Store:   repo,
		Gateway: gw,
		TTL:     time.Hour,
		Logger:  logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	}
	if cache != nil {
		params.Cache = cache
	}
	dir, err := NewDirectory(params)
	require.NoError(t, err)
	return dir, repo
}

func TestResolveCreatesOnceThenReusesCache(t *testing.T) {
	cache := newMemoryCache()
	gw := &fakeGateway{}
	dir, repo := newDirectory(t, cache, gw)
	ctx := context.Background()
	buyer := Buyer{Subject: "user-1", Email: "Asha@Example.com", Name: "Asha"}

	first, err := dir.Resolve(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, "cus_new_asha@example.com", first.GatewayCustomerID)
	assert.Equal(t, 1, gw.created)

	second, err := dir.Resolve(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, gw.created)
	assert.Equal(t, 1, gw.searched, "cache hit skips the gateway")

	stored, err := repo.FindBySubject(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, stored.GatewayCustomerID)
	assert.Equal(t, first.GatewayCustomerID, *stored.GatewayCustomerID)
}

func TestResolveUsesStoredIDWhenCacheUnavailable(t *testing.T) {
	gw := &fakeGateway{existing: map[string]string{"ravi@example.com": "cus_existing"}}
	cache := newMemoryCache()
	dir, _ := newDirectory(t, cache, gw)
	ctx := context.Background()
	buyer := Buyer{Subject: "user-2", Email: "ravi@example.com"}

	res, err := dir.Resolve(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", res.GatewayCustomerID)
	assert.Zero(t, gw.created)

	cache.readErr = errors.New("redis down")
	again, err := dir.Resolve(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", again.GatewayCustomerID)
	assert.Equal(t, 1, gw.searched, "stored id avoids a second search")
}

func TestResolveGatewayFailureIsPaymentGatewayError(t *testing.T) {
	gw := &fakeGateway{searchErr: errors.New("timeout")}
	dir, _ := newDirectory(t, nil, gw)

	_, err := dir.Resolve(context.Background(), Buyer{Subject: "user-3", Email: "x@example.com"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePaymentGateway))
}

func TestResolveRequiresIdentity(t *testing.T) {
	dir, _ := newDirectory(t, nil, &fakeGateway{})
	_, err := dir.Resolve(context.Background(), Buyer{Subject: "user-4"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestEnsureUpdatesEmail(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()

	first, err := repo.Ensure(ctx, "user-5", "old@example.com", "")
	require.NoError(t, err)
	second, err := repo.Ensure(ctx, "user-5", "new@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var stored models.Customer
	require.NoError(t, repo.db.First(&stored, "id = ?", first.ID).Error)
	assert.Equal(t, "new@example.com", stored.Email)
}
