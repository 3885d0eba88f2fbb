package pagination_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

func TestCursorRoundTripsThroughQueryString(t *testing.T) {
	c := pagination.Cursor{CreatedAt: time.Date(2026, 3, 4, 10, 0, 0, 123456789, time.UTC), ID: uuid.New()}
	encoded := c.Encode()
	assert.NotContains(t, encoded, "=")
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")

	parsed, err := pagination.ParseCursor(encoded)
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(parsed.CreatedAt))
	assert.Equal(t, c.ID, parsed.ID)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	none, err := pagination.ParseCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, none)

	for _, value := range []string{"%%%", "bm8tc2VwYXJhdG9y", "eHx5"} {
		_, err := pagination.ParseCursor(value)
		assert.ErrorIs(t, err, pagination.ErrInvalidCursor, value)
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, pagination.DefaultLimit, pagination.NormalizeLimit(0))
	assert.Equal(t, pagination.MaxLimit, pagination.NormalizeLimit(5000))
	assert.Equal(t, 7, pagination.NormalizeLimit(7))
}

func TestNewestFirstWalksDeadLetters(t *testing.T) {
	conn := dbtest.Open(t)
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	for i := range 5 {
		row := models.WebhookDeadLetter{
			EventID:   fmt.Sprintf("evt_%d", i),
			EventType: "checkout.session.completed",
			Payload:   json.RawMessage(`{}`),
			Reason:    "order insert failed",
			CreatedAt: base.Add(time.Duration(i/2) * time.Minute),
		}
		require.NoError(t, conn.Create(&row).Error)
	}

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		rows, next, err := pagination.NewestFirst[models.WebhookDeadLetter](conn.Model(&models.WebhookDeadLetter{}), pagination.Params{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, r := range rows {
			seen = append(seen, r.EventID)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	require.Len(t, seen, 5, "rows sharing created_at are neither skipped nor repeated")
	assert.Equal(t, "evt_4", seen[0])
	assert.ElementsMatch(t, []string{"evt_0", "evt_1"}, seen[3:])
}
