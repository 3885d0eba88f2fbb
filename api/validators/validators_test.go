package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

type cartLine struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,min=1"`
}

type cartBody struct {
	Lines      []cartLine `json:"lines" validate:"required,min=1,max=3,dive"`
	CouponCode string     `json:"coupon_code,omitempty" validate:"omitempty,max=16,coupon_code"`
}

func decode(t *testing.T, body string) (cartBody, error) {
	t.Helper()
	var dest cartBody
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(body))
	return dest, DecodeJSONBody(req, &dest)
}

func details(t *testing.T, err error) map[string]string {
	t.Helper()
	var typed *pkgerrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	out, _ := typed.Details().(map[string]string)
	return out
}

func TestDecodeJSONBodyKeysErrorsByLinePath(t *testing.T) {
	_, err := decode(t, `{"lines":[{"product_id":"`+uuid.NewString()+`","quantity":1},{"quantity":0}],"coupon_code":"SAVE 10%"}`)
	got := details(t, err)
	assert.Equal(t, "is required", got["lines[1].product_id"])
	assert.Equal(t, "is required", got["lines[1].quantity"])
	assert.Contains(t, got["coupon_code"], "letters, digits")
}

func TestDecodeJSONBodyLimitsCartSize(t *testing.T) {
	line := `{"product_id":"` + uuid.NewString() + `","quantity":1}`
	_, err := decode(t, `{"lines":[`+strings.Repeat(line+",", 3)+line+`]}`)
	assert.Equal(t, "must have at most 3 entries", details(t, err)["lines"])
}

func TestDecodeJSONBodyAcceptsPaddedCoupon(t *testing.T) {
	body, err := decode(t, `{"lines":[{"product_id":"`+uuid.NewString()+`","quantity":2}],"coupon_code":" SAVE10 "}`)
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", CleanText(body.CouponCode, 16))
}

func TestDecodeJSONBodyRejectsMalformedBodies(t *testing.T) {
	for name, body := range map[string]string{
		"empty":         "",
		"unknown field": `{"lines":[],"gift_wrap":true}`,
		"two objects":   `{"lines":[]} {"lines":[]}`,
		"not json":      `lines=1`,
	} {
		_, err := decode(t, body)
		var typed *pkgerrors.Error
		require.ErrorAs(t, err, &typed, name)
		assert.Equal(t, pkgerrors.CodeValidation, typed.Code(), name)
	}
}

func TestPageQuery(t *testing.T) {
	cursor := pagination.Cursor{CreatedAt: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), ID: uuid.New()}.Encode()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/dead-letters?limit=5&cursor="+cursor, nil)
	params, err := PageQuery(req)
	require.NoError(t, err)
	assert.Equal(t, pagination.Params{Limit: 5, Cursor: cursor}, params)

	params, err = PageQuery(httptest.NewRequest(http.MethodGet, "/api/admin/v1/dead-letters", nil))
	require.NoError(t, err)
	assert.Equal(t, pagination.DefaultLimit, params.Limit)

	for _, query := range []string{"limit=0", "limit=101", "limit=x", "cursor=%21%21"} {
		_, err := PageQuery(httptest.NewRequest(http.MethodGet, "/api/admin/v1/dead-letters?"+query, nil))
		assert.Error(t, err, query)
	}
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "WELCOME", CleanText("  WEL\x00COME\n", 0))
	assert.Equal(t, "ÉTÉ", CleanText("ÉTÉ2026", 3), "caps by runes, not bytes")
}
