package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func signedHeader(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventJSON(object string) []byte {
	return []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","api_version":"2020-08-27","data":{"object":` + object + `}}`)
}

func TestVerifyEvent(t *testing.T) {
	payload := eventJSON(`{"id":"cs_1","object":"checkout.session"}`)

	event, err := VerifyEvent(payload, signedHeader(payload, testSecret, time.Now().Unix()), testSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventCheckoutSessionCompleted, string(event.Type))

	_, err = VerifyEvent(payload, "", testSecret)
	assert.True(t, errors.Is(err, ErrSignature), "missing header must be a signature failure")

	_, err = VerifyEvent(payload, signedHeader(payload, "whsec_other", time.Now().Unix()), testSecret)
	assert.True(t, errors.Is(err, ErrSignature), "wrong secret must be a signature failure")

	tampered := eventJSON(`{"id":"cs_2","object":"checkout.session"}`)
	_, err = VerifyEvent(tampered, signedHeader(payload, testSecret, time.Now().Unix()), testSecret)
	assert.True(t, errors.Is(err, ErrSignature), "tampered body must be a signature failure")
}

func TestVerifierAcceptsEitherSecretDuringRotation(t *testing.T) {
	verifier, err := NewVerifier("whsec_new", " ", "whsec_old")
	require.NoError(t, err)
	payload := eventJSON(`{"id":"cs_1","object":"checkout.session"}`)
	now := time.Now().Unix()

	for _, secret := range []string{"whsec_new", "whsec_old"} {
		event, err := verifier.Verify(payload, signedHeader(payload, secret, now))
		require.NoError(t, err, secret)
		assert.Equal(t, "evt_1", event.ID)
	}

	_, err = verifier.Verify(payload, signedHeader(payload, "whsec_retired", now))
	assert.ErrorIs(t, err, ErrSignature)

	_, err = NewVerifier("", "  ")
	assert.Error(t, err)
}

func TestParseCompletedSessionCollectedInformation(t *testing.T) {
	payload := eventJSON(`{
		"id":"cs_123",
		"object":"checkout.session",
		"payment_intent":"pi_123",
		"payment_status":"paid",
		"currency":"inr",
		"amount_total":16000,
		"amount_subtotal":20000,
		"total_details":{"amount_discount":4000,"amount_shipping":0},
		"customer_details":{"email":"buyer@example.com","name":"Asha","address":{"line1":"billing","city":"Pune","country":"IN"}},
		"collected_information":{"shipping_details":{"name":"Asha R","address":{"line1":"12 MG Road","city":"Bengaluru","state":"KA","postal_code":"560001","country":"IN"}}},
		"metadata":{"buyer_id":"user-1"}
	}`)
	event, err := VerifyEvent(payload, signedHeader(payload, testSecret, time.Now().Unix()), testSecret)
	require.NoError(t, err)

	session, err := ParseCompletedSession(event)
	require.NoError(t, err)
	assert.Equal(t, "cs_123", session.SessionID)
	assert.Equal(t, "pi_123", session.ExternalPaymentID())
	assert.Equal(t, int64(16000), session.AmountTotal)
	assert.Equal(t, int64(4000), session.AmountDiscount)
	assert.Equal(t, "buyer@example.com", session.Email)
	assert.Equal(t, "12 MG Road", session.Shipping.Line1)
	assert.Equal(t, "Asha R", session.Shipping.Name)
	assert.Equal(t, "user-1", session.Metadata["buyer_id"])
}

func TestParseCompletedSessionLegacyShippingAndExpandedIntent(t *testing.T) {
	payload := eventJSON(`{
		"id":"cs_9",
		"payment_intent":{"id":"pi_9","object":"payment_intent"},
		"customer_email":"fallback@example.com",
		"shipping_details":{"name":"Ravi","address":{"line1":"4 Park St","city":"Kolkata","country":"IN"}}
	}`)
	event, err := VerifyEvent(payload, signedHeader(payload, testSecret, time.Now().Unix()), testSecret)
	require.NoError(t, err)

	session, err := ParseCompletedSession(event)
	require.NoError(t, err)
	assert.Equal(t, "pi_9", session.PaymentID)
	assert.Equal(t, "fallback@example.com", session.Email)
	assert.Equal(t, "4 Park St", session.Shipping.Line1)
	assert.NotNil(t, session.Metadata)
}

func TestExternalPaymentIDFallsBackToSession(t *testing.T) {
	session := CompletedSession{SessionID: "cs_only"}
	assert.Equal(t, "cs_only", session.ExternalPaymentID())
}

func TestEscapeSearchValue(t *testing.T) {
	assert.Equal(t, `o\'brien@example.com`, escapeSearchValue(" o'brien@example.com "))
}

func TestCompletedSessionIsPaid(t *testing.T) {
	for status, want := range map[string]bool{
		"paid":                true,
		"no_payment_required": true,
		"unpaid":              false,
		"":                    false,
	} {
		assert.Equal(t, want, CompletedSession{PaymentStatus: status}.IsPaid(), status)
	}
}
