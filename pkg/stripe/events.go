package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// Events that can materialize orders. Delayed payment methods complete the
// session unpaid and settle later with async_payment_succeeded.
const (
	EventCheckoutSessionCompleted             = string(stripe.EventTypeCheckoutSessionCompleted)
	EventCheckoutSessionAsyncPaymentSucceeded = string(stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded)
)

// ErrSignature marks a payload whose signature could not be verified.
var ErrSignature = errors.New("stripe signature verification failed")

// Address is the shipping address collected by the hosted checkout page.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// IsZero reports whether no address field was collected.
func (a Address) IsZero() bool {
	return a.Line1 == "" && a.City == "" && a.PostalCode == "" && a.Country == ""
}

// CompletedSession is the subset of a completed checkout session needed for reconciliation.
type CompletedSession struct {
	SessionID      string
	PaymentID      string
	PaymentStatus  string
	Currency       string
	AmountTotal    int64
	AmountSubtotal int64
	AmountDiscount int64
	AmountShipping int64
	Email          string
	CustomerName   string
	Shipping       Address
	Metadata       map[string]string
}

// IsPaid reports whether funds are captured for the session.
func (s CompletedSession) IsPaid() bool {
	switch s.PaymentStatus {
	case string(stripe.CheckoutSessionPaymentStatusPaid), string(stripe.CheckoutSessionPaymentStatusNoPaymentRequired):
		return true
	default:
		return false
	}
}

// ExternalPaymentID is the deduplication key: the payment intent, else the session id.
func (s CompletedSession) ExternalPaymentID() string {
	if s.PaymentID != "" {
		return s.PaymentID
	}
	return s.SessionID
}

// VerifyEvent checks the signature over the raw payload before anything is decoded.
func VerifyEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	if strings.TrimSpace(signature) == "" {
		return stripe.Event{}, fmt.Errorf("%w: signature header missing", ErrSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return event, nil
}

// Verifier accepts events signed with any of the endpoint's secrets. Stripe
// signs with both the old and the new secret while one is being rolled.
type Verifier struct {
	secrets []string
}

func NewVerifier(secrets ...string) (*Verifier, error) {
	v := &Verifier{}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			v.secrets = append(v.secrets, s)
		}
	}
	if len(v.secrets) == 0 {
		return nil, errors.New("stripe webhook secret is required")
	}
	return v, nil
}

// Verify returns the first successful verification. The error from the first
// secret is reported when none match.
func (v *Verifier) Verify(payload []byte, signature string) (stripe.Event, error) {
	var first error
	for _, secret := range v.secrets {
		event, err := VerifyEvent(payload, signature, secret)
		if err == nil {
			return event, nil
		}
		if first == nil {
			first = err
		}
	}
	return stripe.Event{}, first
}

type sessionAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type sessionShipping struct {
	Name    string          `json:"name"`
	Address *sessionAddress `json:"address"`
}

// sessionPayload decodes both the collected_information and the legacy
// shipping_details layouts, which differ across API versions.
type sessionPayload struct {
	ID             string            `json:"id"`
	PaymentIntent  json.RawMessage   `json:"payment_intent"`
	PaymentStatus  string            `json:"payment_status"`
	Currency       string            `json:"currency"`
	AmountTotal    int64             `json:"amount_total"`
	AmountSubtotal int64             `json:"amount_subtotal"`
	Metadata       map[string]string `json:"metadata"`
	TotalDetails   *struct {
		AmountDiscount int64 `json:"amount_discount"`
		AmountShipping int64 `json:"amount_shipping"`
	} `json:"total_details"`
	CustomerDetails *struct {
		Email   string          `json:"email"`
		Name    string          `json:"name"`
		Address *sessionAddress `json:"address"`
	} `json:"customer_details"`
	CustomerEmail        string `json:"customer_email"`
	CollectedInformation *struct {
		ShippingDetails *sessionShipping `json:"shipping_details"`
	} `json:"collected_information"`
	ShippingDetails *sessionShipping `json:"shipping_details"`
}

// ParseCompletedSession decodes the session object of a checkout.session.completed event.
func ParseCompletedSession(event stripe.Event) (CompletedSession, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return CompletedSession{}, errors.New("stripe event data required")
	}
	var payload sessionPayload
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return CompletedSession{}, fmt.Errorf("decode checkout session: %w", err)
	}
	if payload.ID == "" {
		return CompletedSession{}, errors.New("checkout session id missing")
	}

	out := CompletedSession{
		SessionID:      payload.ID,
		PaymentID:      decodeExpandableID(payload.PaymentIntent),
		PaymentStatus:  payload.PaymentStatus,
		Currency:       payload.Currency,
		AmountTotal:    payload.AmountTotal,
		AmountSubtotal: payload.AmountSubtotal,
		Email:          payload.CustomerEmail,
		Metadata:       payload.Metadata,
	}
	if payload.TotalDetails != nil {
		out.AmountDiscount = payload.TotalDetails.AmountDiscount
		out.AmountShipping = payload.TotalDetails.AmountShipping
	}
	if cd := payload.CustomerDetails; cd != nil {
		if cd.Email != "" {
			out.Email = cd.Email
		}
		out.CustomerName = cd.Name
		out.Shipping = toAddress(cd.Name, cd.Address)
	}

	var shipping *sessionShipping
	if payload.CollectedInformation != nil && payload.CollectedInformation.ShippingDetails != nil {
		shipping = payload.CollectedInformation.ShippingDetails
	} else if payload.ShippingDetails != nil {
		shipping = payload.ShippingDetails
	}
	if shipping != nil && shipping.Address != nil {
		out.Shipping = toAddress(shipping.Name, shipping.Address)
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out, nil
}

func toAddress(name string, addr *sessionAddress) Address {
	if addr == nil {
		return Address{Name: name}
	}
	return Address{
		Name:       name,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

// decodeExpandableID accepts either a bare id string or an expanded object with an id.
func decodeExpandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
