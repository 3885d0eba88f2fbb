package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// Mode is the Stripe account mode. Keys and webhook secrets differ per mode.
type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

func (m Mode) keyPrefixes() []string {
	if m == ModeLive {
		return []string{"sk_live_", "rk_live_"}
	}
	return []string{"sk_test_", "rk_test_"}
}

// Client is the Stripe account the storefront charges through. It is built
// once per process and never touches stripe-go's package-level key.
type Client struct {
	api      *stripe.Client
	mode     Mode
	currency string
	webhooks *Verifier
}

// NewClient checks that the secret key belongs to the configured mode before
// any request can reach the wrong account.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	mode := Mode(cfg.Environment())
	if mode != ModeTest && mode != ModeLive {
		return nil, fmt.Errorf("stripe mode must be %q or %q, got %q", ModeTest, ModeLive, mode)
	}

	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("stripe api key is required")
	}
	if !hasAnyPrefix(key, mode.keyPrefixes()) {
		return nil, fmt.Errorf("stripe %s mode needs a %s key", mode, strings.Join(mode.keyPrefixes(), " or "))
	}

	webhooks, err := NewVerifier(cfg.WebhookSecrets...)
	if err != nil {
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_mode":     string(mode),
			"currency":        cfg.CurrencyCode(),
			"webhook_secrets": len(cfg.WebhookSecrets),
		}), "stripe account configured")
	}
	return &Client{
		api:      stripe.NewClient(key),
		mode:     mode,
		currency: cfg.CurrencyCode(),
		webhooks: webhooks,
	}, nil
}

func (c *Client) Mode() Mode {
	return c.mode
}

// Currency is the lower-case ISO code every session is priced in.
func (c *Client) Currency() string {
	return c.currency
}

// Webhooks verifies event signatures against the account's endpoint secrets.
func (c *Client) Webhooks() *Verifier {
	return c.webhooks
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
