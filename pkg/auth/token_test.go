package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

var testCfg = config.JWTConfig{Secret: "secret", Issuer: "identity.test"}

func mint(t *testing.T, cfg config.JWTConfig, issued time.Time, claims BuyerClaims) string {
	t.Helper()
	token, err := MintAccessToken(cfg, issued, time.Hour, claims)
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}
	return token
}

func buyer(subject string) BuyerClaims {
	return BuyerClaims{Email: subject + "@example.com", RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}
}

func TestVerifyAcceptsProviderToken(t *testing.T) {
	admin := buyer("ops-1")
	admin.Role = RoleAdmin
	claims, err := NewVerifier(testCfg).Verify(mint(t, testCfg, time.Now(), admin))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "ops-1" || claims.Email != "ops-1@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.IsAdmin() {
		t.Fatal("expected admin role")
	}
	if claims.Issuer != testCfg.Issuer {
		t.Fatalf("issuer mismatch: %s", claims.Issuer)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	token := mint(t, config.JWTConfig{Secret: "secret", Issuer: "someone-else"}, time.Now(), buyer("buyer-1"))
	if _, err := NewVerifier(testCfg).Verify(token); err == nil {
		t.Fatal("expected issuer mismatch to fail")
	}
}

func TestVerifyReportsExpiry(t *testing.T) {
	token := mint(t, testCfg, time.Now().Add(-2*time.Hour), buyer("buyer-1"))
	_, err := NewVerifier(testCfg).Verify(token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyToleratesClockSkewWithinLeeway(t *testing.T) {
	token := mint(t, testCfg, time.Now().Add(-time.Hour-10*time.Second), buyer("buyer-1"))

	strict := testCfg
	if _, err := NewVerifier(strict).Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry without leeway, got %v", err)
	}
	lenient := testCfg
	lenient.Leeway = time.Minute
	if _, err := NewVerifier(lenient).Verify(token); err != nil {
		t.Fatalf("expected token inside leeway to pass, got %v", err)
	}
}

func TestVerifyChecksAudienceWhenConfigured(t *testing.T) {
	storefront := testCfg
	storefront.Audience = "storefront"
	other := testCfg
	other.Audience = "marketing-site"

	if _, err := NewVerifier(storefront).Verify(mint(t, other, time.Now(), buyer("buyer-1"))); err == nil {
		t.Fatal("expected audience mismatch to fail")
	}
	if _, err := NewVerifier(storefront).Verify(mint(t, storefront, time.Now(), buyer("buyer-1"))); err != nil {
		t.Fatalf("expected matching audience to pass, got %v", err)
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, BuyerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "buyer-1",
			Issuer:    testCfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := NewVerifier(testCfg).Verify(token); err == nil {
		t.Fatal("expected alg=none to be rejected")
	}
}

func TestMintRequiresSubject(t *testing.T) {
	if _, err := MintAccessToken(testCfg, time.Now(), time.Hour, BuyerClaims{}); err == nil {
		t.Fatal("expected missing subject to fail")
	}
}
