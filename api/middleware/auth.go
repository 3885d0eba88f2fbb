package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/angelmondragon/storefront-backend/api/responses"
	pkgAuth "github.com/angelmondragon/storefront-backend/pkg/auth"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// TokenVerifier turns a bearer token into buyer claims.
type TokenVerifier interface {
	Verify(raw string) (*pkgAuth.BuyerClaims, error)
}

// Auth admits requests carrying a valid identity provider token and seeds the
// context with the buyer. An expired token is reported as such so the
// storefront can refresh instead of logging the buyer out.
func Auth(tokens TokenVerifier, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := tokens.Verify(raw)
			switch {
			case errors.Is(err, pkgAuth.ErrTokenExpired):
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "token expired"))
				return
			case err != nil:
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithIdentity(r.Context(), claims.Subject, claims.Email, claims.Role)
			if claims.Name != "" {
				ctx = context.WithValue(ctx, ctxName, claims.Name)
			}
			if logg != nil {
				ctx = logg.WithUserID(ctx, claims.Subject)
				if claims.IsAdmin() {
					ctx = logg.WithField(ctx, "actor_role", claims.Role)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
