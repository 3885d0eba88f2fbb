package auth

import "github.com/golang-jwt/jwt/v5"

// RoleAdmin grants access to the order and dead-letter administration routes.
const RoleAdmin = "admin"

// BuyerClaims is the token minted by the identity provider. The subject is the buyer id.
type BuyerClaims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *BuyerClaims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}
