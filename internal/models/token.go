package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the claims bound into a session token: the account id
// and username, plus the registered expiry/issued-at set.
type SessionClaims struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}
