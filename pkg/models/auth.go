package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims guards the operator surface (manual sync, cancel, progress).
type AdminClaims struct {
	Subject string `json:"sub_name"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}
