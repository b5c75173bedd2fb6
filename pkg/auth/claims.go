package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// AccessTokenPayload is what MintAccessToken signs. Type defaults to access.
type AccessTokenPayload struct {
	UserID       uuid.UUID
	TokenVersion int
	Type         TokenType
}

// Claims carries the user id in the standard sub claim. UserID is filled from
// Subject by ParseAccessToken.
type Claims struct {
	Type         TokenType `json:"type"`
	TokenVersion int       `json:"token_version"`
	jwt.RegisteredClaims

	UserID uuid.UUID `json:"-"`
}
