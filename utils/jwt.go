package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the caller and the workspace it acts in
type Claims struct {
	UserID      uint `json:"user_id"`
	WorkspaceID uint `json:"workspace_id"`
	jwt.RegisteredClaims
}

// GenerateJWTToken issues a signed access token. Token issuance belongs to the auth
// service; this is used by tooling and tests.
func GenerateJWTToken(userID, workspaceID uint, secret string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:      userID,
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWTToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.WorkspaceID == 0 {
			return nil, errors.New("token has no workspace")
		}
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
