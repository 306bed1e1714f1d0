package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
	"github.com/mapleleafu/tabletop/tabletop-backend/responses"
	"github.com/mapleleafu/tabletop/tabletop-backend/utils"
)

type contextKey string

const AuthInfoKey contextKey = "authInfo"

// ValidateToken parses an HS256 token signed with secret and returns its
// claims.
func ValidateToken(secret []byte, tokenStr string) (*models.CustomClaims, error) {
	if len(secret) == 0 {
		return nil, errors.New("JWT secret not set")
	}

	claims := &models.CustomClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// JWTValidation rejects requests without a valid bearer token and stores the
// claims in the request context.
func JWTValidation(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				utils.HandleError(w, responses.UnauthorizedError{Msg: "Your token is invalid or expired. Please log in again."})
				return
			}

			ctx := context.WithValue(r.Context(), AuthInfoKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by JWTValidation.
func ClaimsFromContext(ctx context.Context) (*models.CustomClaims, bool) {
	claims, ok := ctx.Value(AuthInfoKey).(*models.CustomClaims)
	return claims, ok
}
