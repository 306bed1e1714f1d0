package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

var secret = []byte("test-secret")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims models.CustomClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() models.CustomClaims {
	return models.CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		ID:               "42",
		Username:         "gm",
		Games:            []int{7},
	}
}

func TestValidateToken(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	tests := []struct {
		name    string
		secret  []byte
		token   string
		wantErr bool
	}{
		{name: "valid", secret: secret, token: sign(t, jwt.SigningMethodHS256, secret, validClaims())},
		{name: "wrong secret", secret: secret, token: sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims()), wantErr: true},
		{name: "expired", secret: secret, token: sign(t, jwt.SigningMethodHS256, secret, expired), wantErr: true},
		{name: "garbage", secret: secret, token: "not-a-token", wantErr: true},
		{name: "unsigned", secret: secret, token: sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims()), wantErr: true},
		{name: "no secret", secret: nil, token: sign(t, jwt.SigningMethodHS256, secret, validClaims()), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ValidateToken(tt.secret, tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "gm", claims.Username)
			assert.Equal(t, []int{7}, claims.Games)
		})
	}
}

func TestJWTValidation(t *testing.T) {
	var seen *models.CustomClaims
	handler := JWTValidation(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("accepts bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/games/7/entities", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, secret, validClaims()))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "42", seen.ID)
	})

	t.Run("rejects missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/games/7/entities", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var body models.ApiResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.False(t, body.Success)
		assert.NotEmpty(t, body.Error)
	})
}
