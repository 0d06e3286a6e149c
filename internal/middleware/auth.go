package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/PetoAdam/homenavi/asset-service/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are issued by the auth service. Tenant and customer ids select the
// assets the caller may see.
type Claims struct {
	Role       string `json:"role"`
	Name       string `json:"name"`
	TenantID   string `json:"tenant_id"`
	CustomerID string `json:"customer_id"`
	// Optional display names for the scope rows.
	TenantName   string `json:"tenant_name,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
	jwt.RegisteredClaims
}

var errMissingScope = errors.New("token carries no tenant/customer scope")

func (c *Claims) Scope() (store.Scope, error) {
	tid, err := uuid.Parse(strings.TrimSpace(c.TenantID))
	if err != nil {
		return store.Scope{}, errMissingScope
	}
	cid, err := uuid.Parse(strings.TrimSpace(c.CustomerID))
	if err != nil {
		return store.Scope{}, errMissingScope
	}
	return store.Scope{TenantID: tid, CustomerID: cid}, nil
}

type claimsKeyType struct{}

var claimsKey claimsKeyType

type scopeKeyType struct{}

var scopeKey scopeKeyType

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(keyData)
}

// JWTAuthMiddlewareRS256 verifies the token and stores its claims and scope on
// the request context. Tokens without a usable scope are rejected.
func JWTAuthMiddlewareRS256(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := extractToken(r)
			if tokenStr == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing token")
				return
			}
			token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return pubKey, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if err != nil || !token.Valid {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			claims, ok := token.Claims.(*Claims)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "invalid claims")
				return
			}
			scope, err := claims.Scope()
			if err != nil {
				writeJSONError(w, http.StatusForbidden, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = context.WithValue(ctx, scopeKey, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsKey).(*Claims)
	return claims
}

// ScopeFrom returns the caller scope placed on ctx by the auth middleware.
func ScopeFrom(ctx context.Context) (store.Scope, bool) {
	scope, ok := ctx.Value(scopeKey).(store.Scope)
	return scope, ok
}

// WithScope is used by tests and internal callers that bypass token parsing.
func WithScope(ctx context.Context, scope store.Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message, "code": status})
}

func extractToken(r *http.Request) string {
	// Authorization: Bearer <token>
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.HasPrefix(auth, "Bearer ") {
		return auth[7:]
	}
	// Cookie for websocket / browser flows
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}
