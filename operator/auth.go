// Package operator exposes the HTTP surface the spec calls the
// "operator surface": JWT-protected finalize/units/eis-lookup RPCs,
// adapted from the teacher's admin package (JWT issuance, constant-time
// credential compare, insecure-default refusal).
package operator

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pulsereel/integrity-core/httputil"
)

type contextKey string

const operatorContextKey contextKey = "operator"

// Auth holds the operator credential/JWT configuration.
type Auth struct {
	Username  string
	Password  string
	JWTSecret string
}

// HandleLogin authenticates an operator and returns a JWT, identical
// in shape to the teacher's HandleAdminLogin.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSON(w, 400, map[string]string{"error": "invalid request"})
		return
	}

	usernameOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.Username)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.Password)) == 1
	if !usernameOK || !passwordOK {
		httputil.WriteJSON(w, 401, map[string]string{"error": "invalid credentials"})
		return
	}

	claims := jwt.MapClaims{
		"sub":      "operator",
		"operator": true,
		"exp":      time.Now().Add(12 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString([]byte(a.JWTSecret))
	if err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to generate token"})
		return
	}

	httputil.WriteJSON(w, 200, map[string]string{"token": tokenStr})
}

// isOperatorToken validates the Bearer JWT and its operator:true claim.
func (a *Auth) isOperatorToken(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	isOperator, _ := claims["operator"].(bool)
	return isOperator
}

// Middleware protects every operator RPC behind a valid JWT.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isOperatorToken(r) {
			httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), operatorContextKey, "operator")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
