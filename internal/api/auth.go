package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/capstone-chat/internal/types"
)

const (
	userIdClaim = "user-id"
	roleClaim   = "role"
	expClaim    = "exp"

	tokenQueryParam = "token"
	bearerPrefix    = "Bearer "
)

var errMissingToken = errors.New("missing token")

// Claims is what a verified token says about the caller.
type Claims struct {
	UserId string
	Role   types.Role
}

type contextKey string

const claimsKey contextKey = "claims"

func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

// tokenFromRequest reads the bearer token from the Authorization header or,
// for browser websocket handshakes that cannot set headers, the token query
// parameter.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, bearerPrefix) {
			return "", fmt.Errorf("unsupported authorization scheme")
		}
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)), nil
	}

	if t := r.URL.Query().Get(tokenQueryParam); t != "" {
		return t, nil
	}

	return "", errMissingToken
}

// NewToken signs a token for c that expires after exp. Tokens are normally
// issued by the account service sharing the signing key.
func NewToken(signingKey []byte, c Claims, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: c.UserId,
		roleClaim:   string(c.Role),
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

func verifyToken(signingKey []byte, tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return Claims{}, fmt.Errorf("invalid token")
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("invalid token claims")
	}

	// jwt v3 only checks exp when it is present
	if !mc.VerifyExpiresAt(time.Now().Unix(), true) {
		return Claims{}, fmt.Errorf("missing or expired exp claim")
	}

	var c Claims
	switch id := mc[userIdClaim].(type) {
	case string:
		c.UserId = id
	case float64:
		c.UserId = strconv.FormatInt(int64(id), 10)
	}
	if c.UserId == "" {
		return Claims{}, fmt.Errorf("invalid user id claim")
	}

	if role, ok := mc[roleClaim].(string); ok {
		c.Role = types.Role(role)
	}

	return c, nil
}
