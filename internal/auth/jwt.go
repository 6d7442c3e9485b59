package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zot/livequery/internal/function"
)

// JWT authorizes requests whose credential carries an HMAC-signed token.
// The credential is either a JSON string or an object with a "token" field.
type JWT struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// Authorize implements function.AuthorizeFunc.
func (j *JWT) Authorize(ctx context.Context, req function.AuthRequest) (bool, error) {
	token := Token(req.Credential)
	if token == "" {
		// anonymous connections may open and authenticate later
		return req.Kind == function.KindConnect, nil
	}
	if _, err := j.Claims(token); err != nil {
		return false, nil
	}
	return true, nil
}

// Claims validates token and returns its claims.
func (j *JWT) Claims(token string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if j.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.Issuer))
	}
	if j.Audience != "" {
		opts = append(opts, jwt.WithAudience(j.Audience))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return j.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign issues a token for claims. Used by tooling and tests.
func (j *JWT) Sign(claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
}

// Token extracts the bearer token from a credential.
func Token(credential json.RawMessage) string {
	if len(credential) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(credential, &s); err == nil {
		return strings.TrimPrefix(s, "Bearer ")
	}
	var obj struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(credential, &obj); err == nil {
		return strings.TrimPrefix(obj.Token, "Bearer ")
	}
	return ""
}

// AllowAll accepts every request.
func AllowAll(context.Context, function.AuthRequest) (bool, error) {
	return true, nil
}
