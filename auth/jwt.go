package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "presencehub"

// Claims is the payload of a presencehub token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTClient verifies HS256 signed tokens.
// The token is taken from the `token` query parameter, the `Authorization: Bearer` header,
// or the `x-token` cookie, in that order.
type JWTClient struct {
	Client
	secret []byte
}

func NewJWTClient(secret []byte) *JWTClient {
	return &JWTClient{secret: secret}
}

func (c *JWTClient) Auth(r *http.Request) (string, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return "", ErrNoToken
	}
	return c.Verify(token)
}

// Verify validates signature and expiration of token, return username.
func (c *JWTClient) Verify(token string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Username == "" {
		return "", fmt.Errorf("%w: empty username", ErrInvalidToken)
	}
	return claims.Username, nil
}

func tokenFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
	}
	if c, err := r.Cookie("x-token"); err == nil {
		return c.Value
	}
	return ""
}

// Issuer signs tokens for users.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{
		secret: secret,
		ttl:    ttl,
		nowFn:  time.Now,
	}
}

func (i *Issuer) Issue(username string) (string, error) {
	now := i.nowFn()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}
