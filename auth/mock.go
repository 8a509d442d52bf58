package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// MockClient trusts the `x-user` cookie. For development and tests only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	var username string

	if c, err := r.Cookie("x-user"); err == nil {
		username = strings.TrimSpace(c.Value)
	}

	if username == "" {
		return "", fmt.Errorf("empty x-user from cookie: %w", ErrNoToken)
	}
	return username, nil
}
