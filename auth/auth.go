package auth

import (
	"errors"
	"net/http"
)

var (
	ErrNoToken      = errors.New("auth: no token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

type Client interface {
	// Auth authenticate current user, return username.
	Auth(r *http.Request) (string, error)
}
