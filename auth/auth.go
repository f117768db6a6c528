package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var ErrNoRefreshToken = errors.New("auth: no refresh token")

//go:generate mockgen -destination=mock/provider.go -package=mock_auth . Provider

// Pair is an access token plus the refresh token that renews it.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Provider supplies bearer tokens to the messaging session.
type Provider interface {
	// AccessToken returns the current access token, "" if none.
	AccessToken() string

	// RefreshToken returns the current refresh token, "" if none.
	RefreshToken() string

	// Refresh renews the pair. Concurrent calls share one in-flight refresh.
	Refresh(ctx context.Context) (*Pair, error)
}

// Error is a failed refresh. StatusCode is 0 when the request did not reach the server.
type Error struct {
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("auth: refresh rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("auth: refresh error: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SetBearer sets the Authorization header of h.
func SetBearer(h http.Header, token string) {
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}
