// Package auth defines how the agent turns a credential line into a client
// id. The policy is the embedding application's business; the fabric only
// fixes the handshake shape: one JSON object in, one id out, and a failed
// authentication closes the socket without a response.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidCredentials is returned when the presented credentials do not
// resolve to a client id.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator validates the credential object a client sends as its first
// line and returns the client id to assign.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials map[string]any) (string, error)
}

// Anonymous assigns a fresh uuid to every connection. Development only.
type Anonymous struct{}

func (Anonymous) Authenticate(context.Context, map[string]any) (string, error) {
	return uuid.NewString(), nil
}
