// Package session resolves the identity behind a handshake credential.
// Authentication itself happens elsewhere; the relay only needs the
// already-authenticated user id back.
package session

import (
	"context"
	"errors"

	"github.com/DevelopmentBelt/angcord-relay/src/types"
)

// ErrUnknownSession is returned when a credential maps to no user.
var ErrUnknownSession = errors.New("unknown session credential")

// Directory maps a handshake credential to a user identity.
type Directory interface {
	Resolve(ctx context.Context, credential string) (types.UserID, error)
}

// Passthrough accepts the credential as the user id itself. This matches
// deployments where an upstream proxy has already authenticated the
// request and injected the identity.
type Passthrough struct{}

func (Passthrough) Resolve(_ context.Context, credential string) (types.UserID, error) {
	if credential == "" {
		return "", ErrUnknownSession
	}
	return credential, nil
}
