package inventory

import (
	"context"
	"errors"
)

var ErrUnknownUser = errors.New("unknown user")

// UserResolver maps the identity the operator signed in with to the internal
// user id stored on transactions.
type UserResolver interface {
	UserID(ctx context.Context, external string) (string, error)
}

// StaticUsers is a fixed mapping. An empty mapping passes identities through.
type StaticUsers map[string]string

func (s StaticUsers) UserID(_ context.Context, external string) (string, error) {
	if len(s) == 0 {
		return external, nil
	}
	id, ok := s[external]
	if !ok {
		return "", ErrUnknownUser
	}
	return id, nil
}
