// Package identity supplies the (user id, display name) pair a session
// runs as. The core treats both as opaque strings that stay stable for the
// lifetime of the session.
package identity

import (
	"context"

	"github.com/dkeye/ptt/internal/domain"
)

// ContextKey is where the relay router stores a verified Identity.
const ContextKey = "identity"

type Identity struct {
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
}

func (i Identity) Validate() error {
	if err := i.UserID.Validate(); err != nil {
		return err
	}
	_, err := domain.NormalizeDisplayName(i.DisplayName)
	return err
}

type Provider interface {
	Identity(ctx context.Context) (Identity, error)
}

// Static is an identity fixed at construction.
type Static struct {
	id Identity
}

// NewStatic creates a fresh user id for displayName.
func NewStatic(displayName string) (*Static, error) {
	u, err := domain.NewUser(displayName)
	if err != nil {
		return nil, err
	}
	return &Static{id: Identity{UserID: u.ID, DisplayName: u.DisplayName}}, nil
}

func NewStaticWithID(id domain.UserID, displayName string) (*Static, error) {
	name, err := domain.NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	ident := Identity{UserID: id, DisplayName: name}
	if err := ident.Validate(); err != nil {
		return nil, err
	}
	return &Static{id: ident}, nil
}

func (s *Static) Identity(context.Context) (Identity, error) { return s.id, nil }
