// Package validate normalises raw claimed orders into typed, checked
// orders before any external process is launched for them.
package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/omero"
)

// IdentityResolver is the slice of the repository gateway the validator
// needs: name-to-id resolution and group membership.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, name string) (*omero.Experimenter, error)
	ResolveGroup(ctx context.Context, name string) (*omero.Group, error)
	IsMember(ctx context.Context, userID, groupID int64) (bool, error)
}

// ValidatedOrder is an order that passed all shape and identity checks,
// with repository ids resolved.
type ValidatedOrder struct {
	domain.Order
	UserID  int64
	GroupID int64
}

// Validator checks claimed orders.
type Validator struct {
	resolver IdentityResolver
}

// New creates a validator backed by the given identity resolver.
func New(resolver IdentityResolver) *Validator {
	return &Validator{resolver: resolver}
}

// Validate runs every check from the order contract. Every failed check
// wraps domain.ErrOrderInvalid; an error from the identity resolver itself
// is returned with context but without that kind. Either is terminal for
// the attempt.
func (v *Validator) Validate(ctx context.Context, o *domain.Order) (*ValidatedOrder, error) {
	if len(o.Files) == 0 {
		return nil, fmt.Errorf("%w: order has no files", domain.ErrOrderInvalid)
	}
	for _, path := range o.Files {
		if !filepath.IsAbs(path) {
			return nil, fmt.Errorf("%w: file path %q is not absolute", domain.ErrOrderInvalid, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: file %s is not readable: %v", domain.ErrOrderInvalid, path, err)
		}
		f.Close()
	}

	if !o.DestinationType.Valid() {
		return nil, fmt.Errorf("%w: unknown destination type %q", domain.ErrOrderInvalid, o.DestinationType)
	}
	if o.DestinationID < 0 {
		return nil, fmt.Errorf("%w: negative destination id %d", domain.ErrOrderInvalid, o.DestinationID)
	}

	user, err := v.resolver.ResolveUser(ctx, o.UserName)
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", o.UserName, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user %q not found in repository", domain.ErrOrderInvalid, o.UserName)
	}

	group, err := v.resolver.ResolveGroup(ctx, o.GroupName)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", o.GroupName, err)
	}
	if group == nil {
		return nil, fmt.Errorf("%w: group %q not found in repository", domain.ErrOrderInvalid, o.GroupName)
	}

	member, err := v.resolver.IsMember(ctx, user.ID, group.ID)
	if err != nil {
		return nil, fmt.Errorf("check membership of %s in %s: %w", o.UserName, o.GroupName, err)
	}
	if !member {
		return nil, fmt.Errorf("%w: user %q is not a member of group %q",
			domain.ErrOrderInvalid, o.UserName, o.GroupName)
	}

	return &ValidatedOrder{Order: *o, UserID: user.ID, GroupID: group.ID}, nil
}
