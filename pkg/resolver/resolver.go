// Package resolver answers "which Omikron currently fronts this
// identifier" by walking the {user → iota → omikron} graph.
package resolver

import (
	"context"
	"errors"

	"github.com/tensamin/omega/pkg/presence"
	"github.com/tensamin/omega/pkg/repository"
)

// Resolver combines the persistent directory with the live presence index.
type Resolver struct {
	repo     repository.Repository
	presence *presence.Index
}

func New(repo repository.Repository, idx *presence.Index) *Resolver {
	return &Resolver{repo: repo, presence: idx}
}

// ResolveEntryFor maps an identifier of ambiguous type to a reachable
// Omikron record. The cascade tries the id as an omikron, then as an iota,
// then as a user whose home iota is looked up. The result is the iota's
// current primary; replicas are not consulted here.
func (r *Resolver) ResolveEntryFor(ctx context.Context, id int64) (*repository.Omikron, error) {
	if omikron, err := r.repo.GetOmikronByID(ctx, id); err == nil {
		return omikron, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if omikron, err := r.resolveIota(ctx, id); err == nil {
		return omikron, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	user, err := r.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.resolveIota(ctx, user.IotaID)
}

func (r *Resolver) resolveIota(ctx context.Context, iotaID int64) (*repository.Omikron, error) {
	primary, ok := r.presence.GetIotaPrimary(iotaID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.repo.GetOmikronByID(ctx, primary)
}
