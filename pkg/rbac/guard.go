package rbac

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

// Guard enforces the role hierarchy between users
type Guard struct {
	checker Checker
}

// NewGuard creates a hierarchy guard backed by checker
func NewGuard(checker Checker) *Guard {
	return &Guard{checker: checker}
}

// CanManage reports whether actor may administer target. Self-management is
// always allowed; otherwise the actor's highest active level must be strictly
// greater than the target's. A user without an active role ranks below every
// level.
func (g *Guard) CanManage(ctx context.Context, actorID, targetID int64) (bool, error) {
	if actorID == targetID {
		return true, nil
	}

	var actor, target *EffectivePermissionSet
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		actor, err = g.checker.Resolve(egCtx, actorID)
		return err
	})
	eg.Go(func() error {
		var err error
		target, err = g.checker.Resolve(egCtx, targetID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return false, err
	}

	return outranks(actor, target), nil
}

// outranks compares highest levels with users lacking a role at -inf
func outranks(actor, target *EffectivePermissionSet) bool {
	if !actor.HasRole {
		return false
	}
	if !target.HasRole {
		return true
	}
	return actor.Level > target.Level
}

// CanAssignRole reports whether actor may hand out role. The role's level must
// be strictly below the actor's own; SuperAdmin-tier actors may assign any
// role. A denial is returned as INSUFFICIENT_ROLE_LEVEL.
func (g *Guard) CanAssignRole(ctx context.Context, actorID int64, role *Role) error {
	actor, err := g.checker.Resolve(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Tier == TierSuperAdmin {
		return nil
	}
	if actor.HasRole && role.Level < actor.Level {
		return nil
	}
	return apperrors.WithMetadata(apperrors.CodeInsufficientRoleLevel,
		fmt.Sprintf("cannot assign role %s above or at your own level", role.Name),
		map[string]string{"role": role.Name, "required_level": fmt.Sprint(role.Level + 1)})
}
