// Package access decides resource visibility. It is the single source of
// truth consulted by both the websocket layer and the REST handlers, so
// "who may enter a room" can never drift between the two entry points.
package access

import (
	"context"
	"errors"

	"labhub/internal/rbac"
	"labhub/internal/store"
)

var (
	ErrNotFound         = errors.New("resource not found")
	ErrPermissionDenied = errors.New("access denied")
)

// ResourceGraph is the read-only assignment view the guard needs. The
// postgres store satisfies it; tests substitute fakes.
type ResourceGraph interface {
	ResourceExists(ctx context.Context, roomType, roomID string) (bool, error)
	AssignedUserIDs(ctx context.Context, roomType, roomID string) ([]string, error)
}

type Guard struct {
	graph ResourceGraph
}

func NewGuard(graph ResourceGraph) *Guard {
	return &Guard{graph: graph}
}

// CanAccess reports whether the user may see the room. Managers always
// pass. A researcher passes a task room only when assigned to the task by
// the legacy column or the many-to-many set, and a study or project room
// only when at least one task in that scope is assigned to them. A task
// with no assignment record at all admits no researcher.
func (g *Guard) CanAccess(ctx context.Context, userID string, role rbac.Role, roomType, roomID string) (bool, error) {
	if !store.ValidRoomType(roomType) {
		return false, ErrNotFound
	}
	exists, err := g.graph.ResourceExists(ctx, roomType, roomID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	if role == rbac.RoleManager {
		return true, nil
	}

	assigned, err := g.graph.AssignedUserIDs(ctx, roomType, roomID)
	if err != nil {
		return false, err
	}
	for _, id := range assigned {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// RequireAccess is CanAccess with a denial turned into ErrPermissionDenied.
func (g *Guard) RequireAccess(ctx context.Context, userID string, role rbac.Role, roomType, roomID string) error {
	ok, err := g.CanAccess(ctx, userID, role, roomType, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}
