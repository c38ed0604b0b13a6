package rbac

type Role string
type Action string

const (
	RoleManager    Role = "manager"
	RoleResearcher Role = "researcher"
)

const (
	ActionRead      Action = "read"
	ActionComment   Action = "comment"
	ActionAssign    Action = "assign"
	ActionDeleteAny Action = "delete_any"
)

// Can answers the coarse role checks. Resource-level visibility for
// researchers is decided by the access guard, not here.
func Can(role Role, action Action) bool {
	switch role {
	case RoleManager:
		return true
	case RoleResearcher:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleManager, RoleResearcher:
		return Role(role)
	default:
		return RoleResearcher
	}
}
