package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleRequester Role = "requester"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRead lists requests, outcomes and document text.
	ActionRead Action = "read"
	// ActionRequest files new edit requests.
	ActionRequest Action = "request"
	// ActionWrite replaces document text directly.
	ActionWrite Action = "write"
	// ActionApply accepts or rejects requests and runs generation.
	ActionApply Action = "apply"
	ActionAdmin Action = "admin"
)

var grants = map[Role][]Action{
	RoleViewer:    {ActionRead},
	RoleRequester: {ActionRead, ActionRequest},
	RoleEditor:    {ActionRead, ActionRequest, ActionWrite, ActionApply},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleRequester, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
