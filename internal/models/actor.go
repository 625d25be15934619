package models

// Roles carried in the caller's token. The two submitter roles are the
// isolated populations; full-access roles see everything.
const (
	RoleCEO          = "ceo"
	RoleCFO          = "cfo"
	RoleGM           = "gm"
	RoleOpsManager   = "ops_manager"
	RoleProjectOwner = "project_owner" // submits Source A
	RoleDeptManager  = "dept_manager"  // submits Source B
)

// FullAccessRoles bypass every restriction.
var FullAccessRoles = []string{RoleCEO, RoleCFO}

// ReviewerRoles may read conflicts and resolve them. Full-access roles are
// also reviewers; the submitter roles never are.
var ReviewerRoles = []string{RoleCEO, RoleCFO, RoleGM, RoleOpsManager}

// Actor is the authenticated caller.
type Actor struct {
	ID           int64    `json:"id"`
	Roles        []string `json:"roles"`
	DepartmentID *int64   `json:"department_id,omitempty"`
}

// SystemActor is used for audit rows written by background jobs.
var SystemActor = Actor{Roles: []string{"system"}}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// PrimaryRole is the first role, recorded on audit rows.
func (a Actor) PrimaryRole() string {
	if len(a.Roles) == 0 {
		return "unknown"
	}
	return a.Roles[0]
}

// IsSystem reports whether the actor is a background job.
func (a Actor) IsSystem() bool {
	return a.ID == 0 && a.HasRole("system")
}

// PersonSummary is the embedded view of an employee or resolver.
type PersonSummary struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}
