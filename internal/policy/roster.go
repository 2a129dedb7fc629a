package policy

import "github.com/jaakkos/showrunner/internal/domain"

// RoleSpec is one roster entry: a role, the worker kind that serves it,
// the roles it depends on, and an optional per-role timeout override.
type RoleSpec struct {
	Role           string   `yaml:"role"`
	WorkerKind     string   `yaml:"worker_kind"`
	DependsOn      []string `yaml:"depends_on"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Roster returns the configured roles. Role names and dependencies are
// already normalized to lower case by Load.
func (c *Config) Roster() []RoleSpec {
	return c.Roles
}

// RoleSpecFor looks up a roster entry by role.
func (c *Config) RoleSpecFor(role string) (RoleSpec, bool) {
	role = domain.NormalizeRole(role)
	for _, r := range c.Roles {
		if r.Role == role {
			return r, true
		}
	}
	return RoleSpec{}, false
}
