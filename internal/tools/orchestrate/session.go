package orchestrate

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/showrunner/internal/domain"
)

// SessionRegistry tracks which worker sessions are connected to the
// facade and which role each one speaks for. A role is bound to a
// session the first time a tool call names it; the binding lets status
// surfaces report which workers are actually connected rather than
// merely spawned.
type SessionRegistry struct {
	mu           sync.RWMutex
	roleBySess   map[string]string
	sessByRole   map[string]string
	lastActivity map[string]time.Time
	now          func() time.Time
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		roleBySess:   make(map[string]string),
		sessByRole:   make(map[string]string),
		lastActivity: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Touch records activity for a session without changing its binding.
func (r *SessionRegistry) Touch(sessionID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	r.lastActivity[sessionID] = r.now()
	r.mu.Unlock()
}

// Bind associates a session with a role. A role moving to a new
// session (a restarted worker) steals the binding from the old one.
func (r *SessionRegistry) Bind(sessionID, role string) {
	role = domain.NormalizeRole(role)
	if sessionID == "" || role == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sessByRole[role]; ok && prev != sessionID {
		delete(r.roleBySess, prev)
	}
	r.roleBySess[sessionID] = role
	r.sessByRole[role] = sessionID
	r.lastActivity[sessionID] = r.now()
}

// RoleForSession returns the role bound to a session, "" when unbound.
func (r *SessionRegistry) RoleForSession(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roleBySess[sessionID]
}

// SessionForRole returns the session currently speaking for a role.
func (r *SessionRegistry) SessionForRole(role string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessByRole[domain.NormalizeRole(role)]
	return sid, ok
}

// ConnectedRoles lists roles with a live session binding.
func (r *SessionRegistry) ConnectedRoles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.sessByRole))
	for role := range r.sessByRole {
		roles = append(roles, role)
	}
	return roles
}

// LastActivity reports when the session bound to role last called a
// tool. Zero when the role has no session.
func (r *SessionRegistry) LastActivity(role string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessByRole[domain.NormalizeRole(role)]
	if !ok {
		return time.Time{}
	}
	return r.lastActivity[sid]
}

// Remove drops a session and its role binding, typically on disconnect.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role, ok := r.roleBySess[sessionID]; ok {
		if r.sessByRole[role] == sessionID {
			delete(r.sessByRole, role)
		}
	}
	delete(r.roleBySess, sessionID)
	delete(r.lastActivity, sessionID)
}

// Count returns the number of tracked sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roleBySess)
}

// SessionMiddleware touches the calling session on every tool call and
// binds it to a role whenever the arguments name one. Wrap every
// registered tool with it so the registry stays current without each
// handler repeating the bookkeeping.
func SessionMiddleware(reg *SessionRegistry) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if sess := server.ClientSessionFromContext(ctx); sess != nil {
				sid := sess.SessionID()
				reg.Touch(sid)
				args := req.GetArguments()
				if role := optionalString(args, "agentRole"); role != "" {
					reg.Bind(sid, role)
				} else if from := optionalString(args, "from"); from != "" {
					reg.Bind(sid, from)
				}
			}
			return next(ctx, req)
		}
	}
}
