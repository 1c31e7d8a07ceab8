// Package policy is the default access-control decision function and the
// role to resource-limit table. The collection server only calls it through
// domain.AccessChecker and domain.LimitsProvider.
package policy

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"lcc-server/internal/domain"
)

// Role defines which actions a role may take and the resources it gets.
type Role struct {
	Name string
	// Privileged roles bypass ownership and visibility checks.
	Privileged bool
	// Actions the role may take at all; ownership rules still apply.
	Actions []domain.Action
	Limits  domain.RoleLimits
}

// Can reports whether the role is allowed the action before ownership
// and visibility are considered.
func (r *Role) Can(action domain.Action) bool {
	return r.Privileged || slices.Contains(r.Actions, action)
}

var ownerActions = []domain.Action{
	domain.ActionList, domain.ActionView, domain.ActionCreate, domain.ActionEdit,
	domain.ActionDelete, domain.ActionChangeVisibility,
}

// DefaultRoles returns the built-in role table.
func DefaultRoles() []*Role {
	return []*Role{
		{
			Name:       domain.RoleSuperuser,
			Privileged: true,
			Limits:     domain.RoleLimits{MaxRows: 5_000_000},
		},
		{
			Name:       domain.RoleStaff,
			Privileged: true,
			Limits:     domain.RoleLimits{MaxRows: 1_000_000, MaxRequestsPerMinute: 1000},
		},
		{
			Name:    domain.RoleAuthenticated,
			Actions: ownerActions,
			Limits:  domain.RoleLimits{MaxRows: 500_000, MaxRequestsPerMinute: 300},
		},
		{
			Name:    domain.RoleAnonymous,
			Actions: ownerActions,
			Limits:  domain.RoleLimits{MaxRows: 100_000, MaxRequestsPerMinute: 60},
		},
		{
			Name: domain.RoleLocked,
		},
	}
}

// Store holds all defined roles and provides thread-safe lookup.
type Store struct {
	mu    sync.RWMutex
	roles map[string]*Role
}

var _ domain.LimitsProvider = (*Store)(nil)

// NewStore creates a store seeded with DefaultRoles.
func NewStore() *Store {
	s := &Store{roles: make(map[string]*Role)}
	for _, r := range DefaultRoles() {
		s.roles[r.Name] = r
	}
	return s
}

// UpdateRole adds or replaces a role in the store.
func (s *Store) UpdateRole(role *Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.Name] = role
}

// GetRole returns the role with the given name, or an error if not found.
func (s *Store) GetRole(name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[name]
	if !ok {
		return nil, fmt.Errorf("unknown role: %q", name)
	}
	return role, nil
}

// Limits returns the resource limits of a role. Unknown roles get the
// limits of a locked account.
func (s *Store) Limits(role string) domain.RoleLimits {
	r, err := s.GetRole(role)
	if err != nil {
		return domain.RoleLimits{}
	}
	return r.Limits
}

// limitsFile is the YAML layout of a role-limits file:
//
//	roles:
//	  anonymous: {max_rows: 50000, max_requests_per_minute: 30}
type limitsFile struct {
	Roles map[string]domain.RoleLimits `yaml:"roles"`
}

// LoadLimitsFile overrides role limits from a YAML file. Roles not named
// in the file keep their current limits; unknown role names are rejected.
func (s *Store) LoadLimitsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read role limits: %w", err)
	}
	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse role limits %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range f.Roles {
		if _, ok := s.roles[name]; !ok {
			return fmt.Errorf("role limits %s: unknown role %q", path, name)
		}
	}
	for name, limits := range f.Roles {
		updated := *s.roles[name]
		updated.Limits = limits
		s.roles[name] = &updated
	}
	return nil
}

// Checker decides whether a caller may take an action on a target.
type Checker struct {
	store *Store
}

var _ domain.AccessChecker = (*Checker)(nil)

// NewChecker creates a Checker backed by store.
func NewChecker(store *Store) *Checker {
	return &Checker{store: store}
}

// Check implements domain.AccessChecker.
//
// Non-privileged callers see public objects in listings, may view public
// and unlisted objects, and see shared objects only if they are the owner
// or in the shared-with list. Mutations require ownership. Changing the
// owner is reserved for privileged roles.
func (c *Checker) Check(caller domain.Caller, action domain.Action, target domain.AccessTarget) bool {
	role, err := c.store.GetRole(caller.Role)
	if err != nil || !role.Can(action) {
		return false
	}
	if role.Privileged {
		return true
	}

	owner := caller.UserID == target.Owner
	shared := slices.Contains(target.SharedWith, caller.UserID)

	switch action {
	case domain.ActionCreate:
		return true
	case domain.ActionList:
		switch target.Visibility {
		case domain.VisibilityPublic:
			return true
		case domain.VisibilityShared:
			return owner || shared
		default:
			return owner
		}
	case domain.ActionView:
		switch target.Visibility {
		case domain.VisibilityPublic, domain.VisibilityUnlisted:
			return true
		case domain.VisibilityShared:
			return owner || shared
		default:
			return owner
		}
	case domain.ActionChangeOwner:
		return false
	default:
		return owner
	}
}
