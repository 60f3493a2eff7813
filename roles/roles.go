// Package roles defines the privilege levels that methods are registered
// under and the order in which they are searched.
//
// A role with a lower priority is more privileged and is consulted first
// when a method name is resolved. Anonymous roles are held by every caller.
// Methods registered under a role that is not servable are visible only to
// local (in-process) callers.
package roles

import (
	"errors"
	"fmt"
	"sort"
)

// Well-known role names of the default table.
const (
	Server = "server"
	Admin  = "admin"
	User   = "user"
	Public = "public"
)

var (
	ErrMissingPriority = errors.New("missing priority")
	ErrDuplicateRole   = errors.New("duplicate role")
	ErrEmptyName       = errors.New("empty role name")
)

// Role is one privilege level.
type Role struct {
	Name      string
	Priority  int
	Anonymous bool
	Servable  bool
}

// Entry is the declaration of one role in a Table.
//
// A nil Priority is an error at Build time. A nil Servable means servable.
type Entry struct {
	Name      string
	Priority  *int
	Anonymous bool
	Servable  *bool
}

// Table is an ordered list of role declarations. Declaration order breaks
// priority ties.
type Table []Entry

// Shorthand declares a servable, non-anonymous role with priority p.
func Shorthand(name string, p int) Entry {
	return Entry{Name: name, Priority: &p}
}

// Default returns the default table: server(100, not servable), admin(200),
// user(300) and public(400, anonymous).
func Default() Table {
	no := false
	server := Shorthand(Server, 100)
	server.Servable = &no
	public := Shorthand(Public, 400)
	public.Anonymous = true
	return Table{
		server,
		Shorthand(Admin, 200),
		Shorthand(User, 300),
		public,
	}
}

// Set is an immutable collection of roles sorted by ascending priority.
type Set struct {
	ordered []Role
	byName  map[string]int
}

// Build validates t and returns the resulting Set.
func Build(t Table) (*Set, error) {
	s := &Set{
		ordered: make([]Role, 0, len(t)),
		byName:  make(map[string]int, len(t)),
	}
	seen := make(map[string]bool, len(t))
	for _, e := range t {
		if e.Name == "" {
			return nil, ErrEmptyName
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRole, e.Name)
		}
		seen[e.Name] = true
		if e.Priority == nil {
			return nil, fmt.Errorf("role %s: %w", e.Name, ErrMissingPriority)
		}
		servable := true
		if e.Servable != nil {
			servable = *e.Servable
		}
		s.ordered = append(s.ordered, Role{
			Name:      e.Name,
			Priority:  *e.Priority,
			Anonymous: e.Anonymous,
			Servable:  servable,
		})
	}
	sort.SliceStable(s.ordered, func(i, j int) bool {
		return s.ordered[i].Priority < s.ordered[j].Priority
	})
	for i, r := range s.ordered {
		s.byName[r.Name] = i
	}
	return s, nil
}

// MustBuild is like Build but panics on error.
func MustBuild(t Table) *Set {
	s, err := Build(t)
	if err != nil {
		panic("roles: " + err.Error())
	}
	return s
}

// Ordered returns the roles in ascending priority order. The returned slice
// is a copy.
func (s *Set) Ordered() []Role {
	out := make([]Role, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// ByName returns the role with the given name.
func (s *Set) ByName(name string) (Role, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Role{}, false
	}
	return s.ordered[i], true
}

// Names returns the role names in ascending priority order.
func (s *Set) Names() []string {
	out := make([]string, len(s.ordered))
	for i, r := range s.ordered {
		out[i] = r.Name
	}
	return out
}

// Len returns the number of roles.
func (s *Set) Len() int {
	return len(s.ordered)
}
