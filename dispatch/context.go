package dispatch

import (
	"context"
	"slices"
)

// Context is the per-call caller description. A fresh Context is built for
// every call; hooks may add roles, tags and attributes to it.
type Context struct {
	// Roles held by the caller.
	Roles []string
	// Tags carry request metadata, including the method name.
	Tags map[string]any
	// Local marks in-process callers, which may reach methods registered
	// under non-servable roles.
	Local bool
	// AccessToken is the bearer token presented by the caller, if any.
	AccessToken string
	// Attrs holds extra attributes attached by the access record or hooks.
	Attrs map[string]any
}

// HasRole reports whether the caller holds role.
func (c *Context) HasRole(role string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Roles, role)
}

// AddRoles adds roles the caller does not hold yet.
func (c *Context) AddRoles(roles ...string) {
	for _, r := range roles {
		if !c.HasRole(r) {
			c.Roles = append(c.Roles, r)
		}
	}
}

func (c *Context) clone() *Context {
	out := &Context{}
	if c == nil {
		return out
	}
	out.Local = c.Local
	out.AccessToken = c.AccessToken
	if c.Roles != nil {
		out.Roles = slices.Clone(c.Roles)
	}
	if c.Tags != nil {
		out.Tags = make(map[string]any, len(c.Tags))
		for k, v := range c.Tags {
			out.Tags[k] = v
		}
	}
	if c.Attrs != nil {
		out.Attrs = make(map[string]any, len(c.Attrs))
		for k, v := range c.Attrs {
			out.Attrs[k] = v
		}
	}
	return out
}

// Handler implements a method. It receives the decoded positional arguments
// and returns the positional results.
type Handler func(ctx context.Context, cc *Context, args []any) ([]any, error)

// ContextHook prepares the call context before resolution.
type ContextHook func(ctx context.Context, cc *Context) error

// ArgsHook transforms decoded arguments. It returns the arguments to use
// from then on.
type ArgsHook func(ctx context.Context, cc *Context, args []any) ([]any, error)

// ExpectationValidator reports whether arg satisfies one of the expected
// types. Each entry of expected is a type name or nil. The chain for one
// call runs under the hook timeout; a panic fails the call as a thrown
// error.
type ExpectationValidator func(arg any, expected []any) (bool, error)

// ArgsValidator checks the argument tuple as a whole.
type ArgsValidator func(ctx context.Context, m *Method, args []any) error

// Authority attaches the caller's roles and attributes to cc, typically
// by looking up cc.AccessToken. A missing or expired token is not an error.
type Authority interface {
	Authorize(ctx context.Context, cc *Context) error
}

// AuthorityFunc adapts a function to an Authority.
type AuthorityFunc func(ctx context.Context, cc *Context) error

func (f AuthorityFunc) Authorize(ctx context.Context, cc *Context) error {
	return f(ctx, cc)
}
