package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mnehpets/rolerpc/roles"
	"github.com/mnehpets/rolerpc/rpcerr"
	"github.com/mnehpets/rolerpc/wire"
)

// Service is a named group of methods, indexed by role and then by name.
// The same name may be defined under several roles; FindMethod picks the
// one the caller resolves to.
type Service struct {
	name    string
	roles   *roles.Set
	methods map[string]map[string]*Method

	contextHooks          []ContextHook
	argsHooks             []ArgsHook
	expectationValidators []ExpectationValidator
	argsValidators        []ArgsValidator
	whitelist             whitelist

	registry *Registry
	timeout  time.Duration
	sealed   atomic.Bool
}

// NewService creates a service that is not attached to a registry. A nil
// set selects the default role table.
func NewService(name string, set *roles.Set) *Service {
	if set == nil {
		set = roles.MustBuild(roles.Default())
	}
	s := &Service{
		name:      name,
		roles:     set,
		methods:   make(map[string]map[string]*Method, set.Len()),
		whitelist: whitelist{},
		timeout:   DefaultHookTimeout,
	}
	s.whitelist.add(DefaultWhitelist()...)
	s.expectationValidators = append(s.expectationValidators, TypeValidator)
	return s
}

func (s *Service) Name() string { return s.name }

// Roles returns the role set the service resolves against.
func (s *Service) Roles() *roles.Set { return s.roles }

func (s *Service) isSealed() bool {
	return s.sealed.Load() || (s.registry != nil && s.registry.sealed.Load())
}

func (s *Service) mutable() {
	if s.isSealed() {
		panic("dispatch: service " + s.name + " modified after serving started")
	}
}

// Define registers h under role and name, replacing an earlier definition.
// It panics if role is not part of the service's role set.
func (s *Service) Define(role, name string, h Handler) *Method {
	s.mutable()
	if _, ok := s.roles.ByName(role); !ok {
		panic("dispatch: service " + s.name + ": unknown role " + role)
	}
	m := NewMethod(role, name, h)
	m.service = s
	if s.methods[role] == nil {
		s.methods[role] = map[string]*Method{}
	}
	s.methods[role][name] = m
	return m
}

// Method returns the method defined under role and name, if any.
func (s *Service) Method(role, name string) *Method {
	return s.methods[role][name]
}

// FindMethod resolves name for the caller described by cc.
//
// Roles are walked from most to least privileged. A role contributes a
// candidate when it defines name and is servable or the caller is local; the
// walk stops at the first candidate the caller holds the role for (or whose
// role is anonymous). A name with no candidate at all is unknown; a name
// whose candidates are all out of reach is a permission error.
func (s *Service) FindMethod(name string, cc *Context) (*Method, error) {
	local := cc != nil && cc.Local

	var candidate *Method
	methodExists := false
	hasAccess := false

	for _, role := range s.roles.Ordered() {
		candidate = nil
		hasAccess = false

		if m := s.methods[role.Name][name]; m != nil && (role.Servable || local) {
			methodExists = true
			candidate = m
		}
		if candidate != nil && (cc.HasRole(role.Name) || role.Anonymous) {
			hasAccess = true
		}
		if candidate != nil && hasAccess {
			break
		}
	}

	if !methodExists {
		return nil, rpcerr.New(rpcerr.CodeUnknownMethod, "unknown method")
	}
	if !hasAccess {
		return nil, rpcerr.New(rpcerr.CodePermission, "permission error")
	}
	return candidate, nil
}

// PrepareContext appends a context hook. Service hooks run after registry
// hooks.
func (s *Service) PrepareContext(h ContextHook) *Service {
	s.mutable()
	s.contextHooks = append(s.contextHooks, h)
	return s
}

// PrepareArguments appends an argument hook.
func (s *Service) PrepareArguments(h ArgsHook) *Service {
	s.mutable()
	s.argsHooks = append(s.argsHooks, h)
	return s
}

// ValidateExpectations appends an expectation validator. It runs after the
// built-in TypeValidator.
func (s *Service) ValidateExpectations(v ExpectationValidator) *Service {
	s.mutable()
	s.expectationValidators = append(s.expectationValidators, v)
	return s
}

// ValidateArguments appends a custom argument validator.
func (s *Service) ValidateArguments(v ArgsValidator) *Service {
	s.mutable()
	s.argsValidators = append(s.argsValidators, v)
	return s
}

// Whitelist lets every method of the service reveal the given codes.
func (s *Service) Whitelist(codes ...string) *Service {
	s.mutable()
	s.whitelist.add(codes...)
	return s
}

// WhitelistError is like Whitelist but takes coded errors.
func (s *Service) WhitelistError(errs ...error) *Service {
	s.mutable()
	s.whitelist.addErrors(errs...)
	return s
}

// Whitelisted reports whether err may be revealed by the service or its
// registry.
func (s *Service) Whitelisted(err error) bool {
	return whitelisted(rpcerr.Code(err), s.levels())
}

func (s *Service) levels() []whitelist {
	out := []whitelist{s.whitelist}
	if s.registry != nil {
		out = append(out, s.registry.whitelist)
	}
	return out
}

// Call invokes name on a standalone service. Calls through a Registry use
// Registry.Call instead.
func (s *Service) Call(ctx context.Context, name string, cc *Context, msg wire.Message) (wire.Message, error) {
	s.sealed.Store(true)
	return s.call(ctx, name, s.name+"."+name, cc, msg)
}

func (s *Service) call(ctx context.Context, name, qualified string, cc *Context, msg wire.Message) (wire.Message, error) {
	if msg == nil {
		msg = wire.Message{}
	}
	cc, err := seedContext(cc, msg, qualified)
	if err != nil {
		return s.fail(msg, err)
	}

	timeout := s.timeout
	var hooks []ContextHook
	if r := s.registry; r != nil {
		if r.authority != nil {
			err := runBounded(ctx, timeout, "authority", func(ctx context.Context) error {
				return r.authority.Authorize(ctx, cc)
			})
			if err != nil {
				return s.fail(msg, err)
			}
		}
		hooks = append(hooks, r.contextHooks...)
	}
	hooks = append(hooks, s.contextHooks...)
	for _, h := range hooks {
		err := runBounded(ctx, timeout, "prepare context", func(ctx context.Context) error {
			return h(ctx, cc)
		})
		if err != nil {
			return s.fail(msg, err)
		}
	}

	m, err := s.FindMethod(name, cc)
	if err != nil {
		return s.fail(msg, err)
	}
	return m.run(ctx, cc, msg)
}

func (s *Service) fail(msg wire.Message, err error) (wire.Message, error) {
	dev := s.registry != nil && s.registry.cfg.Development
	return wire.EncodeError(msg, clientError(err, false, dev, s.levels()...)), err
}

// seedContext copies the caller's context and fills it from the request.
func seedContext(cc *Context, msg wire.Message, qualified string) (*Context, error) {
	out := cc.clone()
	if out.Roles == nil {
		out.Roles = []string{}
	}
	if out.Tags == nil {
		out.Tags = map[string]any{}
	}
	if out.Attrs == nil {
		out.Attrs = map[string]any{}
	}

	if raw, ok := msg[wire.KeyTags]; ok && raw != nil {
		tags, ok := raw.(map[string]any)
		if !ok {
			return out, rpcerr.New(rpcerr.CodeMalformedCall, "tags is defined, but it isn't an object.")
		}
		for k, v := range tags {
			out.Tags[k] = v
		}
	}
	if method, ok := msg[wire.KeyMethod].(string); ok && method != "" {
		out.Tags[wire.KeyMethod] = method
	} else {
		out.Tags[wire.KeyMethod] = qualified
	}

	if out.AccessToken == "" {
		if raw, ok := msg[wire.KeyAccessToken]; ok && raw != nil {
			token, ok := raw.(string)
			if !ok {
				return out, rpcerr.New(rpcerr.CodeMalformedCall, "access_token is defined, but it isn't a string.")
			}
			out.AccessToken = token
		}
	}
	return out, nil
}

// ServiceInfo describes the methods of a service by role and name.
type ServiceInfo map[string]map[string]MethodInfo

// Describe lists the service's methods. Methods under non-servable roles are
// only included when includeLocal is set.
func (s *Service) Describe(includeLocal bool) ServiceInfo {
	out := ServiceInfo{}
	for _, role := range s.roles.Ordered() {
		if !role.Servable && !includeLocal {
			continue
		}
		methods := s.methods[role.Name]
		if len(methods) == 0 {
			continue
		}
		byName := make(map[string]MethodInfo, len(methods))
		for n, m := range methods {
			byName[n] = m.Info()
		}
		out[role.Name] = byName
	}
	return out
}
