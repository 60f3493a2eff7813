package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mnehpets/rolerpc/roles"
	"github.com/mnehpets/rolerpc/rpcerr"
	"github.com/mnehpets/rolerpc/wire"
)

// Registry is the entry point for calls. It owns the services, the shared
// role set, the access authority and the registry-wide hooks.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service

	roles     *roles.Set
	cfg       Config
	authority Authority
	log       *slog.Logger

	contextHooks          []ContextHook
	argsHooks             []ArgsHook
	expectationValidators []ExpectationValidator
	argsValidators        []ArgsValidator
	whitelist             whitelist

	sealed atomic.Bool
}

// NewRegistry creates a registry configured by opts on top of
// DefaultConfig.
func NewRegistry(opts ...Option) (*Registry, error) {
	o := registryOptions{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	set, err := roles.Build(o.cfg.Roles)
	if err != nil {
		return nil, err
	}
	log := o.cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		services:  map[string]*Service{},
		roles:     set,
		cfg:       o.cfg,
		authority: o.authority,
		log:       log,
		whitelist: whitelist{},
	}
	r.whitelist.add(o.cfg.Whitelist...)
	return r, nil
}

// Roles returns the shared role set.
func (r *Registry) Roles() *roles.Set { return r.roles }

// Config returns the registry configuration.
func (r *Registry) Config() Config { return r.cfg }

func (r *Registry) mutable() {
	if r.sealed.Load() {
		panic("dispatch: registry modified after serving started")
	}
}

// Service returns the named service. When it does not exist and create is
// set, a new service is created; otherwise nil is returned.
func (r *Registry) Service(name string, create bool) *Service {
	r.mu.RLock()
	s := r.services[name]
	r.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	r.mutable()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.services[name]; s != nil {
		return s
	}
	s = NewService(name, r.roles)
	s.registry = r
	s.timeout = r.cfg.HookTimeout
	r.services[name] = s
	return s
}

// Services returns the names of all services.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for n := range r.services {
		out = append(out, n)
	}
	return out
}

// PrepareContext appends a context hook that runs for every service.
func (r *Registry) PrepareContext(h ContextHook) *Registry {
	r.mutable()
	r.contextHooks = append(r.contextHooks, h)
	return r
}

// PrepareArguments appends an argument hook that runs for every method.
func (r *Registry) PrepareArguments(h ArgsHook) *Registry {
	r.mutable()
	r.argsHooks = append(r.argsHooks, h)
	return r
}

// ValidateExpectations appends an expectation validator consulted before
// any service validator.
func (r *Registry) ValidateExpectations(v ExpectationValidator) *Registry {
	r.mutable()
	r.expectationValidators = append(r.expectationValidators, v)
	return r
}

// ValidateArguments appends a custom argument validator.
func (r *Registry) ValidateArguments(v ArgsValidator) *Registry {
	r.mutable()
	r.argsValidators = append(r.argsValidators, v)
	return r
}

// Whitelist lets every service reveal the given codes.
func (r *Registry) Whitelist(codes ...string) *Registry {
	r.mutable()
	r.whitelist.add(codes...)
	return r
}

// WhitelistError is like Whitelist but takes coded errors.
func (r *Registry) WhitelistError(errs ...error) *Registry {
	r.mutable()
	r.whitelist.addErrors(errs...)
	return r
}

// Whitelisted reports whether err may be revealed at registry level.
func (r *Registry) Whitelisted(err error) bool {
	return whitelisted(rpcerr.Code(err), []whitelist{r.whitelist})
}

// split separates "service.method". Only the first two dot-separated
// segments are used; anything after a second dot is ignored.
func split(qualified string) (string, string, error) {
	parts := strings.SplitN(qualified, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", rpcerr.New(rpcerr.CodeMalformedCall, "A call needs an api name and function name in the format: api_name.method_name")
	}
	return parts[0], parts[1], nil
}

func (r *Registry) lookup(qualified string) (*Service, string, error) {
	svcName, method, err := split(qualified)
	if err != nil {
		return nil, "", err
	}
	s := r.Service(svcName, false)
	if s == nil {
		return nil, "", rpcerr.New(rpcerr.CodeUnknownAPI, "unknown api: "+svcName)
	}
	return s, method, nil
}

// FindMethod resolves a qualified name for cc without invoking it.
func (r *Registry) FindMethod(qualified string, cc *Context) (*Method, error) {
	s, method, err := r.lookup(qualified)
	if err != nil {
		return nil, err
	}
	return s.FindMethod(method, cc)
}

// Call runs the full pipeline for qualified ("service.method"). The reply is
// always set and safe to send to the caller; the error is the unfiltered
// failure, if any. cc is copied and never modified.
func (r *Registry) Call(ctx context.Context, qualified string, cc *Context, msg wire.Message) (wire.Message, error) {
	r.sealed.Store(true)
	if msg == nil {
		msg = wire.Message{}
	}

	s, method, err := r.lookup(qualified)
	var reply wire.Message
	if err != nil {
		reply = wire.EncodeError(msg, clientError(err, false, r.cfg.Development, r.whitelist))
	} else {
		reply, err = s.call(ctx, method, qualified, cc, msg)
	}
	if err != nil {
		r.log.Debug("call failed", "method", qualified, "code", rpcerr.Code(err), "err", err)
	}
	return reply, err
}

// CallAsync runs Call on a new goroutine and passes its results to done,
// which is invoked exactly once.
func (r *Registry) CallAsync(ctx context.Context, qualified string, cc *Context, msg wire.Message, done func(wire.Message, error)) {
	r.sealed.Store(true)
	go func() {
		reply, err := r.Call(ctx, qualified, cc, msg)
		if done != nil {
			done(reply, err)
		}
	}()
}

// Describe lists every service with at least one visible method.
func (r *Registry) Describe(includeLocal bool) map[string]ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServiceInfo, len(r.services))
	for name, s := range r.services {
		info := s.Describe(includeLocal)
		if len(info) > 0 {
			out[name] = info
		}
	}
	return out
}
