package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/mnehpets/rolerpc/rpcerr"
	"github.com/mnehpets/rolerpc/wire"
)

// Method is a handler registered under a role and name, together with its
// wire mapping and validation settings. Setters return the method so they
// can be chained at registration time; they panic once serving has started.
type Method struct {
	role    string
	name    string
	handler Handler

	expects   [][]any
	params    []string
	returns   []string
	maxParams int

	argsHooks             []ArgsHook
	expectationValidators []ExpectationValidator
	argsValidators        []ArgsValidator
	whitelist             whitelist

	service *Service
	sealed  atomic.Bool
}

// NewMethod creates a method that is not attached to a service. It can be
// invoked directly with Apply.
func NewMethod(role, name string, h Handler) *Method {
	if h == nil {
		panic("dispatch: nil handler for method " + name)
	}
	return &Method{
		role:      role,
		name:      name,
		handler:   h,
		maxParams: -1,
		whitelist: whitelist{},
	}
}

func (m *Method) Role() string { return m.role }
func (m *Method) Name() string { return m.name }

// Service returns the owning service, or nil for a standalone method.
func (m *Method) Service() *Service { return m.service }

// ParamNames returns the declared incoming parameter names.
func (m *Method) ParamNames() []string { return slices.Clone(m.params) }

// ReturnNames returns the declared result names.
func (m *Method) ReturnNames() []string { return slices.Clone(m.returns) }

func (m *Method) isSealed() bool {
	return m.sealed.Load() || (m.service != nil && m.service.isSealed())
}

func (m *Method) mutable() {
	if m.isSealed() {
		panic("dispatch: method " + m.name + " modified after serving started")
	}
}

// Expects declares the accepted types of each positional argument. An
// entry is a type name, a []string of alternatives, or nil for null.
func (m *Method) Expects(exps ...any) *Method {
	m.mutable()
	m.expects = expectations(exps)
	return m
}

// Params names the positional arguments so callers may omit the params
// list and address arguments by name.
func (m *Method) Params(names ...string) *Method {
	m.mutable()
	if err := wire.CheckNames(names); err != nil {
		panic("dispatch: method " + m.name + ": " + err.Error())
	}
	m.params = slices.Clone(names)
	return m
}

// Returns names the positional results in the reply.
func (m *Method) Returns(names ...string) *Method {
	m.mutable()
	if err := wire.CheckNames(names); err != nil {
		panic("dispatch: method " + m.name + ": " + err.Error())
	}
	m.returns = slices.Clone(names)
	return m
}

// MaxParams bounds the length of a request's params list. Negative means
// unlimited; zero forbids positional calls, so a method registered with no
// parameters rejects any non-empty params list.
func (m *Method) MaxParams(n int) *Method {
	m.mutable()
	m.maxParams = n
	return m
}

// PrepareArguments appends an argument hook that runs after the registry
// and service hooks.
func (m *Method) PrepareArguments(h ArgsHook) *Method {
	m.mutable()
	m.argsHooks = append(m.argsHooks, h)
	return m
}

// ValidateExpectations appends an expectation validator.
func (m *Method) ValidateExpectations(v ExpectationValidator) *Method {
	m.mutable()
	m.expectationValidators = append(m.expectationValidators, v)
	return m
}

// ValidateArguments appends a custom argument validator.
func (m *Method) ValidateArguments(v ArgsValidator) *Method {
	m.mutable()
	m.argsValidators = append(m.argsValidators, v)
	return m
}

// Whitelist lets the method reveal errors with the given codes.
func (m *Method) Whitelist(codes ...string) *Method {
	m.mutable()
	m.whitelist.add(codes...)
	return m
}

// WhitelistError is like Whitelist but takes coded errors.
func (m *Method) WhitelistError(errs ...error) *Method {
	m.mutable()
	m.whitelist.addErrors(errs...)
	return m
}

// Whitelisted reports whether err may be revealed by this method, its
// service or its registry.
func (m *Method) Whitelisted(err error) bool {
	return whitelisted(rpcerr.Code(err), m.levels())
}

// Apply runs the argument half of the pipeline for msg: decoding,
// preparation, validation, invocation and encoding. Services call it after
// resolution; it may also be used on a standalone method.
func (m *Method) Apply(ctx context.Context, cc *Context, msg wire.Message) (wire.Message, error) {
	if m.service == nil {
		m.sealed.Store(true)
	}
	if cc == nil {
		cc = &Context{}
	}
	return m.run(ctx, cc, msg)
}

func (m *Method) run(ctx context.Context, cc *Context, msg wire.Message) (wire.Message, error) {
	args, err := wire.DecodeArguments(msg, m.params, m.maxParams)
	if err != nil {
		return m.fail(msg, err, false)
	}

	timeout := m.hookTimeout()
	for _, h := range m.chainArgsHooks() {
		err = runBounded(ctx, timeout, "prepare arguments", func(ctx context.Context) error {
			next, err := h(ctx, cc, args)
			if err == nil {
				args = next
			}
			return err
		})
		if err != nil {
			return m.fail(msg, err, false)
		}
	}

	mismatched := false
	err = runBounded(ctx, timeout, "validate expectations", func(context.Context) error {
		var err error
		mismatched, err = checkExpectations(m.expects, args, m.chainExpectationValidators())
		return err
	})
	if err != nil {
		if rpcerr.Code(err) == rpcerr.CodeTimeout {
			return m.fail(msg, err, false)
		}
		return m.fail(msg, err, mismatched)
	}

	for _, v := range m.chainArgsValidators() {
		err = runBounded(ctx, timeout, "validate arguments", func(ctx context.Context) error {
			return v(ctx, m, args)
		})
		if err != nil {
			if rpcerr.Code(err) == rpcerr.CodeTimeout {
				return m.fail(msg, err, false)
			}
			if _, ok := rpcerr.As(err); !ok {
				err = rpcerr.Wrap(rpcerr.CodeInvalidArguments, err, "")
			}
			return m.fail(msg, err, true)
		}
	}

	results, err := m.invoke(ctx, cc, args)
	if err != nil {
		return m.fail(msg, err, false)
	}
	return wire.EncodeArguments(msg, m.returns, nil, results), nil
}

// invoke calls the handler, converting panics into thrown errors.
func (m *Method) invoke(ctx context.Context, cc *Context, args []any) (results []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = thrown(r)
		}
	}()
	results, err = m.handler(ctx, cc, args)
	if err != nil {
		return nil, handlerError(err)
	}
	return results, nil
}

func (m *Method) fail(msg wire.Message, err error, validation bool) (wire.Message, error) {
	if e, ok := rpcerr.As(err); ok && e.Thrown {
		m.logger().Error("handler panicked", "method", m.name, "role", m.role, "err", err, "stack", e.Stack)
	}
	return wire.EncodeError(msg, clientError(err, validation, m.development(), m.levels()...)), err
}

func (m *Method) levels() []whitelist {
	out := []whitelist{m.whitelist}
	if m.service != nil {
		out = append(out, m.service.levels()...)
	}
	return out
}

func (m *Method) registry() *Registry {
	if m.service == nil {
		return nil
	}
	return m.service.registry
}

func (m *Method) development() bool {
	if r := m.registry(); r != nil {
		return r.cfg.Development
	}
	return false
}

func (m *Method) hookTimeout() time.Duration {
	if m.service != nil {
		return m.service.timeout
	}
	return DefaultHookTimeout
}

func (m *Method) logger() *slog.Logger {
	if r := m.registry(); r != nil {
		return r.log
	}
	return slog.Default()
}

func (m *Method) chainArgsHooks() []ArgsHook {
	var out []ArgsHook
	if r := m.registry(); r != nil {
		out = append(out, r.argsHooks...)
	}
	if m.service != nil {
		out = append(out, m.service.argsHooks...)
	}
	return append(out, m.argsHooks...)
}

func (m *Method) chainExpectationValidators() []ExpectationValidator {
	var out []ExpectationValidator
	if r := m.registry(); r != nil {
		out = append(out, r.expectationValidators...)
	}
	if m.service != nil {
		out = append(out, m.service.expectationValidators...)
	} else {
		out = append(out, TypeValidator)
	}
	return append(out, m.expectationValidators...)
}

func (m *Method) chainArgsValidators() []ArgsValidator {
	var out []ArgsValidator
	if r := m.registry(); r != nil {
		out = append(out, r.argsValidators...)
	}
	if m.service != nil {
		out = append(out, m.service.argsValidators...)
	}
	return append(out, m.argsValidators...)
}

// MethodInfo describes a method for discovery.
type MethodInfo struct {
	Params    []string `json:"params,omitempty"`
	Returns   []string `json:"returns,omitempty"`
	Expects   [][]any  `json:"expects,omitempty"`
	MaxParams int      `json:"max_params"`
}

// Info returns the method's description.
func (m *Method) Info() MethodInfo {
	exps := make([][]any, len(m.expects))
	for i, e := range m.expects {
		exps[i] = slices.Clone(e)
	}
	if len(exps) == 0 {
		exps = nil
	}
	return MethodInfo{
		Params:    m.ParamNames(),
		Returns:   m.ReturnNames(),
		Expects:   exps,
		MaxParams: m.maxParams,
	}
}
