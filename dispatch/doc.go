// Package dispatch resolves and invokes methods by caller privilege.
//
// A Registry holds named Services. Each Service holds Methods indexed by
// role and name. A call names "service.method"; the registry finds the
// service, and the service picks the handler registered under the most
// privileged role the caller may use:
//
//	reg, _ := dispatch.NewRegistry(dispatch.WithAuthority(tokens))
//	svc := reg.Service("test", true)
//	svc.Define(roles.Public, "echo", func(ctx context.Context, cc *dispatch.Context, args []any) ([]any, error) {
//		return args, nil
//	})
//	reply, err := reg.Call(ctx, "test.echo", nil, wire.Message{"params": []any{"1"}, "1": "hi"})
//
// Every call runs the same pipeline: context preparation, resolution,
// argument decoding, argument preparation, expectation checks, custom
// validation, invocation and reply encoding. Hooks at the registry level run
// before hooks at the service level, which run before hooks on the method.
//
// Failures are always encoded into the reply. The error slot only reveals
// codes that are whitelisted on the method, its service or the registry;
// everything else is reported as {"code":"error","message":"error."}. The
// second return value of Call carries the unfiltered error for logging.
//
// Registration is setup-time only. The first call seals the registry, and
// later registration panics.
package dispatch
