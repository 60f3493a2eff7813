package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mnehpets/rolerpc/rpcerr"
)

// runBounded runs fn with a deadline of d. A hook still running at the
// deadline fails the call with a timeout error; its goroutine is abandoned.
func runBounded(ctx context.Context, d time.Duration, stage string, fn func(context.Context) error) error {
	if d <= 0 {
		return recovered(func() error { return fn(ctx) })
	}
	hctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- recovered(func() error { return fn(hctx) })
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if err := ctx.Err(); err != nil {
			return rpcerr.Wrap(rpcerr.CodeError, err, rpcerr.OpaqueMessage)
		}
		return rpcerr.Newf(rpcerr.CodeTimeout, "%s hook did not complete within %s", stage, d)
	}
}

// recovered calls fn and converts a panic into a thrown error.
func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = thrown(r)
		}
	}()
	return fn()
}

// thrown converts a recovered panic value into a structured error. Coded
// errors keep their code; anything else becomes an opaque "error".
func thrown(r any) *rpcerr.Error {
	stack := string(debug.Stack())
	if err, ok := r.(error); ok {
		if e, ok := rpcerr.As(err); ok {
			out := *e
			out.Thrown = true
			out.Stack = stack
			return &out
		}
		return &rpcerr.Error{Code: rpcerr.CodeError, Message: rpcerr.OpaqueMessage, Stack: stack, Thrown: true, Cause: err}
	}
	return &rpcerr.Error{
		Code:    rpcerr.CodeError,
		Message: rpcerr.OpaqueMessage,
		Stack:   stack,
		Thrown:  true,
		Cause:   fmt.Errorf("panic: %v", r),
	}
}

// handlerError normalizes an error returned by a handler. Plain errors
// become opaque "error" values wrapping the original.
func handlerError(err error) error {
	if _, ok := rpcerr.As(err); ok {
		return err
	}
	return rpcerr.Wrap(rpcerr.CodeError, err, rpcerr.OpaqueMessage)
}
