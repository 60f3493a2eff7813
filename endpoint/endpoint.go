// Package endpoint builds HTTP handlers in three phases:
//
//  1. Processors run in order and may wrap the request (sessions, limits,
//     headers). They never write the body.
//  2. The request is decoded into a typed params struct from its struct
//     tags, and the EndpointFunc turns the params into a Renderer.
//  3. Deferred hooks run, then the Renderer writes status, headers and
//     body.
//
// The RPC binding in httprpc is one such endpoint; the OIDC login flow in
// auth is another.
//
// Supported Renderers:
//   - MessageRenderer: encodes an RPC reply with a wire codec.
//   - JSONRenderer: serializes a value as JSON.
//   - StringRenderer: writes a plain string.
//   - RedirectRenderer: replies with a redirect.
//   - NoContentRenderer: writes a status code with no body.
package endpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// EndpointError is an error that carries the HTTP status to reply with.
// Message is shown to the client; Cause is only logged.
type EndpointError struct {
	Status  int
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates an EndpointError. An err that already is one is returned
// unchanged.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes a response into an http.ResponseWriter.
//
// Protocol:
//   - Render MUST call w.WriteHeader exactly once, then write the body, if
//     any.
//   - Render may set Content-Type and other headers before WriteHeader.
//   - Render should not read the request body; the EndpointFunc has already
//     consumed it.
//
// Error handling:
//   - A non-nil error means the response could not be written. Headers may
//     already be on the wire, so the handler only logs it.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware that runs before the EndpointFunc.
//
// Protocol:
//   - Processors MUST call next, unless they end the request by returning
//     an error.
//   - Processors may pass a wrapped writer or a request with a new context
//     to next (the session processor attaches the session this way).
//   - Processors MUST NOT call w.WriteHeader or write the body. Changes to
//     headers that depend on the outcome are registered with Defer.
//
// Error handling:
//   - A non-nil error from a processor, or from next, stops the chain and is
//     turned into the HTTP reply; an EndpointError chooses the status.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc handles a request with its decoded params and returns the
// Renderer for the response.
//
// It holds the business logic and does not write the response itself. It
// may read the request, its context and params; the status, headers and body
// are left to the returned Renderer, which should only format what the
// EndpointFunc hands it.
//
// Error handling:
//   - Return an EndpointError (see Error) to reply with a chosen status and
//     a client-visible message.
//   - Any other error replies 500 with the generic status text; the error
//     itself is only logged.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler for an EndpointFunc.
//
// It runs the processors, decodes P with Unmarshal, calls Endpoint, commits
// deferred hooks and renders. P is usually a struct of tagged request
// parameters; struct{} takes nothing from the request.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
	// Logger receives failures that are not EndpointErrors. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Handler constructs an EndpointHandler, inferring P from fn.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Defer registers fn to run just before the response headers are written.
// fn must not call WriteHeader itself.
//
// Outside an EndpointHandler it does nothing, so a processor relying on it
// (such as the session processor) silently loses its update there.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs the deferred hooks in LIFO order. It is called once, before
// headers are written, on both the render and the error path.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		for i := len(*hooks) - 1; i >= 0; i-- {
			(*hooks)[i](w)
		}
		*hooks = nil
	}
}

func (h *EndpointHandler[P]) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}

		Commit(r2.Context(), w2)
		return renderer.Render(w2, r2)
	}

	err := run(0, w, r)
	if err == nil {
		return
	}

	status := http.StatusInternalServerError
	message := http.StatusText(status)
	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger().Error("endpoint failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	Commit(r.Context(), w)
	http.Error(w, message, status)
}
