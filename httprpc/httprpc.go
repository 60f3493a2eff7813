// Package httprpc serves a dispatch.Registry over HTTP.
//
// A call is a POST whose body is a wire message, JSON by default or CBOR
// when the Content-Type says so. The qualified method name comes from the
// message's "method" key, or from the {method} path segment when the route
// has one. Every call that reaches the registry is answered with status 200
// and a reply message; HTTP error statuses are kept for transport failures.
package httprpc

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/endpoint"
	"github.com/mnehpets/rolerpc/middleware"
	"github.com/mnehpets/rolerpc/rpcerr"
	"github.com/mnehpets/rolerpc/wire"
)

// Server binds a Registry to HTTP.
type Server struct {
	registry  *dispatch.Registry
	log       *slog.Logger
	bodyLimit int64
	cors      *middleware.CORSConfig
	hstsAge   int
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithBodyLimit caps request bodies. The default is
// middleware.DefaultBodyLimit.
func WithBodyLimit(n int64) Option {
	return func(s *Server) { s.bodyLimit = n }
}

// WithCORS allows browser callers from other origins.
func WithCORS(c *middleware.CORSConfig) Option {
	return func(s *Server) { s.cors = c }
}

// WithHSTS sets Strict-Transport-Security on every reply.
func WithHSTS(maxAge int) Option {
	return func(s *Server) { s.hstsAge = maxAge }
}

func New(reg *dispatch.Registry, opts ...Option) *Server {
	s := &Server{
		registry:  reg,
		log:       slog.Default(),
		bodyLimit: middleware.DefaultBodyLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// callParams is what an RPC request carries outside the message itself.
type callParams struct {
	Method        string `path:"method"`
	Authorization string `header:"Authorization"`
	ContentType   string `header:"Content-Type"`
	Body          []byte `body:"" maxLength:""`
}

func (s *Server) baseProcessors() []endpoint.Processor {
	return []endpoint.Processor{
		&middleware.APIHeaders{HSTSMaxAge: s.hstsAge, CORS: s.cors},
		middleware.BodyLimit{Max: s.bodyLimit},
	}
}

// Handler returns the RPC endpoint. processors run after the API headers
// and body limit; a middleware.SessionProcessor among them makes the
// session's access token available to calls.
func (s *Server) Handler(processors ...endpoint.Processor) http.Handler {
	h := endpoint.Handler(s.call, append(s.baseProcessors(), processors...)...)
	h.Logger = s.log
	return h
}

// DescribeHandler lists the methods remote callers can reach, as JSON.
func (s *Server) DescribeHandler(processors ...endpoint.Processor) http.Handler {
	h := endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		if r.Method != http.MethodGet {
			return nil, endpoint.Error(http.StatusMethodNotAllowed, "", nil)
		}
		return &endpoint.JSONRenderer{Value: s.registry.Describe(false)}, nil
	}, append(s.baseProcessors(), processors...)...)
	h.Logger = s.log
	return h
}

func malformed(req wire.Message, message string) wire.Message {
	return wire.EncodeError(req, rpcerr.New(rpcerr.CodeMalformedCall, message))
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, p callParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "", nil)
	}
	codec := wire.CodecFor(p.ContentType)
	reply := func(m wire.Message) endpoint.Renderer {
		return &endpoint.MessageRenderer{Codec: codec, Message: m}
	}

	if len(p.Body) == 0 {
		return reply(malformed(nil, "no data.")), nil
	}
	msg, err := codec.Unmarshal(p.Body)
	if err != nil {
		s.log.Debug("request parse error", "err", err)
		return reply(malformed(nil, "request parse error.")), nil
	}

	qualified := p.Method
	if raw, ok := msg[wire.KeyMethod]; ok && raw != nil {
		name, ok := raw.(string)
		if !ok {
			return reply(malformed(msg, "method is defined, but it isn't a string.")), nil
		}
		qualified = name
	}

	cc := &dispatch.Context{Local: false}
	if _, ok := msg[wire.KeyAccessToken]; !ok {
		cc.AccessToken = callerToken(r, p.Authorization)
	}

	out, err := s.registry.Call(r.Context(), qualified, cc, msg)
	if err != nil && rpcerr.Code(err) == "" {
		s.log.Warn("rpc call failed", "method", qualified, "err", err)
	}
	return reply(out), nil
}

// callerToken returns the session's access token, falling back to a bearer
// token.
func callerToken(r *http.Request, authorization string) string {
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		if t := sess.AccessToken(); t != "" {
			return t
		}
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
