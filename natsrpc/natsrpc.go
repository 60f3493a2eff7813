// Package natsrpc serves a dispatch.Registry over NATS request/reply.
//
// A request is published to "<prefix>.<service>.<method>" or to any subject
// under the prefix with the qualified name in the message's "method" key.
// The payload is a wire message; a "Content-Type" header selects CBOR, JSON
// otherwise. Replies use the request's codec.
package natsrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/rpcerr"
	"github.com/mnehpets/rolerpc/wire"
)

const logPrefix = "natsrpc"

// Header names carried on request messages.
const (
	HeaderContentType   = "Content-Type"
	HeaderAuthorization = "Authorization"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "rpc"

// DefaultRequestTimeout bounds a single call on the server side.
const DefaultRequestTimeout = 30 * time.Second

// Connect opens a NATS connection that logs disconnects and reconnects.
func Connect(url, name string) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - connecting to NATS at %s as %s", logPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(10*time.Second),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - NATS disconnected: %v", logPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	return nc, nil
}

// Server answers calls arriving on a NATS connection.
type Server struct {
	conn     *comms.Conn
	registry *dispatch.Registry
	prefix   string
	queue    string
	timeout  time.Duration
	log      *slog.Logger

	mu  sync.Mutex
	sub *comms.Subscription
}

// Option configures a Server.
type Option func(*Server)

// WithPrefix sets the subject prefix. The default is DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Server) { s.prefix = strings.TrimSuffix(prefix, ".") }
}

// WithQueue sets the queue group, so several servers share the load.
func WithQueue(queue string) Option {
	return func(s *Server) { s.queue = queue }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(nc *comms.Conn, reg *dispatch.Registry, opts ...Option) *Server {
	s := &Server{
		conn:     nc,
		registry: reg,
		prefix:   DefaultPrefix,
		queue:    DefaultPrefix,
		timeout:  DefaultRequestTimeout,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subject returns the subject a call to qualified is published on.
func (s *Server) Subject(qualified string) string {
	return s.prefix + "." + qualified
}

// Start subscribes to every subject under the prefix. Calls run with a
// context derived from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return fmt.Errorf("%s - server already started", logPrefix)
	}

	subject := s.prefix + ".>"
	sub, err := s.conn.QueueSubscribe(subject, s.queue, func(m *comms.Msg) {
		s.handle(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	s.sub = sub
	s.log.Info(fmt.Sprintf("%s - subscribed to %s", logPrefix, subject), "queue", s.queue)
	return nil
}

// Stop drains the subscription, letting calls in flight finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}

func (s *Server) handle(ctx context.Context, m *comms.Msg) {
	codec := wire.CodecFor(m.Header.Get(HeaderContentType))
	reply := s.dispatch(ctx, m, codec)

	data, err := codec.Marshal(reply)
	if err != nil {
		s.log.Error(fmt.Sprintf("%s - failed to encode reply: %v", logPrefix, err), "subject", m.Subject)
		return
	}
	if m.Reply == "" {
		return
	}
	out := comms.NewMsg(m.Reply)
	out.Header.Set(HeaderContentType, codec.ContentType())
	out.Data = data
	if err := m.RespondMsg(out); err != nil {
		s.log.Warn(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err), "subject", m.Subject)
	}
}

func (s *Server) dispatch(ctx context.Context, m *comms.Msg, codec wire.Codec) wire.Message {
	if len(m.Data) == 0 {
		return wire.EncodeError(nil, rpcerr.New(rpcerr.CodeMalformedCall, "no data."))
	}
	msg, err := codec.Unmarshal(m.Data)
	if err != nil {
		s.log.Debug(fmt.Sprintf("%s - request parse error: %v", logPrefix, err), "subject", m.Subject)
		return wire.EncodeError(nil, rpcerr.New(rpcerr.CodeMalformedCall, "request parse error."))
	}

	qualified := strings.TrimPrefix(m.Subject, s.prefix+".")
	if raw, ok := msg[wire.KeyMethod]; ok && raw != nil {
		name, ok := raw.(string)
		if !ok {
			return wire.EncodeError(msg, rpcerr.New(rpcerr.CodeMalformedCall, "method is defined, but it isn't a string."))
		}
		qualified = name
	}

	cc := &dispatch.Context{Local: false}
	if _, ok := msg[wire.KeyAccessToken]; !ok {
		cc.AccessToken = bearer(m.Header.Get(HeaderAuthorization))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reply, err := s.registry.Call(callCtx, qualified, cc, msg)
	if err != nil && rpcerr.Code(err) == "" {
		s.log.Warn(fmt.Sprintf("%s - call failed: %v", logPrefix, err), "method", qualified)
	}
	return reply
}

// bearer accepts either "Bearer <token>" or a bare token.
func bearer(h string) string {
	h = strings.TrimSpace(h)
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return h
}

// Client sends calls over NATS. It implements client.Transport.
type Client struct {
	Conn *comms.Conn
	// Prefix defaults to DefaultPrefix.
	Prefix string
	// Codec defaults to wire.JSON.
	Codec wire.Codec
	// Timeout applies when ctx has no deadline. Default 10s.
	Timeout time.Duration
}

func (c *Client) RoundTrip(ctx context.Context, req wire.Message) (wire.Message, error) {
	codec := c.Codec
	if codec == nil {
		codec = wire.JSON
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	method, _ := req[wire.KeyMethod].(string)
	if method == "" {
		return nil, rpcerr.New(rpcerr.CodeMalformedCall, "A call needs an api name and function name in the format: api_name.method_name")
	}
	if _, ok := ctx.Deadline(); !ok {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s - encoding request: %w", logPrefix, err)
	}
	out := comms.NewMsg(prefix + "." + method)
	out.Header.Set(HeaderContentType, codec.ContentType())
	out.Data = data

	resp, err := c.Conn.RequestMsgWithContext(ctx, out)
	if err != nil {
		if errors.Is(err, comms.ErrNoResponders) {
			return nil, rpcerr.Wrap(rpcerr.CodeServerError, err, "no server is answering "+out.Subject+".")
		}
		if ctx.Err() != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeTimeout, err, "request timed out.")
		}
		return nil, err
	}
	reply, err := wire.CodecFor(resp.Header.Get(HeaderContentType)).Unmarshal(resp.Data)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeMalformedReply, err, "error parsing reply.")
	}
	return reply, nil
}
