// Package client calls rolerpc services.
//
// A Client builds request messages and interprets replies; a Transport
// moves them. HTTPTransport posts to an httprpc endpoint and natsrpc
// provides one over NATS request/reply.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/mnehpets/rolerpc/rpcerr"
	"github.com/mnehpets/rolerpc/wire"
)

// Transport sends a request message and returns the reply message.
type Transport interface {
	RoundTrip(ctx context.Context, req wire.Message) (wire.Message, error)
}

// TransportFunc adapts a function to a Transport.
type TransportFunc func(ctx context.Context, req wire.Message) (wire.Message, error)

func (f TransportFunc) RoundTrip(ctx context.Context, req wire.Message) (wire.Message, error) {
	return f(ctx, req)
}

// Hook inspects or rewrites a request before it is sent, or a reply before
// it is interpreted.
type Hook func(ctx context.Context, m wire.Message) error

// Client issues calls over a Transport. It is safe for concurrent use.
type Client struct {
	transport    Transport
	token        atomic.Pointer[string]
	nextID       atomic.Uint64
	requestHooks []Hook
	replyHooks   []Hook
	log          *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAccessToken sets the token sent with every call.
func WithAccessToken(token string) Option {
	return func(c *Client) { c.SetAccessToken(token) }
}

// WithRequestHook adds a hook run on every outgoing request.
func WithRequestHook(h Hook) Option {
	return func(c *Client) { c.requestHooks = append(c.requestHooks, h) }
}

// WithReplyHook adds a hook run on every reply before its error slot and
// results are read.
func WithReplyHook(h Hook) Option {
	return func(c *Client) { c.replyHooks = append(c.replyHooks, h) }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(t Transport, opts ...Option) *Client {
	c := &Client{transport: t, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccessToken returns the token sent with calls.
func (c *Client) AccessToken() string {
	if p := c.token.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Client) SetAccessToken(token string) {
	c.token.Store(&token)
}

func (c *Client) request(method string) wire.Message {
	req := wire.Message{
		wire.KeyMethod: method,
		wire.KeyID:     c.nextID.Add(1),
	}
	if t := c.AccessToken(); t != "" {
		req[wire.KeyAccessToken] = t
	}
	return req
}

// Call invokes method with positional args and returns the positional
// results. A reply carrying an error returns it as *rpcerr.Error.
func (c *Client) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	req := c.request(method)
	order := make([]any, len(args))
	for i, a := range args {
		k := strconv.Itoa(i)
		req[k] = a
		order[i] = k
	}
	req[wire.KeyParams] = order

	reply, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return wire.Results(reply)
}

// CallNamed invokes method with named arguments, leaving the order to the
// method's declared parameter names, and returns the results by name.
func (c *Client) CallNamed(ctx context.Context, method string, named map[string]any) (map[string]any, error) {
	req := c.request(method)
	for k, v := range named {
		if wire.IsReserved(k) {
			return nil, fmt.Errorf("client: argument name %q is reserved", k)
		}
		req[k] = v
	}

	reply, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return wire.Named(reply)
}

func (c *Client) roundTrip(ctx context.Context, req wire.Message) (wire.Message, error) {
	for _, h := range c.requestHooks {
		if err := h(ctx, req); err != nil {
			return nil, err
		}
	}
	c.log.Debug("rpc request", "method", req[wire.KeyMethod], "id", req[wire.KeyID])

	reply, err := c.transport.RoundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, rpcerr.New(rpcerr.CodeMalformedReply, "empty reply.")
	}
	for _, h := range c.replyHooks {
		if err := h(ctx, reply); err != nil {
			return nil, err
		}
	}
	if e, ok := rpcerr.FromValue(reply[wire.KeyError]); ok {
		return nil, e
	}
	return reply, nil
}

// HTTPTransport posts messages to an httprpc endpoint.
type HTTPTransport struct {
	URL string
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Codec defaults to wire.JSON.
	Codec wire.Codec
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, req wire.Message) (wire.Message, error) {
	codec := t.Codec
	if codec == nil {
		codec = wire.JSON
	}
	hc := t.Client
	if hc == nil {
		hc = http.DefaultClient
	}

	body, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: encoding request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", codec.ContentType())
	hreq.Header.Set("Accept", codec.ContentType())

	resp, err := hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rpcerr.Newf(rpcerr.CodeServerError, "server status code: %d message: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	reply, err := wire.CodecFor(resp.Header.Get("Content-Type")).Unmarshal(data)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeMalformedReply, err, "error parsing reply.")
	}
	return reply, nil
}
