package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"

	"github.com/mnehpets/rolerpc/access"
	"github.com/mnehpets/rolerpc/auth"
	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/endpoint"
	"github.com/mnehpets/rolerpc/httprpc"
	"github.com/mnehpets/rolerpc/middleware"
	"github.com/mnehpets/rolerpc/natsrpc"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the registry over HTTP and NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	store, closeStore, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	manager := access.NewManager(store, access.WithLogger(a.log))

	reg, err := newRegistry(a.cfg, manager, a.log)
	if err != nil {
		return err
	}
	if a.cfg.Development {
		a.log.Warn("development mode sends error stacks to remote callers")
	}

	mux, err := a.routes(ctx, reg, manager)
	if err != nil {
		return err
	}

	if a.cfg.NATSEnabled() {
		nc, err := natsrpc.Connect(a.cfg.NATSURL, a.cfg.NATSName)
		if err != nil {
			return err
		}
		defer nc.Close()
		ns := natsrpc.NewServer(nc, reg,
			natsrpc.WithPrefix(a.cfg.NATSPrefix),
			natsrpc.WithQueue(a.cfg.NATSQueue),
			natsrpc.WithRequestTimeout(a.cfg.RequestTimeout),
			natsrpc.WithLogger(a.log),
		)
		if err := ns.Start(ctx); err != nil {
			return err
		}
		defer ns.Stop()
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(a.out, mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info("listening", "addr", a.cfg.HTTPAddr, "rpc", a.cfg.RPCPath)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// routes builds the HTTP handler: the RPC endpoint, the method listing and,
// when configured, the OIDC login flow.
func (a *app) routes(ctx context.Context, reg *dispatch.Registry, manager *access.Manager) (*http.ServeMux, error) {
	cfg := a.cfg
	opts := []httprpc.Option{
		httprpc.WithLogger(a.log),
		httprpc.WithBodyLimit(cfg.BodyLimit),
		httprpc.WithHSTS(cfg.HSTSMaxAge),
	}
	if len(cfg.CORSOrigins) > 0 {
		opts = append(opts, httprpc.WithCORS(middleware.DefaultCORS(cfg.CORSOrigins...)))
	}
	rpc := httprpc.New(reg, opts...)

	keys, err := cfg.SessionKeys()
	if err != nil {
		return nil, err
	}
	var processors []endpoint.Processor
	cookieOpts := []middleware.SecureCookieOption{
		middleware.WithSecure(strings.HasPrefix(cfg.PublicURL, "https://")),
	}
	if keys != nil {
		sp, err := middleware.NewSessionProcessor(cfg.SessionKeyID, keys,
			middleware.WithCookieOptions(cookieOpts...),
			middleware.WithExtension(cfg.SessionPeriod, cfg.SessionPeriod/4),
		)
		if err != nil {
			return nil, err
		}
		processors = append(processors, sp)
	}

	mux := http.NewServeMux()
	h := rpc.Handler(processors...)
	mux.Handle(cfg.RPCPath, h)
	mux.Handle(strings.TrimRight(cfg.RPCPath, "/")+"/{method}", h)
	mux.Handle("/describe", rpc.DescribeHandler())

	if cfg.OIDCEnabled() {
		providers := auth.NewProviders()
		if err := providers.AddOIDC(ctx, cfg.OIDCProvider, cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCScopes); err != nil {
			return nil, fmt.Errorf("oidc provider: %w", err)
		}
		issuer := auth.NewIssuer(manager,
			auth.WithGrant(auth.GrantRoles(cfg.GrantRoles...)),
			auth.WithTokenExpiry(cfg.TokenExpiry),
		)
		ah, err := auth.NewHandler(providers, cfg.SessionKeyID, keys, cfg.PublicURL, "/auth",
			auth.WithProcessors(processors...),
			auth.WithIssuer(issuer),
			auth.WithStateCookie(auth.DefaultCookieName, cookieOpts...),
			auth.WithLogger(a.log),
		)
		if err != nil {
			return nil, err
		}
		mux.Handle("/auth/", ah)
	}
	return mux, nil
}
