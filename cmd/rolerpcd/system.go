package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnehpets/rolerpc/access"
	"github.com/mnehpets/rolerpc/access/filestore"
	"github.com/mnehpets/rolerpc/access/pgstore"
	"github.com/mnehpets/rolerpc/config"
	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/roles"
	"github.com/mnehpets/rolerpc/rpcerr"
)

// SystemService is the name of the built-in service.
const SystemService = "system"

// publicAPI is reachable by every caller.
type publicAPI struct {
	registry *dispatch.Registry
}

func (publicAPI) Ping(context.Context, struct{}) (string, error) {
	return "pong", nil
}

type identity struct {
	Roles []string       `json:"roles"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

func (publicAPI) Whoami(_ context.Context, cc *dispatch.Context, _ struct{}) (identity, error) {
	return identity{Roles: cc.Roles, Attrs: cc.Attrs}, nil
}

func (a publicAPI) Describe(_ context.Context, cc *dispatch.Context, _ struct{}) (map[string]dispatch.ServiceInfo, error) {
	return a.registry.Describe(cc.Local), nil
}

// adminAPI manages access records.
type adminAPI struct {
	manager *access.Manager
}

type createTokenParams struct {
	Roles []string `json:"roles"`
	// ExpiresIn is in seconds; nil or zero never expires.
	ExpiresIn *float64 `json:"expires_in"`
}

func (a adminAPI) CreateToken(ctx context.Context, p createTokenParams) (string, error) {
	if len(p.Roles) == 0 {
		return "", rpcerr.New(rpcerr.CodeInvalidArguments, "roles must not be empty.")
	}
	var expires time.Time
	if p.ExpiresIn != nil {
		if *p.ExpiresIn < 0 {
			return "", rpcerr.New(rpcerr.CodeInvalidArguments, "expires_in must not be negative.")
		}
		if *p.ExpiresIn > 0 {
			expires = time.Now().Add(time.Duration(*p.ExpiresIn * float64(time.Second)))
		}
	}
	return a.manager.Create(ctx, "", expires, p.Roles, nil)
}

type revokeTokenParams struct {
	Token string `json:"token"`
}

func (a adminAPI) RevokeToken(ctx context.Context, p revokeTokenParams) (bool, error) {
	err := a.manager.Extend(ctx, p.Token, access.Fields{
		access.FieldExpires: time.Now().Add(-time.Millisecond).UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// registerSystem adds the built-in service. Admin methods are only added
// when the role table has an admin role.
func registerSystem(reg *dispatch.Registry, m *access.Manager) {
	svc := reg.Service(SystemService, true)
	svc.Whitelist(rpcerr.CodeRecordDoesNotExist)

	public := roles.Public
	if anon := anonymousRole(reg.Roles()); anon != "" {
		public = anon
	}
	svc.Register(public, publicAPI{registry: reg})
	if _, ok := reg.Roles().ByName(roles.Admin); ok {
		svc.Register(roles.Admin, adminAPI{manager: m})
	}
}

// anonymousRole returns the least privileged anonymous role.
func anonymousRole(s *roles.Set) string {
	ordered := s.Ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].Anonymous {
			return ordered[i].Name
		}
	}
	return ""
}

// newRegistry builds the registry with the built-in service.
func newRegistry(cfg *config.Config, m *access.Manager, log *slog.Logger) (*dispatch.Registry, error) {
	dc, err := cfg.Dispatch(log)
	if err != nil {
		return nil, err
	}
	reg, err := dispatch.NewRegistry(dispatch.WithConfig(dc), dispatch.WithAuthority(m))
	if err != nil {
		return nil, err
	}
	registerSystem(reg, m)
	return reg, nil
}

// openStore opens the configured access store. The returned func releases
// it.
func openStore(ctx context.Context, cfg *config.Config) (access.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return access.NewMemoryStore(), func() {}, nil
	case config.StorePostgres:
		pool, err := pgstore.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		s := pgstore.New(pool)
		if cfg.EnsureSchema {
			if err := s.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return s, pool.Close, nil
	case config.StoreFile:
		s, err := filestore.NewOS(cfg.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
