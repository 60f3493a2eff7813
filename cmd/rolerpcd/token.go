package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnehpets/rolerpc/access"
	"github.com/mnehpets/rolerpc/config"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}
	cmd.AddCommand(newTokenCreateCmd(a), newTokenShowCmd(a))
	return cmd
}

func newTokenCreateCmd(a *app) *cobra.Command {
	var (
		rs      []string
		expires time.Duration
		token   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(rs) == 0 {
				return errors.New("at least one role is required")
			}
			return a.withManager(cmd.Context(), func(ctx context.Context, m *access.Manager) error {
				var at time.Time
				if expires > 0 {
					at = time.Now().Add(expires)
				}
				t, err := m.Create(ctx, token, at, rs, nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), t)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&rs, "roles", nil, "roles granted by the token")
	cmd.Flags().DurationVar(&expires, "expires", 0, "lifetime of the token; 0 never expires")
	cmd.Flags().StringVar(&token, "token", "", "use this token instead of a generated one")
	return cmd
}

func newTokenShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show TOKEN",
		Short: "Print the access record for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd.Context(), func(ctx context.Context, m *access.Manager) error {
				rec, expired, err := m.Get(ctx, args[0])
				if err != nil {
					return err
				}
				switch {
				case expired:
					return errors.New("token has expired")
				case rec == nil:
					return access.ErrRecordDoesNotExist
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec.Fields())
			})
		},
	}
}

// withManager opens the persistent access store for the duration of fn.
func (a *app) withManager(ctx context.Context, fn func(context.Context, *access.Manager) error) error {
	if a.cfg.Store == config.StoreMemory {
		return errors.New("the memory store does not persist; set ROLERPC_STORE to postgres or file")
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, access.NewManager(store, access.WithLogger(a.log)))
}
