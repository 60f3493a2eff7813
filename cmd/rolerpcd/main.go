// Command rolerpcd serves rolerpc services over HTTP and, optionally, NATS.
//
// It is configured from the environment (see package config):
//
//	# Start the server with an in-memory access table
//	rolerpcd serve
//
//	# Issue an admin token in a persistent store
//	ROLERPC_STORE=file rolerpcd token create --roles admin
//
//	# Show the role table and the callable methods
//	rolerpcd roles
//	rolerpcd describe
//
// Environment variables:
//
//   - ROLERPC_HTTP_ADDR: listen address (default ":8080")
//   - ROLERPC_STORE: memory, postgres or file
//   - DATABASE_URL: PostgreSQL connection string for the postgres store
//   - ROLERPC_NATS_URL: serve over NATS as well
//   - ROLERPC_OIDC_ISSUER: enable OIDC login under /auth/
//   - LOG_LEVEL: debug, info, warn or error
package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mnehpets/rolerpc/config"
)

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}

// app carries what every subcommand needs.
type app struct {
	envFile string
	cfg     *config.Config
	log     *slog.Logger
	// out receives the HTTP access log.
	out     io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:          "rolerpcd",
		Short:        "Role-based RPC server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file read before the environment")

	cmd.AddCommand(
		newServeCmd(a),
		newTokenCmd(a),
		newRolesCmd(a),
		newDescribeCmd(a),
	)
	return cmd
}

// load reads the configuration and installs the default logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.out = cmd.OutOrStdout()
	a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(a.log)
	return nil
}
