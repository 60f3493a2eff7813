package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mnehpets/rolerpc/access"
)

func newDescribeCmd(a *app) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the methods served by rolerpcd as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := newRegistry(a.cfg, access.NewManager(nil), a.log)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reg.Describe(local))
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "include methods only reachable in process")
	return cmd
}
