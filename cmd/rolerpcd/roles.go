package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mnehpets/rolerpc/roles"
)

func newRolesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "Print the role table in resolution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := a.cfg.RoleTable()
			if err != nil {
				return err
			}
			set, err := roles.Build(t)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tPRIORITY\tANONYMOUS\tSERVABLE")
			for _, r := range set.Ordered() {
				fmt.Fprintf(tw, "%s\t%d\t%t\t%t\n", r.Name, r.Priority, r.Anonymous, r.Servable)
			}
			return tw.Flush()
		},
	}
}
