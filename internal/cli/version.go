package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/labgrid-project/labgrid-go/internal/version"
)

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and coordinator versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client: %s (%s, %s)\n", version.Version, version.GitCommit, version.BuildTime)
			info, err := a.client.Version(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "coordinator: unreachable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "coordinator: %s (%s)\n", info.Version, info.GitCommit)
			return nil
		},
	}
}
