// Package cli implements the labgrid-client command line interface.
package cli

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/labgrid-project/labgrid-go/internal/client"
)

type app struct {
	coordinator string
	client      *client.Client
}

// identity returns "user/host" for the coordinator, overridable through
// LG_USERNAME and LG_HOSTNAME.
func identity() string {
	username := os.Getenv("LG_USERNAME")
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		} else {
			username = "unknown"
		}
	}
	hostname := os.Getenv("LG_HOSTNAME")
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "unknown"
		}
	}
	return username + "/" + hostname
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewRootCmd builds the labgrid-client command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "labgrid-client",
		Short:         "labgrid-client controls boards in a labgrid lab",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.client = client.New(a.coordinator, identity())
		},
	}
	root.PersistentFlags().StringVarP(&a.coordinator, "coordinator", "x",
		envDefault("LG_COORDINATOR", "http://localhost:20408"),
		"coordinator base URL")

	root.AddCommand(
		a.placesCmd(),
		a.whoCmd(),
		a.showCmd(),
		a.createCmd(),
		a.deleteCmd(),
		a.addAliasCmd(),
		a.delAliasCmd(),
		a.setTagsCmd(),
		a.setCommentCmd(),
		a.addMatchCmd(),
		a.delMatchCmd(),
		a.acquireCmd(),
		a.releaseCmd(),
		a.allowCmd(),
		a.resourcesCmd(),
		a.exportersCmd(),
		a.reserveCmd(),
		a.waitCmd(),
		a.cancelReservationCmd(),
		a.reservationsCmd(),
		a.sshCmd(),
		a.putCmd(),
		a.getCmd(),
		a.consoleCmd(),
		a.versionCmd(),
	)
	return root
}

// exitStatus maps an error to the process exit status, passing remote
// command exit codes through unchanged.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ec exitCodeError
	if errors.As(err, &ec) {
		return int(ec)
	}
	return 1
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	err := NewRootCmd().Execute()
	if err != nil {
		var ec exitCodeError
		if !errors.As(err, &ec) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	if code := exitStatus(err); code != 0 {
		os.Exit(code)
	}
}
