package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	expect "github.com/Netflix/go-expect"
	"github.com/spf13/cobra"

	"github.com/labgrid-project/labgrid-go/internal/console"
	"github.com/labgrid-project/labgrid-go/internal/driver"
	"github.com/labgrid-project/labgrid-go/internal/logging"
)

// sshDriverFor resolves the place's NetworkService resource and connects
// to it.
func (a *app) sshDriverFor(ctx context.Context, place string) (*driver.SSHDriver, error) {
	p, err := a.client.Place(ctx, place)
	if err != nil {
		return nil, err
	}
	for _, r := range p.Resources {
		if r.Class != "NetworkService" {
			continue
		}
		if !r.Available {
			return nil, fmt.Errorf("network service of place %s is unavailable", p.Name)
		}
		svc, err := driver.NetworkServiceFromParams(r.Params)
		if err != nil {
			return nil, err
		}
		return driver.NewSSHDriver(svc, logging.New(false))
	}
	return nil, fmt.Errorf("place %s has no NetworkService resource", place)
}

// exitCodeError carries a remote exit code to the process exit status.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("remote command exited with code %d", int(e))
}

func (a *app) sshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh PLACE CMD...",
		Short: "Run a command on the place over SSH",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.sshDriverFor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer d.Close()
			stdout, stderr, code, err := d.Run(cmd.Context(), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			for _, line := range stdout {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			for _, line := range stderr {
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
			if code != 0 {
				return exitCodeError(code)
			}
			return nil
		},
	}
}

func (a *app) putCmd() *cobra.Command {
	var progress bool
	cmd := &cobra.Command{
		Use:   "put PLACE LOCAL REMOTE",
		Short: "Copy a local file to the place",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.sshDriverFor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer d.Close()
			d.ShowProgress = progress
			return d.Put(cmd.Context(), args[1], args[2])
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", true, "show a transfer progress bar")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	var progress bool
	cmd := &cobra.Command{
		Use:   "get PLACE REMOTE LOCAL",
		Short: "Copy a file from the place",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.sshDriverFor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer d.Close()
			d.ShowProgress = progress
			return d.Get(cmd.Context(), args[1], args[2])
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", true, "show a transfer progress bar")
	return cmd
}

func (a *app) consoleCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "console PLACE [expect=PATTERN|send=LINE]...",
		Short: "Open an interactive shell on the place, or drive it with expect/send steps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				stat, err := os.Stdin.Stat()
				if err != nil || stat.Mode()&os.ModeCharDevice == 0 {
					return errors.New("console needs an interactive terminal")
				}
			}
			d, err := a.sshDriverFor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer d.Close()
			sh, err := d.Shell()
			if err != nil {
				return err
			}
			if len(args) > 1 {
				return runConsoleScript(sh, args[1:], cmd.OutOrStdout(), timeout)
			}
			if err := sh.Start(os.Stdin); err != nil {
				return err
			}
			return sh.Wait()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout per expect step")
	return cmd
}

// runConsoleScript drives the shell through expect=/send= steps and
// echoes everything the expect steps match.
func runConsoleScript(sh console.Shell, steps []string, out io.Writer, timeout time.Duration) error {
	c, err := console.Attach(sh, expect.WithDefaultTimeout(timeout))
	if err != nil {
		return err
	}
	defer c.Close()
	for _, step := range steps {
		op, arg, ok := strings.Cut(step, "=")
		if !ok {
			return fmt.Errorf("malformed step %q, want expect=PATTERN or send=LINE", step)
		}
		switch op {
		case "expect":
			matched, err := c.Expect(arg)
			if err != nil {
				return fmt.Errorf("expect %q: %w", arg, err)
			}
			fmt.Fprint(out, matched)
		case "send":
			if err := c.SendLine(arg); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown step %q, want expect= or send=", step)
		}
	}
	return nil
}
