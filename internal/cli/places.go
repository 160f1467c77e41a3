package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (a *app) placesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "places",
		Short: "List all places",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			places, err := a.client.Places(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tACQUIRED\tTAGS\tCOMMENT")
			for _, p := range places {
				acquired := p.Acquired
				if acquired == "" {
					acquired = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, acquired, formatTags(p.Tags), p.Comment)
			}
			return w.Flush()
		},
	}
}

func (a *app) whoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "who",
		Short: "List acquired places and their users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			places, err := a.client.Places(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tPLACE\tSINCE")
			for _, p := range places {
				if p.Acquired == "" {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Acquired, p.Name, p.ChangedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show PLACE",
		Short: "Show one place in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.client.Place(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Place %q:\n", p.Name)
			if len(p.Aliases) > 0 {
				fmt.Fprintf(out, "  aliases: %s\n", strings.Join(p.Aliases, ", "))
			}
			if p.Comment != "" {
				fmt.Fprintf(out, "  comment: %s\n", p.Comment)
			}
			fmt.Fprintf(out, "  tags: %s\n", formatTags(p.Tags))
			for _, m := range p.Matches {
				fmt.Fprintf(out, "  match: %s\n", m)
			}
			if p.Acquired != "" {
				fmt.Fprintf(out, "  acquired: %s\n", p.Acquired)
			}
			for _, r := range p.Resources {
				state := "available"
				if !r.Available {
					state = "unavailable"
				}
				if r.AcquiredBy != "" {
					state += ", acquired by " + r.AcquiredBy
				}
				fmt.Fprintf(out, "  resource: %s/%s/%s (%s)\n", r.Exporter, r.Group, r.Class, state)
			}
			return nil
		},
	}
}

func (a *app) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create PLACE",
		Short: "Create a new place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.client.CreatePlace(cmd.Context(), args[0])
			return err
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PLACE",
		Short: "Delete a place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.DeletePlace(cmd.Context(), args[0])
		},
	}
}

func (a *app) addAliasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-alias PLACE ALIAS",
		Short: "Add an alias to a place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.AddAlias(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) delAliasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del-alias PLACE ALIAS",
		Short: "Remove an alias from a place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.RemoveAlias(cmd.Context(), args[0], args[1])
		},
	}
}

func parseKeyValues(args []string) (map[string]string, error) {
	out := map[string]string{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not of the form key=value", arg)
		}
		out[k] = v
	}
	return out, nil
}

func (a *app) setTagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-tags PLACE KEY=VALUE ...",
		Short: "Merge tags into a place, an empty value removes the tag",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, err := parseKeyValues(args[1:])
			if err != nil {
				return err
			}
			return a.client.SetTags(cmd.Context(), args[0], tags)
		},
	}
}

func (a *app) setCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-comment PLACE COMMENT...",
		Short: "Set the comment of a place",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.SetComment(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func (a *app) addMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-match PLACE PATTERN",
		Short: "Add a resource match pattern (exporter/group/class) to a place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.AddMatch(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) delMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del-match PLACE PATTERN",
		Short: "Remove a resource match pattern from a place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.RemoveMatch(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) acquireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "acquire PLACE",
		Short: "Acquire a place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.client.Acquire(cmd.Context(), args[0], envDefault("LG_TOKEN", ""))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired place %s\n", p.Name)
			return nil
		},
	}
}

func (a *app) releaseCmd() *cobra.Command {
	var kick bool
	cmd := &cobra.Command{
		Use:   "release PLACE",
		Short: "Release a place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Release(cmd.Context(), args[0], kick); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released place %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&kick, "kick", "k", false, "release a place acquired by another user")
	return cmd
}

func (a *app) allowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow PLACE USER/HOST",
		Short: "Allow another user to release an acquired place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.Allow(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List all resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := a.client.Resources(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EXPORTER\tGROUP\tCLASS\tAVAILABLE\tACQUIRED BY")
			for _, r := range resources {
				acquired := r.AcquiredBy
				if acquired == "" {
					acquired = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", r.Exporter, r.Group, r.Class, r.Available, acquired)
			}
			return w.Flush()
		},
	}
}

func (a *app) exportersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exporters",
		Short: "List registered exporters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exporters, err := a.client.Exporters(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHOSTNAME\tVERSION\tSTALE\tLAST SEEN")
			for _, e := range exporters {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", e.Name, e.Hostname, e.Version, e.Stale,
					e.LastSeen.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}
