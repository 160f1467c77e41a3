package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) reserveCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "reserve KEY=VALUE ...",
		Short: "Reserve a place matching the given tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseKeyValues(args)
			if err != nil {
				return err
			}
			res, err := a.client.Reserve(cmd.Context(), filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token: %s\n", res.Token)
			fmt.Fprintf(out, "state: %s\n", res.State)
			if wait && res.State == "waiting" {
				res, err = a.client.WaitReservation(cmd.Context(), res.Token, 2*time.Second)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "state: %s\n", res.State)
			}
			if res.Allocation != "" {
				fmt.Fprintf(out, "allocation: %s\n", res.Allocation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the reservation is allocated")
	return cmd
}

func (a *app) waitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait TOKEN",
		Short: "Wait until a reservation is allocated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.WaitReservation(cmd.Context(), args[0], 2*time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "allocation: %s\n", res.Allocation)
			return nil
		},
	}
}

func (a *app) cancelReservationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-reservation TOKEN",
		Short: "Cancel a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.CancelReservation(cmd.Context(), args[0])
		},
	}
}

func (a *app) reservationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reservations",
		Short: "List all reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reservations, err := a.client.Reservations(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tOWNER\tSTATE\tFILTERS\tALLOCATION")
			for _, r := range reservations {
				allocation := r.Allocation
				if allocation == "" {
					allocation = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Token, r.Owner, r.State, formatTags(r.Filters), allocation)
			}
			return w.Flush()
		},
	}
}
