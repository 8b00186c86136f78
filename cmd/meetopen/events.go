package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"meetopen/internal/model"
	"meetopen/internal/store"
)

func init() {
	var hours int

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List tracked events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Initialize(cmd.Context()); err != nil {
				return err
			}

			now := time.Now()
			events, err := st.QueryWindow(cmd.Context(), now.Add(-time.Hour), now.Add(time.Duration(hours)*time.Hour))
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), events, now)
		},
	}
	eventsCmd.Flags().IntVar(&hours, "hours", 72, "How many hours ahead to list")
	rootCmd.AddCommand(eventsCmd)
}

func printEvents(w io.Writer, events []model.Event, now time.Time) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no tracked events")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tWHEN\tSERVICE\tOPENED\tNAME")
	for _, e := range events {
		opened := "no"
		if e.Opened {
			opened = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.StartTime.Local().Format("Mon 15:04"),
			humanize.RelTime(e.StartTime, now, "ago", "from now"),
			e.Service.DisplayName(),
			opened,
			e.Name,
		)
	}
	return tw.Flush()
}
