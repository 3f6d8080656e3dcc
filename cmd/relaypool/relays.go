package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var relaysCmd = &cobra.Command{
	Use:   "relays",
	Short: "Connect to the configured relays and print their state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		wait, _ := cmd.Flags().GetDuration("wait")
		deadline := time.NewTimer(wait)
		defer deadline.Stop()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
	poll:
		for {
			h := s.pool.Health()
			if h.Connected == h.Total {
				break
			}
			select {
			case <-cmd.Context().Done():
				break poll
			case <-deadline.C:
				break poll
			case <-ticker.C:
			}
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RELAY\tSTATE\tREAD\tWRITE")
		for _, info := range s.pool.Relays() {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", info.URL, info.Status, info.Policy.Read, info.Policy.Write)
		}
		h := s.pool.Health()
		fmt.Fprintf(tw, "\n%d/%d connected\n", h.Connected, h.Total)
		return tw.Flush()
	},
}

func init() {
	relaysCmd.Flags().Duration("wait", 5*time.Second, "how long to wait for every relay to connect")
}
