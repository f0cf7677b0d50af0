package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kiln/pkg/model"
)

func newWorkersCmd() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List connected workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if history {
				var sessions []model.WorkerSession
				if _, err := client.GetData("/api/v1/workers/sessions", &sessions); err != nil {
					return fmt.Errorf("list worker sessions: %w", err)
				}
				if len(sessions) == 0 {
					fmt.Fprintln(out, "No worker sessions recorded.")
					return nil
				}
				fmt.Fprintf(out, "%-40s  %-20s  %-8s  %-16s  %s\n", "ID", "NAME", "CAPACITY", "CONNECTED", "DISCONNECTED")
				for _, s := range sessions {
					gone := "-"
					if s.DisconnectedAt != nil {
						gone = humanize.Time(*s.DisconnectedAt)
					}
					fmt.Fprintf(out, "%-40s  %-20s  %-8d  %-16s  %s\n", s.ID, s.Name, s.Capacity, humanize.Time(s.ConnectedAt), gone)
				}
				return nil
			}

			var workers []model.WorkerInfo
			if _, err := client.GetData("/api/v1/workers/", &workers); err != nil {
				return fmt.Errorf("list workers: %w", err)
			}
			if len(workers) == 0 {
				fmt.Fprintln(out, "No workers connected.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-20s  %-20s  %-5s  %s\n", "ID", "NAME", "HOST", "SLOTS", "CONNECTED")
			for _, w := range workers {
				slots := fmt.Sprintf("%d/%d", w.Capacity-w.Free, w.Capacity)
				fmt.Fprintf(out, "%-40s  %-20s  %-20s  %-5s  %s\n", w.ID, w.Name, w.Hostname, slots, humanize.Time(w.ConnectedAt))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "Show past and present registrations from the archive")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <job_id>",
		Short: "Drop the server's reference to a job",
		Long:  "Release a job. Later reads of the job return 410 Gone; a running build is not interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, err := client.Delete("/api/v1/jobs/" + id); err != nil {
				return fmt.Errorf("release job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job released: %s\n", id)
			return nil
		},
	}
}
