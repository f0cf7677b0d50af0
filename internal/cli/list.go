package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kiln/pkg/model"
)

func newListCmd() *cobra.Command {
	var state string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			if state != "" {
				q.Set("state", state)
			}

			var jobs []model.JobInfo
			resp, err := client.GetData("/api/v1/jobs/?"+q.Encode(), &jobs)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-10s  %-7s  %-8s  %s\n", "ID", "STATE", "ATTEMPT", "LOG", "CREATED")
			fmt.Fprintf(out, "%-40s  %-10s  %-7s  %-8s  %s\n", "--", "-----", "-------", "---", "-------")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-40s  %-10s  %-7d  %-8s  %s\n",
					j.ID, j.State, j.Attempt, humanize.Bytes(uint64(j.LogSize)), humanize.Time(j.CreatedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(jobs), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Only jobs in this state (queued, assigned, running, succeeded, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Jobs to skip")
	return cmd
}
