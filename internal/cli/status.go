package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kiln/pkg/model"
)

// jobStatus mirrors GET /api/v1/jobs/{id}/status.
type jobStatus struct {
	ID       string         `json:"id"`
	State    model.JobState `json:"state"`
	Terminal bool           `json:"terminal"`
	Result   *model.Result  `json:"result"`
}

func newStatusCmd() *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if wait {
				deadline := time.Now().Add(timeout)
				for {
					var st jobStatus
					if _, err := client.GetData("/api/v1/jobs/"+id+"/status?wait=true", &st); err != nil {
						return fmt.Errorf("get status: %w", err)
					}
					if st.Terminal || (timeout > 0 && time.Now().After(deadline)) {
						break
					}
					if err := cmd.Context().Err(); err != nil {
						return err
					}
				}
			}

			var job model.JobInfo
			if _, err := client.GetData("/api/v1/jobs/"+id, &job); err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job: %s\n", job.ID)
			fmt.Fprintf(out, "  State:    %s\n", job.State)
			if job.WorkerID != "" {
				fmt.Fprintf(out, "  Worker:   %s\n", job.WorkerID)
			}
			fmt.Fprintf(out, "  Attempt:  %d\n", job.Attempt)
			if job.CacheHint != "" {
				fmt.Fprintf(out, "  Cache:    %s\n", job.CacheHint)
			}
			fmt.Fprintf(out, "  Log:      %s\n", humanize.Bytes(uint64(job.LogSize)))
			fmt.Fprintf(out, "  Created:  %s (%s)\n", job.CreatedAt.Format(time.RFC3339), humanize.Time(job.CreatedAt))
			if job.CompletedAt != nil {
				fmt.Fprintf(out, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
			}
			if r := job.Result; r != nil {
				if r.Succeeded {
					fmt.Fprintln(out, "  Result:   succeeded")
				} else {
					fmt.Fprintf(out, "  Result:   failed (%s)\n", r.Detail)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Block until the job finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	return cmd
}
