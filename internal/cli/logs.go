package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/kiln/pkg/model"
)

// failureMarker is printed once after the log of a failed build.
const failureMarker = "*** BUILD FAILED ***"

// Retry policy for transient errors while following a log.
var (
	followMinDelay   = 250 * time.Millisecond
	followMaxDelay   = 4 * time.Second
	followMaxRetries = 8
)

func newLogsCmd() *cobra.Command {
	var follow bool
	var offset int64

	cmd := &cobra.Command{
		Use:   "logs <job_id>",
		Short: "Print a job's build log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out := cmd.OutOrStdout()
			if follow {
				return followLog(cmd.Context(), out, id, offset)
			}

			var chunk model.LogChunk
			if _, err := client.GetData(fmt.Sprintf("/api/v1/jobs/%s/log?offset=%d", id, offset), &chunk); err != nil {
				return fmt.Errorf("get log: %w", err)
			}
			_, err := out.Write(chunk.Data)
			return err
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming until the job finishes")
	cmd.Flags().Int64Var(&offset, "offset", 0, "Byte offset to start from")
	return cmd
}

// followLog long-polls the job's log from offset and copies it to out until
// the job is terminal. Transient failures are retried from the last offset
// written, so no byte is printed twice.
func followLog(ctx context.Context, out io.Writer, id string, offset int64) error {
	delay := followMinDelay
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var chunk model.LogChunk
		_, err := client.GetData(fmt.Sprintf("/api/v1/jobs/%s/log?offset=%d&wait=true", id, offset), &chunk)
		if err != nil {
			if isPermanent(err) {
				return fmt.Errorf("follow %s: %w", id, err)
			}
			failures++
			if failures > followMaxRetries {
				return fmt.Errorf("follow %s: giving up after %d attempts: %w", id, failures, err)
			}
			logger.Warn("log poll failed, retrying", "job_id", id, "offset", offset, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, followMaxDelay)
			continue
		}
		failures, delay = 0, followMinDelay

		if _, err := out.Write(chunk.Data); err != nil {
			return err
		}
		offset = chunk.NextOffset
		if chunk.Done {
			break
		}
	}

	var st jobStatus
	if _, err := client.GetData("/api/v1/jobs/"+id+"/status", &st); err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if st.State == model.JobStateFailed {
		fmt.Fprintln(out, failureMarker)
		detail := "unknown error"
		if st.Result != nil && st.Result.Detail != "" {
			detail = st.Result.Detail
		}
		return fmt.Errorf("job %s failed: %s", id, detail)
	}
	return nil
}
