package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/kiln/pkg/model"
)

// buildRequest is the YAML form of a submission:
//
//	dockerfile: |
//	  FROM golang:1.24
//	  RUN go build ./...
//	cache_hint: golang
type buildRequest struct {
	Dockerfile string `yaml:"dockerfile"`
	CacheHint  string `yaml:"cache_hint"`
}

func newSubmitCmd() *cobra.Command {
	var cacheHint string
	var follow bool

	cmd := &cobra.Command{
		Use:   "submit <Dockerfile | request.yaml | ->",
		Short: "Submit a build",
		Long: "Submit a Dockerfile for building. A .yaml/.yml file is read as a build request\n" +
			"with dockerfile and cache_hint fields; \"-\" reads the Dockerfile from stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readBuildRequest(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cache-hint") {
				req.CacheHint = cacheHint
			}
			if strings.TrimSpace(req.Dockerfile) == "" {
				return fmt.Errorf("%s: empty Dockerfile", args[0])
			}

			logger.Debug("submitting build", "source", args[0], "size", len(req.Dockerfile), "cache_hint", req.CacheHint)
			var job model.JobInfo
			resp, err := client.Post("/api/v1/jobs/", map[string]string{
				"descriptor": req.Dockerfile,
				"cache_hint": req.CacheHint,
			})
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			if err := decodeData(resp, &job); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job submitted: %s\n", job.ID)
			if !follow {
				return nil
			}
			return followLog(cmd.Context(), out, job.ID, 0)
		},
	}

	cmd.Flags().StringVar(&cacheHint, "cache-hint", "", "Cache hint shared by related builds")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream the build log until the job finishes")
	return cmd
}

// readBuildRequest loads a submission from path.
func readBuildRequest(path string, stdin io.Reader) (buildRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return buildRequest{}, fmt.Errorf("read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var req buildRequest
		if err := yaml.Unmarshal(data, &req); err != nil {
			return buildRequest{}, fmt.Errorf("parse %s: %w", path, err)
		}
		return req, nil
	default:
		return buildRequest{Dockerfile: string(data)}, nil
	}
}
