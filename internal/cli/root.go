package cli

import (
	"log/slog"
	"os"

	"github.com/me/kiln/internal/config"
	"github.com/me/kiln/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking KILN_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv(config.EnvServer); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the kiln CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kiln",
		Short: "kiln: distributed container image builds",
		Long:  "kiln submits Dockerfile builds to a kiln server, follows their logs, and inspects workers.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, "", cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "kiln server URL (or KILN_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newLogsCmd(),
		newStatusCmd(),
		newListCmd(),
		newWorkersCmd(),
		newReleaseCmd(),
	)

	return root
}
