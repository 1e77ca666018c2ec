package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/awm/internal/config"
	"github.com/p-blackswan/awm/internal/mgmt"
)

// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
var Version = "0.0.0-dev"

type globalFlags struct {
	apiURL string
	apiKey string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "awm",
		Short: "Autonomous Work Manager",
		Long: `AWM turns time, file, webhook and manual triggers into agent work sessions.

Commands:
  start                                  Start the daemon
  status                                 Show scheduler status
  project create <name> <description>    Create a project
  project list                           List projects
  event create <projectId> <cron>        Create a time-based event
  trigger <projectId>                    Queue a manual trigger

Every command except start talks to a running daemon's management API.

Examples:
  awm start
  awm project create "My Project" "Work on something cool"
  awm event create abc123 "0 2 * * *" --priority high   # 2 AM daily
  awm trigger abc123 --priority critical`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotEnv()
		},
	}

	root.PersistentFlags().StringVar(&flags.apiURL, "api", "", "Management API URL (default derived from AWM_MGMT_LISTEN_ADDR)")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", "", "Management API key (default AWM_MGMT_API_KEY)")

	root.AddCommand(newStartCmd())
	root.AddCommand(newStatusCmd(flags))
	root.AddCommand(newProjectCmd(flags))
	root.AddCommand(newEventCmd(flags))
	root.AddCommand(newTriggerCmd(flags))
	return root
}

// loadDotEnv reads .env from the working directory when present.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func newLogger(environment, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Logger = logger
	return logger
}

// apiBaseURL turns a listen address such as ":8090" into a client URL.
func apiBaseURL(listenAddr string) string {
	switch {
	case strings.HasPrefix(listenAddr, "http://"), strings.HasPrefix(listenAddr, "https://"):
		return strings.TrimRight(listenAddr, "/")
	case strings.HasPrefix(listenAddr, ":"):
		return "http://localhost" + listenAddr
	case strings.HasPrefix(listenAddr, "0.0.0.0:"):
		return "http://localhost" + strings.TrimPrefix(listenAddr, "0.0.0.0")
	default:
		return "http://" + listenAddr
	}
}

// client builds an API client from flags, falling back to the daemon's
// own configuration.
func (f *globalFlags) client() (*mgmt.Client, error) {
	url, key := f.apiURL, f.apiKey
	if url == "" || key == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = apiBaseURL(cfg.MgmtListenAddr)
		}
		if key == "" {
			key = cfg.MgmtAPIKey
		}
	}
	return mgmt.NewClient(url, key), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
