package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/logging"
	"github.com/soyeahso/turnstile/internal/store"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turnstile",
		Short: "Turnstile: agent event processing and tool approval gate",
		Long: "Turnstile ingests agent stream events, assembles session timelines and " +
			"holds sensitive tool calls until a human approves them.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}

			level, style := "info", "pretty"
			if cfg, err := config.Load(paths.Config); err == nil {
				level, style = cfg.Logging.Level, cfg.Logging.ConsoleStyle
			}
			if logLevel != "" {
				level = logLevel
			}
			log = logging.NewConsole(level, style)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.turnstile/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReplayCmd())
	cmd.AddCommand(newApprovalsCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// openStore opens the configured database.
func openStore() (*store.DB, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(paths.DatabasePath(cfg.Store), log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}
