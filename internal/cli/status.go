package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/store"
	"github.com/soyeahso/turnstile/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show turnstile status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := version.Get()
			fmt.Printf("Turnstile %s (commit %s)\n\n", b.Version, b.Commit)

			// Show paths
			fmt.Printf("Config:   %s\n", paths.Config)
			fmt.Printf("Data:     %s\n", paths.Data)
			fmt.Printf("Logs:     %s\n", paths.Logs)
			fmt.Println()

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Println("Config:   not found (using defaults)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:   error loading: %v\n", err)
				return nil
			}

			fmt.Printf("Gateway:  port=%d bind=%s auth=%s tls=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.TLS.Enabled)

			rules := make([]string, len(cfg.Approval.RequiredTools))
			for i, r := range cfg.Approval.RequiredTools {
				rules[i] = r.String()
			}
			if len(rules) == 0 {
				rules = []string{"(none)"}
			}
			fmt.Printf("Approval: enabled=%v timeout=%gm tools=%s\n",
				cfg.Approval.Enabled, cfg.Approval.DefaultTimeoutMinutes, strings.Join(rules, ","))

			fmt.Printf("Session:  maxConcurrent=%d laneBuffer=%d pruneAfter=%dm\n",
				cfg.Session.MaxConcurrent, cfg.Session.LaneBuffer, cfg.Session.PruneAfterMinutes)

			// Store
			dbPath := paths.DatabasePath(cfg.Store)
			if _, err := os.Stat(dbPath); err != nil {
				fmt.Printf("Store:    %s (not created yet)\n", dbPath)
			} else if db, err := store.Open(dbPath, log); err != nil {
				fmt.Printf("Store:    %s (error: %v)\n", dbPath, err)
			} else {
				sessions, err := store.NewMessageStore(db).Sessions(cmd.Context())
				db.Close()
				if err != nil {
					fmt.Printf("Store:    %s (error: %v)\n", dbPath, err)
				} else {
					fmt.Printf("Store:    %s (%d sessions)\n", dbPath, len(sessions))
				}
			}

			// Channels
			if cfg.Channels.IRC != nil {
				irc := cfg.Channels.IRC
				fmt.Printf("IRC:      server=%s nick=%s channels=%s tls=%v\n",
					irc.Server, irc.Nick, strings.Join(irc.Channels, ","), irc.UseTLS)
			} else {
				fmt.Println("IRC:      (not configured)")
			}

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}
