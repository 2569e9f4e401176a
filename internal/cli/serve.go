package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/turnstile/internal/approval"
	"github.com/soyeahso/turnstile/internal/channel"
	"github.com/soyeahso/turnstile/internal/channel/irc"
	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/correlate"
	"github.com/soyeahso/turnstile/internal/gateway"
	"github.com/soyeahso/turnstile/internal/hooks"
	"github.com/soyeahso/turnstile/internal/ingest"
	"github.com/soyeahso/turnstile/internal/session"
	"github.com/soyeahso/turnstile/internal/store"
)

const channelStopTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and approval relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			// Load raw config for RPC access
			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				raw = make(map[string]any)
			}

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("creating directories: %w", err)
			}
			dbPath := paths.DatabasePath(cfg.Store)
			db, err := store.Open(dbPath, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			log.Info().Str("path", dbPath).Msg("using SQLite store")

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, raw, db)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}

// serve wires the core together and runs it until ctx ends.
func serve(ctx context.Context, cfg config.Config, raw map[string]any, db *store.DB) error {
	bus := hooks.NewBus(log)

	gate, err := approval.New(cfg.Approval, bus, log, approval.WithRecorder(store.NewApprovalLog(db)))
	if err != nil {
		return fmt.Errorf("approval policy: %w", err)
	}
	defer gate.Cleanup()

	sessions := session.NewManager(cfg.Session, session.Deps{
		Adapter:    ingest.NewAdapter(log),
		Gatekeeper: gate,
		Correlator: correlate.NewEngine(cfg.Timeline.ExcludedTools, log),
		Source:     store.NewMessageStore(db),
		Bus:        bus,
	}, log)
	sessions.Start(ctx)
	defer sessions.Stop()

	channels := channel.NewRegistry(log)
	if cfg.Channels.IRC != nil {
		channels.Register(irc.New(*cfg.Channels.IRC, log))
	}
	if channels.Count() > 0 {
		detach := channel.NewApprovalRelay(channels, gate, log).Attach(bus)
		defer detach()
	}

	srv := gateway.New(cfg, log,
		gateway.WithConfigRaw(raw),
		gateway.WithSessions(sessions),
		gateway.WithGatekeeper(gate),
		gateway.WithChannels(channels),
		gateway.WithHooks(bus),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if channels.Count() > 0 {
		channels.StartAll(gctx)
		log.Info().Strs("channels", channels.List()).Msg("approval relay active")
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), channelStopTimeout)
			defer cancel()
			channels.StopAll(stopCtx)
			return nil
		})
	}

	return g.Wait()
}
