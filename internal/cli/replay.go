package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	"github.com/soyeahso/turnstile/internal/approval"
	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/correlate"
	"github.com/soyeahso/turnstile/internal/hooks"
	"github.com/soyeahso/turnstile/internal/ingest"
	"github.com/soyeahso/turnstile/internal/logging"
	"github.com/soyeahso/turnstile/internal/session"
	"github.com/soyeahso/turnstile/internal/store"
	"github.com/soyeahso/turnstile/internal/timeline"
)

const maxReplayLine = 16 << 20

// replaySummary describes one session after a replay.
type replaySummary struct {
	SessionID    string
	Messages     int
	Responses    int
	Visible      int
	Interactions int
	Orphans      int
	Pending      int
	Imported     int
}

type replayReport struct {
	Frames   int
	Dropped  int
	Sessions []replaySummary
}

// replayOptions are the collaborators of a replay. Both fields may be nil.
type replayOptions struct {
	// Import receives every replayed message not already stored.
	Import *store.MessageStore
	// Recorder persists approvals requested during the replay.
	Recorder approval.Recorder
}

func newReplayCmd() *cobra.Command {
	var doImport bool

	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Run recorded agent frames through the pipeline and summarize each session",
		Long: "Replay reads one raw wire frame per line (use - for stdin), applies them " +
			"through ingestion, timelines and approval gating, and prints what each session ends up with.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			var in io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var opts replayOptions
			if doImport {
				db, err := openStore()
				if err != nil {
					return err
				}
				defer db.Close()
				opts.Import = store.NewMessageStore(db)
				opts.Recorder = store.NewApprovalLog(db)
			}

			report, err := runReplay(cmd.Context(), in, cfg, opts, log)
			if err != nil {
				return err
			}
			printReplay(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&doImport, "import", false, "store the replayed messages and approvals in the database")

	return cmd
}

// runReplay feeds every line of r through a private pipeline built from
// cfg. Pending approvals are rejected when the replay ends.
func runReplay(ctx context.Context, r io.Reader, cfg config.Config, opts replayOptions, log *logging.Logger) (replayReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var report replayReport

	var gateOpts []approval.Option
	if opts.Recorder != nil {
		gateOpts = append(gateOpts, approval.WithRecorder(opts.Recorder))
	}
	bus := hooks.NewBus(log)
	gate, err := approval.New(cfg.Approval, bus, log, gateOpts...)
	if err != nil {
		return report, fmt.Errorf("approval policy: %w", err)
	}
	defer gate.Cleanup()

	adapter := ingest.NewAdapter(log)
	deps := session.Deps{
		Adapter:    adapter,
		Gatekeeper: gate,
		Correlator: correlate.NewEngine(cfg.Timeline.ExcludedTools, log),
		Bus:        bus,
	}
	if opts.Import != nil {
		deps.Source = opts.Import
	}
	mgr := session.NewManager(cfg.Session, deps, log)
	mgr.Start(ctx)
	defer mgr.Stop()

	var order []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		report.Frames++

		ev := adapter.Normalize(line)
		if ev == nil {
			report.Dropped++
			continue
		}
		if ev.SessionID == "" {
			continue
		}
		if !seen[ev.SessionID] {
			seen[ev.SessionID] = true
			order = append(order, ev.SessionID)
		}

		// a full lane drains on its own; wait for room
		err := retry.Do(
			func() error { return mgr.Enqueue(ctx, ev) },
			retry.Context(ctx),
			retry.Attempts(200),
			retry.Delay(time.Millisecond),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return errors.Is(err, session.ErrLaneFull) }),
		)
		if err != nil {
			return report, fmt.Errorf("frame %d: %w", report.Frames, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("reading frames: %w", err)
	}

	for _, id := range order {
		sum, err := summarizeSession(ctx, mgr, gate, id)
		if err != nil {
			return report, err
		}
		if opts.Import != nil {
			sum.Imported, err = importSession(ctx, mgr, opts.Import, id)
			if err != nil {
				return report, err
			}
		}
		report.Sessions = append(report.Sessions, sum)
	}
	return report, nil
}

func summarizeSession(ctx context.Context, mgr *session.Manager, gate *approval.Gatekeeper, id string) (replaySummary, error) {
	sum := replaySummary{SessionID: id}
	if err := mgr.Flush(ctx, id); err != nil {
		return sum, fmt.Errorf("flushing %s: %w", id, err)
	}

	msgs, err := mgr.Messages(ctx, id)
	if err != nil {
		return sum, err
	}
	responses, err := mgr.Responses(ctx, id)
	if err != nil {
		return sum, err
	}
	visible, err := mgr.Visible(ctx, id)
	if err != nil {
		return sum, err
	}
	result, err := mgr.Interactions(ctx, id, -1)
	if err != nil {
		return sum, err
	}

	sum.Messages = len(msgs)
	sum.Responses = len(responses)
	sum.Visible = len(visible)
	sum.Interactions = len(result.Interactions)
	sum.Orphans = result.Orphans
	sum.Pending = len(gate.GetPendingApprovals(id))
	return sum, nil
}

// importSession appends the session's messages that the store lacks.
func importSession(ctx context.Context, mgr *session.Manager, ms *store.MessageStore, id string) (int, error) {
	stored, err := ms.Messages(ctx, id)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(stored))
	for _, m := range stored {
		have[m.ID] = true
	}

	msgs, err := mgr.Messages(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		// positional ids are not stable keys
		if timeline.IsSynthetic(m.ID) || have[m.ID] {
			continue
		}
		m.IsStreaming = false
		if err := ms.Append(ctx, m); err != nil {
			return n, fmt.Errorf("importing %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

func printReplay(w io.Writer, report replayReport) {
	fmt.Fprintf(w, "Frames:   %d (%d dropped)\n", report.Frames, report.Dropped)
	fmt.Fprintf(w, "Sessions: %d\n", len(report.Sessions))
	for _, s := range report.Sessions {
		fmt.Fprintf(w, "\n%s\n", s.SessionID)
		fmt.Fprintf(w, "  messages=%d responses=%d visible=%d\n", s.Messages, s.Responses, s.Visible)
		fmt.Fprintf(w, "  interactions=%d orphans=%d pendingApprovals=%d\n", s.Interactions, s.Orphans, s.Pending)
		if s.Imported > 0 {
			fmt.Fprintf(w, "  imported=%d\n", s.Imported)
		}
	}
}
