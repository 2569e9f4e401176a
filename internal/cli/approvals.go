package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/store"
)

func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect the approval audit log",
	}

	cmd.AddCommand(newApprovalsListCmd())
	cmd.AddCommand(newApprovalsHistoryCmd())

	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sessionId>",
		Short: "List the latest state of every approval in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			approvals, err := store.NewApprovalLog(db).ListApprovals(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(approvals) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No approvals recorded for %s\n", args[0])
				return nil
			}
			printApprovals(cmd.OutOrStdout(), approvals)
			return nil
		},
	}
}

func newApprovalsHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <toolUseId>",
		Short: "Show every recorded transition of one approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			history, err := store.NewApprovalLog(db).History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(history) == 0 {
				return fmt.Errorf("approval %q not found", args[0])
			}
			w := cmd.OutOrStdout()
			for _, t := range history {
				line := fmt.Sprintf("%s  %-9s", t.RecordedAt.UTC().Format(time.RFC3339), t.Status)
				if t.ApprovedBy != "" {
					line += "  by " + t.ApprovedBy
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
}

func printApprovals(w io.Writer, approvals []domain.Approval) {
	for _, a := range approvals {
		fmt.Fprintf(w, "%-24s %-20s %-9s", a.ToolUseID, a.ToolName, a.Status)
		switch {
		case a.ApprovedBy != "":
			fmt.Fprintf(w, " by %s", a.ApprovedBy)
		case a.Status == domain.ApprovalPending:
			fmt.Fprintf(w, " until %s", a.TimeoutAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}
}
