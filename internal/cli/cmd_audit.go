package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/amanthanvi/credstore/internal/audit"
	"github.com/spf13/cobra"
)

func newAuditCommand(deps *commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
		Example: "  credstore audit list --limit 50\n" +
			"  credstore audit verify",
	}
	cmd.AddCommand(
		newAuditListCommand(deps),
		newAuditVerifyCommand(deps),
	)
	return cmd
}

func newAuditListCommand(deps *commandDeps) *cobra.Command {
	var (
		limit  int
		action string
		target string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events",
		Example: "  credstore audit list\n" +
			"  credstore audit list --action credential.delete --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit list does not accept positional arguments")
			}
			if limit < 0 {
				return usageErrorf("--limit must not be negative")
			}
			if action != "" && !slices.Contains(audit.AllActionTypes, action) {
				return usageErrorf("unknown audit action %q (known: %s)", action, strings.Join(audit.AllActionTypes, ", "))
			}
			return deps.withOpenStore(cmd.Context(), func(ctx context.Context, s session) error {
				events, err := s.store.Audit().List(ctx, audit.Filter{Action: action, TargetID: target, Limit: limit})
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, events)
				}
				if deps.globals.Quiet {
					return nil
				}
				for _, event := range events {
					if _, err := fmt.Fprintf(
						deps.out,
						"%s %s action=%s target=%s result=%s\n",
						event.ID,
						event.Timestamp.Format(time.RFC3339),
						event.Action,
						event.TargetID,
						event.Result,
					); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	cmd.Flags().StringVar(&action, "action", "", "Only list events with this action")
	cmd.Flags().StringVar(&target, "target", "", "Only list events for this target id")
	return cmd
}

func newAuditVerifyCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify audit hash chain integrity",
		Example: "  credstore audit verify\n" +
			"  credstore --json audit verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit verify does not accept positional arguments")
			}
			return deps.withOpenStore(cmd.Context(), func(ctx context.Context, s session) error {
				result, err := s.store.Audit().Verify(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if err := printJSON(deps.out, map[string]any{
						"valid":       result.Valid,
						"event_count": result.EventCount,
						"chain_tip":   result.ChainTip,
						"error":       result.Error,
					}); err != nil {
						return err
					}
				} else if !deps.globals.Quiet {
					if _, err := fmt.Fprintf(
						deps.out,
						"valid=%t events=%d chain_tip=%s error=%s\n",
						result.Valid,
						result.EventCount,
						result.ChainTip,
						result.Error,
					); err != nil {
						return err
					}
				}
				if !result.Valid {
					return &ExitError{Code: ExitCodeIntegrity, Err: fmt.Errorf("audit chain broken: %s", result.Error)}
				}
				return nil
			})
		},
	}
}
