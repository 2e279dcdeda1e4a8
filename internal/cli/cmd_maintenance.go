package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/amanthanvi/credstore/internal/vault"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	colorSuccess = color.FgGreen
	colorFailure = color.FgRed
)

type verifyView struct {
	ID       int64  `json:"id"`
	Website  string `json:"website"`
	Username string `json:"username"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

func newVerifyCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of every stored credential",
		Example: "  credstore verify\n" +
			"  credstore --json verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("verify does not accept positional arguments")
			}
			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				results, err := s.store.VerifyAll(ctx)
				if err != nil {
					return err
				}

				views := make([]verifyView, 0, len(results))
				corrupt := 0
				for _, result := range results {
					view := verifyView{ID: result.ID, Website: result.Website, Username: result.Username, OK: result.OK()}
					if !result.OK() {
						view.Error = result.Err.Error()
						corrupt++
					}
					views = append(views, view)
				}

				if deps.globals.JSON {
					if err := printJSON(deps.out, map[string]any{
						"total":   len(views),
						"corrupt": corrupt,
						"results": views,
					}); err != nil {
						return err
					}
				} else {
					p := deps.printer()
					for _, view := range views {
						status := p.colorize(colorSuccess, "ok")
						if !view.OK {
							status = p.colorize(colorFailure, "CORRUPT")
						}
						if err := p.Printf("%-8s %d\t%s\t%s\n", status, view.ID, view.Website, view.Username); err != nil {
							return err
						}
					}
					if err := p.Printf("%d checked, %d corrupt\n", len(views), corrupt); err != nil {
						return err
					}
				}

				if corrupt > 0 {
					return asExitError(ExitCodeIntegrity, fmt.Errorf("%d credential(s) failed integrity checks: %w", corrupt, vault.ErrIntegrity))
				}
				return nil
			})
		},
	}
}

func newPasswdCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the store passphrase and re-encrypt every credential",
		Example: "  credstore passwd\n" +
			"  printf '%s\\n%s\\n' \"$OLD\" \"$NEW\" | credstore --passphrase-stdin passwd",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("passwd does not accept positional arguments")
			}
			return deps.withOpenStore(cmd.Context(), func(ctx context.Context, s session) error {
				if !s.store.IsInitialized() {
					return vault.ErrNotInitialized
				}
				oldPassphrase, err := deps.readSecret("Current passphrase: ")
				if err != nil {
					return err
				}
				newPassphrase, err := deps.readNewSecret("New passphrase: ")
				if err != nil {
					wipeAll(oldPassphrase)
					return err
				}
				if err := s.store.ChangePassphrase(ctx, oldPassphrase, newPassphrase); err != nil {
					var recErr vault.RecordError
					if errors.As(err, &recErr) {
						return asExitError(ExitCodeIntegrity, fmt.Errorf("credential %d is corrupt; nothing was changed: %w", recErr.ID, err))
					}
					return err
				}
				defer s.store.Lock()

				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"changed": true})
				}
				return deps.printer().Printf("passphrase changed\n")
			})
		},
	}
}

func newBackupCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "backup <dest>",
		Short:   "Write a consistent copy of the store",
		Long:    "Write a consistent copy of the store database. Credentials stay encrypted in the copy, which opens with the same passphrase.",
		Example: "  credstore backup ~/backups/credentials-2026-10-19.db",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("backup requires exactly one destination path")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return usageErrorf("invalid backup destination %q: %v", args[0], err)
			}
			return deps.withOpenStore(cmd.Context(), func(ctx context.Context, s session) error {
				if !s.store.IsInitialized() {
					return vault.ErrNotInitialized
				}
				if err := s.store.Backup(ctx, dest); err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"backup_path": dest})
				}
				return deps.printer().Printf("backup written: %s\n", dest)
			})
		},
	}
}
