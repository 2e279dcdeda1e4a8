package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/amanthanvi/credstore/internal/vault"
	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

type credentialView struct {
	ID        int64     `json:"id"`
	Version   uint64    `json:"version"`
	Website   string    `json:"website"`
	Username  string    `json:"username"`
	Secret    string    `json:"secret,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type corruptView struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

func newCredentialView(c vault.Credential, reveal bool) credentialView {
	view := credentialView{
		ID:        c.ID,
		Version:   c.Version,
		Website:   c.Website,
		Username:  c.Username,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if reveal {
		view.Secret = string(c.Secret)
		view.Comment = string(c.Comment)
	}
	return view
}

func newAddCommand(deps *commandDeps) *cobra.Command {
	var (
		website  string
		username string
		comment  string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new credential",
		Example: "  credstore add --website example.com --username alice\n" +
			"  printf '%s\\n%s\\n' \"$PASS\" \"$SECRET\" | credstore --passphrase-stdin add --website example.com --username alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("add does not accept positional arguments")
			}
			if strings.TrimSpace(website) == "" {
				return usageErrorf("add requires --website")
			}
			if strings.TrimSpace(username) == "" {
				return usageErrorf("add requires --username")
			}

			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				secret, err := deps.readNewSecret("Secret: ")
				if err != nil {
					return err
				}
				commentBytes := []byte(comment)
				id, err := s.store.Create(ctx, vault.NewCredential{
					Website:  website,
					Username: username,
					Secret:   secret,
					Comment:  commentBytes,
				})
				wipeAll(secret, commentBytes)
				if err != nil {
					return err
				}

				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"id": id})
				}
				return deps.printer().Printf("created credential %d\n", id)
			})
		},
	}
	cmd.Flags().StringVar(&website, "website", "", "Website or service the credential belongs to")
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&comment, "comment", "", "Free-form note, stored encrypted")
	return cmd
}

func newListCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored credentials",
		Example: "  credstore ls\n" +
			"  credstore --json ls",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("ls does not accept positional arguments")
			}
			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				result, err := s.store.ReadAll(ctx)
				if err != nil {
					return err
				}
				defer result.Wipe()
				return printCredentialList(deps, result)
			})
		},
	}
}

func newSearchCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find credentials by website or username",
		Example: "  credstore search github\n" +
			"  credstore --json search alice",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("search requires exactly one query")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				result, err := s.store.Search(ctx, args[0])
				if err != nil {
					return err
				}
				defer result.Wipe()
				return printCredentialList(deps, result)
			})
		},
	}
}

func newShowCommand(deps *commandDeps) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one credential",
		Example: "  credstore show 1\n" +
			"  credstore show 1 --reveal",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("show requires exactly one credential id")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				cred, err := s.store.ReadByID(ctx, id)
				if err != nil {
					return err
				}
				defer cred.Wipe()

				if deps.globals.JSON {
					return printJSON(deps.out, newCredentialView(*cred, reveal))
				}
				p := deps.printer()
				if err := p.Printf("id:       %d\nwebsite:  %s\nusername: %s\nversion:  %d\nupdated:  %s\n",
					cred.ID, cred.Website, cred.Username, cred.Version, cred.UpdatedAt.Format(time.RFC3339)); err != nil {
					return err
				}
				if !reveal {
					return nil
				}
				if err := p.Printf("secret:   %s\n", cred.Secret); err != nil {
					return err
				}
				if len(cred.Comment) > 0 {
					return p.Printf("comment:  %s\n", cred.Comment)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print the secret and comment in clear text")
	return cmd
}

func newEditCommand(deps *commandDeps) *cobra.Command {
	var (
		website      string
		username     string
		comment      string
		clearComment bool
		newSecret    bool
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a credential",
		Example: "  credstore edit 1 --username alice.smith\n" +
			"  credstore edit 1 --secret\n" +
			"  credstore edit 1 --clear-comment",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("edit requires exactly one credential id")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if clearComment && flags.Changed("comment") {
				return usageErrorf("--comment and --clear-comment cannot be combined")
			}

			var fields vault.Fields
			if flags.Changed("website") {
				fields.Website = &website
			}
			if flags.Changed("username") {
				fields.Username = &username
			}
			if flags.Changed("comment") {
				fields.Comment = []byte(comment)
			}
			if clearComment {
				fields.Comment = []byte{}
			}
			if fields.Website == nil && fields.Username == nil && fields.Comment == nil && !newSecret {
				return usageErrorf("edit requires at least one of --website, --username, --comment, --clear-comment, --secret")
			}

			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				if newSecret {
					secret, err := deps.readNewSecret("New secret: ")
					if err != nil {
						return err
					}
					fields.Secret = secret
				}
				err := s.store.Update(ctx, id, fields)
				wipeAll(fields.Secret, fields.Comment)
				if err != nil {
					return err
				}

				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"id": id, "updated": true})
				}
				return deps.printer().Printf("updated credential %d\n", id)
			})
		},
	}
	cmd.Flags().StringVar(&website, "website", "", "New website")
	cmd.Flags().StringVar(&username, "username", "", "New username")
	cmd.Flags().StringVar(&comment, "comment", "", "New comment")
	cmd.Flags().BoolVar(&clearComment, "clear-comment", false, "Remove the comment")
	cmd.Flags().BoolVar(&newSecret, "secret", false, "Prompt for a new secret")
	return cmd
}

func newRemoveCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a credential for good",
		Example: "  credstore --yes rm 3",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("rm requires exactly one credential id")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !deps.globals.Yes {
				return usageErrorf("rm deletes credential %d permanently; pass --yes to confirm", id)
			}
			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.store.Delete(ctx, id); err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"id": id, "deleted": true})
				}
				return deps.printer().Printf("deleted credential %d\n", id)
			})
		},
	}
}

// printCredentialList prints the readable records and then fails with an
// integrity exit code if any record was flagged corrupt.
func printCredentialList(deps *commandDeps, result vault.ReadAllResult) error {
	corrupt := make([]corruptView, 0, len(result.Corrupt))
	for _, bad := range result.Corrupt {
		corrupt = append(corrupt, corruptView{ID: bad.ID, Error: bad.Err.Error()})
	}

	if deps.globals.JSON {
		views := make([]credentialView, 0, len(result.Records))
		for _, rec := range result.Records {
			views = append(views, newCredentialView(rec, false))
		}
		if err := printJSON(deps.out, map[string]any{"credentials": views, "corrupt": corrupt}); err != nil {
			return err
		}
	} else if !deps.globals.Quiet {
		w := tabwriter.NewWriter(deps.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWEBSITE\tUSERNAME\tUPDATED")
		for _, rec := range result.Records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", rec.ID, rec.Website, rec.Username, rec.UpdatedAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(corrupt) == 0 {
		return nil
	}
	p := &textPrinter{out: deps.errOut, noColor: deps.globals.NoColor}
	for _, bad := range corrupt {
		_ = p.Printf("%s credential %d failed its integrity check\n", p.colorize(colorFailure, "CORRUPT"), bad.ID)
	}
	return asExitError(ExitCodeIntegrity, fmt.Errorf("%d credential(s) failed integrity checks: %w", len(corrupt), vault.ErrIntegrity))
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, usageErrorf("invalid credential id %q", raw)
	}
	return id, nil
}

func wipeAll(bufs ...[]byte) {
	for _, buf := range bufs {
		memguard.WipeBytes(buf)
	}
}
