package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newExportCommand(deps *commandDeps) *cobra.Command {
	var (
		outputPath string
		overwrite  bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every credential, still encrypted, to a portable stream",
		Example: "  credstore export --output ./credentials.csx\n" +
			"  credstore export > ./credentials.csx",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("export does not accept positional arguments")
			}
			toStdout := strings.TrimSpace(outputPath) == "" || outputPath == "-"
			if toStdout && deps.globals.JSON {
				return usageErrorf("export --json requires --output")
			}

			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				var w io.Writer = deps.out
				var file *os.File
				if !toStdout {
					f, err := createExportFile(outputPath, overwrite)
					if err != nil {
						return err
					}
					file = f
					w = f
				}

				count, err := s.store.Export(ctx, w)
				if file != nil {
					if closeErr := file.Close(); err == nil && closeErr != nil {
						err = fmt.Errorf("export: close %s: %w", outputPath, closeErr)
					}
					if err != nil {
						_ = os.Remove(outputPath)
					}
				}
				if err != nil {
					return err
				}

				if toStdout {
					if !deps.globals.Quiet {
						_, _ = fmt.Fprintf(deps.errOut, "exported %d credential(s)\n", count)
					}
					return nil
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"exported": count, "output_path": outputPath})
				}
				return deps.printer().Printf("exported %d credential(s) to %s\n", count, outputPath)
			})
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Output path (default stdout)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing output file")
	return cmd
}

func newImportCommand(deps *commandDeps) *cobra.Command {
	var fromPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import credentials from an export stream",
		Long: "Import credentials from an export stream. The stream is opened with the passphrase " +
			"of the store it was exported from; every credential gets a new id in this store.",
		Example: "  credstore import --from ./credentials.csx",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("import does not accept positional arguments")
			}
			if strings.TrimSpace(fromPath) == "" {
				return usageErrorf("import requires --from")
			}

			return deps.withStore(cmd.Context(), func(ctx context.Context, s session) error {
				f, err := os.Open(filepath.Clean(fromPath))
				if err != nil {
					return fmt.Errorf("import: open %s: %w", fromPath, err)
				}
				defer f.Close()

				source, err := deps.readSecret("Source store passphrase: ")
				if err != nil {
					return err
				}
				result, err := s.store.Import(ctx, f, source)
				if err != nil {
					return err
				}

				corrupt := make([]corruptView, 0, len(result.Corrupt))
				for _, bad := range result.Corrupt {
					corrupt = append(corrupt, corruptView{ID: bad.ID, Error: bad.Err.Error()})
				}
				if deps.globals.JSON {
					if err := printJSON(deps.out, map[string]any{"imported": result.Imported, "corrupt": corrupt}); err != nil {
						return err
					}
				} else if err := deps.printer().Printf("imported %d credential(s), skipped %d corrupt\n", len(result.Imported), len(corrupt)); err != nil {
					return err
				}
				if len(corrupt) > 0 {
					return &ExitError{Code: ExitCodeIntegrity, Err: fmt.Errorf("%d exported credential(s) failed integrity checks", len(corrupt))}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fromPath, "from", "", "Export stream to read")
	return cmd
}

func createExportFile(path string, overwrite bool) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("export: create parent dir: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, usageErrorf("export target already exists: %s (use --overwrite to replace)", path)
		}
		return nil, fmt.Errorf("export: %w", err)
	}
	return f, nil
}
