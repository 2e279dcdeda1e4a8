package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/amanthanvi/credstore/internal/config"
	"github.com/amanthanvi/credstore/internal/debug"
	"github.com/amanthanvi/credstore/internal/vault"
	"github.com/spf13/cobra"
)

func newDebugCommand(deps *commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Diagnostics for bug reports",
	}
	cmd.AddCommand(newDebugBundleCommand(deps))
	return cmd
}

func newDebugBundleCommand(deps *commandDeps) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Write a diagnostics bundle without any secret material",
		Example: "  credstore debug bundle --output ./credstore-debug.json\n" +
			"  credstore debug bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("debug bundle does not accept positional arguments")
			}
			cfg, err := deps.loadConfig()
			if err != nil {
				return mapCommandError(err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			bundle := collectBundle(ctx, deps.build, cfg)

			if strings.TrimSpace(outputPath) == "" {
				return mapCommandError(printJSON(deps.out, bundle))
			}
			if err := debug.WriteBundle(outputPath, bundle); err != nil {
				return mapCommandError(err)
			}
			if deps.globals.JSON {
				return printJSON(deps.out, map[string]any{"output_path": outputPath, "healthy": bundle.Healthy()})
			}
			return deps.printer().Printf("debug bundle written: %s\n", outputPath)
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Output path (default stdout)")
	return cmd
}

func collectBundle(ctx context.Context, build BuildInfo, cfg config.Config) debug.Bundle {
	bundle := debug.NewBundle()
	bundle.Version = map[string]any{
		"version":    build.Version,
		"commit":     build.Commit,
		"build_time": build.BuildTime,
	}
	bundle.Config = map[string]any{
		"storage_path":          cfg.Storage.Path,
		"io_timeout":            cfg.Storage.IOTimeout.String(),
		"kdf_memory_kib":        cfg.KDF.MemoryKiB,
		"kdf_iterations":        cfg.KDF.Iterations,
		"kdf_parallelism":       cfg.KDF.Parallelism,
		"min_passphrase_length": cfg.KDF.MinPassphraseLength,
		"log_level":             cfg.Logging.Level,
		"log_file":              cfg.Logging.File != "",
	}

	store := map[string]any{"path": cfg.Storage.Path}
	bundle.Store = store

	info, err := os.Stat(cfg.Storage.Path)
	if err != nil {
		store["exists"] = false
		if errors.Is(err, os.ErrNotExist) {
			bundle.Notes = append(bundle.Notes, "store file does not exist yet; run `credstore init`")
			return bundle
		}
		bundle.AddCheck("store.stat", err)
		return bundle
	}
	store["exists"] = true
	store["size_bytes"] = info.Size()
	store["mode"] = info.Mode().Perm().String()
	var permErr error
	if info.Mode().Perm()&0o077 != 0 {
		permErr = fmt.Errorf("store file mode %s is readable by other users", info.Mode().Perm())
	}
	bundle.AddCheck("store.permissions", permErr)

	s, err := vault.Open(ctx, vault.Options{
		Path:      cfg.Storage.Path,
		IOTimeout: cfg.Storage.IOTimeout,
		KDF:       cfg.Argon2Params(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	bundle.AddCheck("store.open", err)
	if err != nil {
		return bundle
	}
	defer func() { _ = s.Close() }()

	store["initialized"] = s.IsInitialized()
	store["store_id"] = s.StoreID()

	result, err := s.Audit().Verify(ctx)
	if err == nil {
		store["audit_events"] = result.EventCount
		if !result.Valid {
			err = errors.New(result.Error)
		}
	}
	bundle.AddCheck("audit.chain", err)
	return bundle
}
