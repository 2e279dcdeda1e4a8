package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/amanthanvi/credstore/internal/config"
	credlog "github.com/amanthanvi/credstore/internal/log"
	"github.com/amanthanvi/credstore/internal/vault"
	"github.com/fatih/color"
)

var loadConfigFn = config.Load

type session struct {
	cfg    config.Config
	logger *slog.Logger
	store  *vault.Store
}

func (d *commandDeps) loadConfig() (config.Config, error) {
	opts := config.LoadOptions{
		ConfigPath: strings.TrimSpace(d.globals.ConfigPath),
		PolicyPath: strings.TrimSpace(d.globals.PolicyPath),
		Env:        d.env,
	}
	if path := strings.TrimSpace(d.globals.StorePath); path != "" {
		opts.Flags.StoragePath = &path
	}
	if level := strings.TrimSpace(d.globals.LogLevel); level != "" {
		opts.Flags.LogLevel = &level
	}

	cfg, report, err := loadConfigFn(opts)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if len(report.PolicyOverrides) > 0 && !d.globals.Quiet && !d.globals.JSON {
		_, _ = fmt.Fprintf(d.errOut, "policy overrides: %s\n", strings.Join(report.PolicyOverrides, ", "))
	}
	return cfg, nil
}

// withOpenStore opens the configured store without unlocking it and hands it
// to fn. The store is closed when fn returns.
func (d *commandDeps) withOpenStore(cmdCtx context.Context, fn func(context.Context, session) error) error {
	ctx := cmdCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if d.globals.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.globals.Timeout)
		defer cancel()
	}

	cfg, err := d.loadConfig()
	if err != nil {
		return mapCommandError(err)
	}

	logger, closeLog, err := credlog.New(credlog.Options{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		Fallback:  d.errOut,
	})
	if err != nil {
		return mapCommandError(fmt.Errorf("open log: %w", err))
	}
	defer func() { _ = closeLog() }()

	store, err := vault.Open(ctx, vault.Options{
		Path:      cfg.Storage.Path,
		IOTimeout: cfg.Storage.IOTimeout,
		KDF:       cfg.Argon2Params(),
		Logger:    logger,
	})
	if err != nil {
		return mapCommandError(err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	return mapCommandError(fn(ctx, session{cfg: cfg, logger: logger, store: store}))
}

// withStore is withOpenStore plus an unlock with a passphrase read from the
// terminal or stdin.
func (d *commandDeps) withStore(cmdCtx context.Context, fn func(context.Context, session) error) error {
	return d.withOpenStore(cmdCtx, func(ctx context.Context, s session) error {
		if !s.store.IsInitialized() {
			return asExitError(ExitCodeNotInitialized, fmt.Errorf("%w: run `credstore init` first", vault.ErrNotInitialized))
		}
		passphrase, err := d.readSecret("Passphrase: ")
		if err != nil {
			return err
		}
		if err := s.store.Unlock(ctx, passphrase); err != nil {
			return err
		}
		defer s.store.Lock()
		return fn(ctx, s)
	})
}

func (d *commandDeps) printer() *textPrinter {
	return &textPrinter{out: d.out, quiet: d.globals.Quiet, noColor: d.globals.NoColor}
}

type textPrinter struct {
	out     io.Writer
	quiet   bool
	noColor bool
}

func (p *textPrinter) Printf(format string, args ...any) error {
	if p.quiet {
		return nil
	}
	_, err := fmt.Fprintf(p.out, format, args...)
	return err
}

func (p *textPrinter) colorize(attr color.Attribute, s string) string {
	c := color.New(attr)
	if p.noColor {
		c.DisableColor()
	}
	return c.Sprint(s)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
