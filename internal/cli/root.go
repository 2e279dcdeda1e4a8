// Package cli implements the credstore command line on top of vault.Store.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type GlobalOptions struct {
	JSON            bool
	Quiet           bool
	NoColor         bool
	Yes             bool
	PassphraseStdin bool
	Timeout         time.Duration
	StorePath       string
	ConfigPath      string
	PolicyPath      string
	LogLevel        string
}

// PromptFunc reads one line of sensitive input without echoing it.
type PromptFunc func(prompt string) ([]byte, error)

type commandDeps struct {
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	build   BuildInfo
	globals *GlobalOptions
	// isTTY reports whether prompts can be shown on a terminal.
	isTTY  func() bool
	prompt PromptFunc
	env    map[string]string

	stdin *bufio.Reader
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	return newRootCommand(commandDeps{
		in:     os.Stdin,
		out:    out,
		errOut: os.Stderr,
		build:  build,
		isTTY:  func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		prompt: func(prompt string) ([]byte, error) {
			_, _ = io.WriteString(os.Stderr, prompt)
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			_, _ = io.WriteString(os.Stderr, "\n")
			return b, err
		},
	})
}

func newRootCommand(deps commandDeps) *cobra.Command {
	globals := &GlobalOptions{}
	deps.globals = globals
	if deps.errOut == nil {
		deps.errOut = deps.out
	}
	if deps.isTTY == nil {
		deps.isTTY = func() bool { return false }
	}
	depsRef := &deps

	cmd := &cobra.Command{
		Use:           "credstore",
		Short:         "Local encrypted credential store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if globals.Timeout < 0 {
				return usageErrorf("--timeout must not be negative")
			}
			if globals.JSON && globals.Quiet {
				return usageErrorf("--json and --quiet cannot be combined")
			}
			return nil
		},
	}
	cmd.SetOut(deps.out)
	cmd.SetErr(deps.errOut)
	cmd.SetIn(deps.in)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitCodeUsage, Err: err}
	})

	flags := cmd.PersistentFlags()
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON output")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Suppress non-error output")
	flags.BoolVar(&globals.NoColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&globals.Yes, "yes", false, "Confirm destructive operations without prompting")
	flags.BoolVar(&globals.PassphraseStdin, "passphrase-stdin", false, "Read passphrases and secrets from stdin, one per line")
	flags.DurationVar(&globals.Timeout, "timeout", 0, "Overall command timeout (0 disables)")
	flags.StringVar(&globals.StorePath, "store", "", "Path to the credential database")
	flags.StringVar(&globals.ConfigPath, "config", "", "Path to the config file")
	flags.StringVar(&globals.PolicyPath, "policy", "", "Path to the administrator policy file")
	flags.StringVar(&globals.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")

	cmd.AddCommand(
		newInitCommand(depsRef),
		newAddCommand(depsRef),
		newListCommand(depsRef),
		newShowCommand(depsRef),
		newEditCommand(depsRef),
		newRemoveCommand(depsRef),
		newSearchCommand(depsRef),
		newVerifyCommand(depsRef),
		newPasswdCommand(depsRef),
		newBackupCommand(depsRef),
		newExportCommand(depsRef),
		newImportCommand(depsRef),
		newAuditCommand(depsRef),
		newDebugCommand(depsRef),
		newVersionCommand(depsRef),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}

// readSecret returns one line of sensitive input. On a terminal it prompts
// without echo; otherwise, or with --passphrase-stdin, it consumes the next
// line of stdin.
func (d *commandDeps) readSecret(prompt string) ([]byte, error) {
	if !d.globals.PassphraseStdin && d.isTTY() && d.prompt != nil {
		value, err := d.prompt(prompt)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", promptName(prompt), err)
		}
		return value, nil
	}

	if d.stdin == nil {
		d.stdin = bufio.NewReader(d.in)
	}
	line, err := d.stdin.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s from stdin: %w", promptName(prompt), err)
	}
	line = trimNewline(line)
	if len(line) == 0 {
		return nil, usageErrorf("expected %s on stdin", promptName(prompt))
	}
	return line, nil
}

// readNewSecret asks twice on a terminal so a typo cannot lock the user out.
func (d *commandDeps) readNewSecret(prompt string) ([]byte, error) {
	value, err := d.readSecret(prompt)
	if err != nil {
		return nil, err
	}
	if d.globals.PassphraseStdin || !d.isTTY() {
		return value, nil
	}
	confirm, err := d.readSecret("Confirm " + strings.ToLower(prompt[:1]) + prompt[1:])
	if err != nil {
		memguard.WipeBytes(value)
		return nil, err
	}
	defer memguard.WipeBytes(confirm)
	if string(value) != string(confirm) {
		memguard.WipeBytes(value)
		return nil, usageErrorf("%s entries do not match", promptName(prompt))
	}
	return value, nil
}

func promptName(prompt string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(prompt), ":")))
}

func trimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
