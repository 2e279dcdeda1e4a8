package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigPrecedenceFlagOverEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
io_timeout = "10s"
`)

	flagTimeout := 3 * time.Second
	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
		Env: map[string]string{
			"CREDSTORE_STORAGE_IO_TIMEOUT": "20s",
		},
		Flags: FlagOverrides{
			IOTimeout: &flagTimeout,
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.Storage.IOTimeout)
}

func TestLoadConfigPrecedenceEnvOverFile(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
io_timeout = "10s"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
		Env: map[string]string{
			"CREDSTORE_STORAGE_IO_TIMEOUT": "20s",
		},
	})
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, cfg.Storage.IOTimeout)
}

func TestLoadConfigPrecedenceFileOverDefault(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
io_timeout = "10s"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
	})
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.Storage.IOTimeout)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg, _, err := Load(LoadOptions{
		ConfigPath: filepath.Join(home, "absent.toml"),
		PolicyPath: missingPolicyPath(t),
		Env: map[string]string{
			"CREDSTORE_HOME": home,
		},
	})
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Storage.IOTimeout)
	require.Equal(t, filepath.Join(home, "credentials.db"), cfg.Storage.Path)
	require.Equal(t, 12, cfg.KDF.MinPassphraseLength)
	require.Equal(t, uint32(64*1024), cfg.KDF.MemoryKiB)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromTOMLParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
path = "/tmp/credstore-test/credentials.db"
io_timeout = "2s"

[kdf]
memory_kib = 32768
iterations = 4
parallelism = 2
min_passphrase_length = 16

[logging]
level = "debug"
file = "/tmp/credstore.log"
max_size_mb = 42
max_files = 9
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
	})
	require.NoError(t, err)
	require.Equal(t, "/tmp/credstore-test/credentials.db", cfg.Storage.Path)
	require.Equal(t, 2*time.Second, cfg.Storage.IOTimeout)
	require.Equal(t, uint32(32768), cfg.KDF.MemoryKiB)
	require.Equal(t, uint32(4), cfg.KDF.Iterations)
	require.Equal(t, uint8(2), cfg.KDF.Parallelism)
	require.Equal(t, 16, cfg.KDF.MinPassphraseLength)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "/tmp/credstore.log", cfg.Logging.File)
	require.Equal(t, 42, cfg.Logging.MaxSizeMB)
	require.Equal(t, 9, cfg.Logging.MaxFiles)

	params := cfg.Argon2Params()
	require.Equal(t, uint32(32768), params.Memory)
	require.Equal(t, uint32(4), params.Iterations)
	require.Equal(t, uint8(2), params.Parallelism)
	require.Equal(t, 16, params.MinPassphraseLen)
	require.NoError(t, params.Validate())
}

func TestLoadConfigEnvOverridesKDF(t *testing.T) {
	t.Parallel()

	cfg, _, err := Load(LoadOptions{
		ConfigPath: writeConfigFile(t, ""),
		PolicyPath: missingPolicyPath(t),
		Env: map[string]string{
			"CREDSTORE_STORAGE_PATH":              "/tmp/env/credentials.db",
			"CREDSTORE_KDF_MEMORY_KIB":            "16384",
			"CREDSTORE_KDF_ITERATIONS":            "2",
			"CREDSTORE_KDF_PARALLELISM":           "1",
			"CREDSTORE_KDF_MIN_PASSPHRASE_LENGTH": "20",
			"CREDSTORE_LOG_LEVEL":                 "warn",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/tmp/env/credentials.db", cfg.Storage.Path)
	require.Equal(t, uint32(16384), cfg.KDF.MemoryKiB)
	require.Equal(t, uint32(2), cfg.KDF.Iterations)
	require.Equal(t, uint8(1), cfg.KDF.Parallelism)
	require.Equal(t, 20, cfg.KDF.MinPassphraseLength)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigValidationRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
	}{
		{name: "negative-timeout", contents: "[storage]\nio_timeout = \"-1s\"\n"},
		{name: "timeout-too-long", contents: "[storage]\nio_timeout = \"1h\"\n"},
		{name: "bad-duration", contents: "[storage]\nio_timeout = \"soon\"\n"},
		{name: "memory-below-floor", contents: "[kdf]\nmemory_kib = 1024\n"},
		{name: "zero-iterations", contents: "[kdf]\niterations = 0\n"},
		{name: "parallelism-overflow", contents: "[kdf]\nparallelism = 300\n"},
		{name: "zero-min-length", contents: "[kdf]\nmin_passphrase_length = 0\n"},
		{name: "unknown-log-level", contents: "[logging]\nlevel = \"verbose\"\n"},
		{name: "malformed-toml", contents: "[storage\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := Load(LoadOptions{
				ConfigPath: writeConfigFile(t, tt.contents),
				PolicyPath: missingPolicyPath(t),
			})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPolicyOverrideWinsAndIsReported(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[kdf]
min_passphrase_length = 12
`)
	policyPath := writePolicyFile(t, `
[kdf]
min_passphrase_length = 20
`)

	cfg, report, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: policyPath,
		Env: map[string]string{
			"CREDSTORE_KDF_MIN_PASSPHRASE_LENGTH": "8",
		},
	})
	require.NoError(t, err)
	require.Equal(t, 20, cfg.KDF.MinPassphraseLength)
	require.Contains(t, report.PolicyOverrides, "kdf.min_passphrase_length")
}

func TestMissingPolicyFileIsNotAnError(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
io_timeout = "15s"
`)

	cfg, report, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicyPath(t),
	})
	require.NoError(t, err)
	require.NotNil(t, report.PolicyOverrides)
	require.Empty(t, report.PolicyOverrides)
	require.Equal(t, 15*time.Second, cfg.Storage.IOTimeout)
}

func TestLoadPolicyPathFromEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
io_timeout = "15s"
`)
	policyPath := writePolicyFile(t, `
[storage]
io_timeout = "1s"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env: map[string]string{
			"CREDSTORE_POLICY_FILE": policyPath,
		},
	})
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.Storage.IOTimeout)
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

func missingPolicyPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing-policy.toml")
}
