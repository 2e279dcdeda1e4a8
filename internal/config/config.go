package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/amanthanvi/credstore/internal/crypto"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultIOTimeout    = 5 * time.Second
	maxIOTimeout        = 5 * time.Minute
	defaultLogLevel     = "info"
	defaultLogMaxSizeMB = 10
	defaultLogMaxFiles  = 5
	defaultStoreFile    = "credentials.db"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Storage StorageConfig `toml:"storage"`
	KDF     KDFConfig     `toml:"kdf"`
	Logging LoggingConfig `toml:"logging"`
}

type StorageConfig struct {
	Path      string        `toml:"path"`
	IOTimeout time.Duration `toml:"io_timeout"`
}

// KDFConfig sets the Argon2id work factor for newly initialized stores and
// passphrase changes. Existing stores keep the parameters they were sealed
// with.
type KDFConfig struct {
	MemoryKiB           uint32 `toml:"memory_kib"`
	Iterations          uint32 `toml:"iterations"`
	Parallelism         uint8  `toml:"parallelism"`
	MinPassphraseLength int    `toml:"min_passphrase_length"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	ConfigPath string
	PolicyPath string
	Env        map[string]string
	Flags      FlagOverrides
}

type FlagOverrides struct {
	StoragePath *string
	IOTimeout   *time.Duration
	LogLevel    *string
}

// LoadReport lists the fields an administrator policy file forced to a
// different value than the user's own configuration.
type LoadReport struct {
	PolicyOverrides []string
}

func DefaultConfig() Config {
	params := crypto.DefaultArgon2Params()
	return Config{
		Storage: StorageConfig{
			Path:      "",
			IOTimeout: defaultIOTimeout,
		},
		KDF: KDFConfig{
			MemoryKiB:           params.Memory,
			Iterations:          params.Iterations,
			Parallelism:         params.Parallelism,
			MinPassphraseLength: params.MinPassphraseLen,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			File:      "",
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

// Argon2Params converts the KDF section into derivation parameters.
func (c Config) Argon2Params() crypto.Argon2Params {
	params := crypto.DefaultArgon2Params()
	params.Memory = c.KDF.MemoryKiB
	params.Iterations = c.KDF.Iterations
	params.Parallelism = c.KDF.Parallelism
	params.MinPassphraseLen = c.KDF.MinPassphraseLength
	return params
}

// Load resolves configuration with precedence flag > env > file > default.
// A policy file, when present, is applied last and wins over everything.
func Load(opts LoadOptions) (Config, LoadReport, error) {
	cfg := DefaultConfig()
	report := LoadReport{PolicyOverrides: []string{}}

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve config path: %w", err)
	}
	if err := loadAndApplyFile(configPath, &cfg, nil); err != nil {
		return Config{}, report, err
	}

	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, report, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	policyPath, err := resolvePolicyPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve policy path: %w", err)
	}
	if err := loadAndApplyFile(policyPath, &cfg, &report.PolicyOverrides); err != nil {
		return Config{}, report, err
	}

	if cfg.Storage.Path == "" {
		home, err := credstoreHome(opts)
		if err != nil {
			return Config{}, report, fmt.Errorf("resolve storage path: %w", err)
		}
		cfg.Storage.Path = filepath.Join(home, defaultStoreFile)
	}

	if err := validate(cfg); err != nil {
		return Config{}, report, err
	}

	return cfg, report, nil
}

type rawConfig struct {
	Storage *rawStorage `toml:"storage"`
	KDF     *rawKDF     `toml:"kdf"`
	Logging *rawLogging `toml:"logging"`
}

type rawStorage struct {
	Path      *string `toml:"path"`
	IOTimeout *string `toml:"io_timeout"`
}

type rawKDF struct {
	MemoryKiB           *int64 `toml:"memory_kib"`
	Iterations          *int64 `toml:"iterations"`
	Parallelism         *int64 `toml:"parallelism"`
	MinPassphraseLength *int   `toml:"min_passphrase_length"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

func loadAndApplyFile(path string, cfg *Config, policyOverrides *[]string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}

	return applyRawConfig(cfg, raw, policyOverrides)
}

func applyRawConfig(cfg *Config, raw rawConfig, policyOverrides *[]string) error {
	if raw.Storage != nil {
		setString("storage.path", raw.Storage.Path, &cfg.Storage.Path, policyOverrides)
		if err := setDuration("storage.io_timeout", raw.Storage.IOTimeout, &cfg.Storage.IOTimeout, policyOverrides); err != nil {
			return err
		}
	}

	if raw.KDF != nil {
		if err := setUint32("kdf.memory_kib", raw.KDF.MemoryKiB, &cfg.KDF.MemoryKiB, policyOverrides); err != nil {
			return err
		}
		if err := setUint32("kdf.iterations", raw.KDF.Iterations, &cfg.KDF.Iterations, policyOverrides); err != nil {
			return err
		}
		if err := setUint8("kdf.parallelism", raw.KDF.Parallelism, &cfg.KDF.Parallelism, policyOverrides); err != nil {
			return err
		}
		setInt("kdf.min_passphrase_length", raw.KDF.MinPassphraseLength, &cfg.KDF.MinPassphraseLength, policyOverrides)
	}

	if raw.Logging != nil {
		setString("logging.level", raw.Logging.Level, &cfg.Logging.Level, policyOverrides)
		setString("logging.file", raw.Logging.File, &cfg.Logging.File, policyOverrides)
		setInt("logging.max_size_mb", raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB, policyOverrides)
		setInt("logging.max_files", raw.Logging.MaxFiles, &cfg.Logging.MaxFiles, policyOverrides)
	}

	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	if value, ok := lookupEnv(opts, "CREDSTORE_STORAGE_PATH"); ok {
		cfg.Storage.Path = value
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_STORAGE_IO_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse CREDSTORE_STORAGE_IO_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Storage.IOTimeout = d
	}

	if value, ok := lookupEnv(opts, "CREDSTORE_KDF_MEMORY_KIB"); ok {
		parsed, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: parse CREDSTORE_KDF_MEMORY_KIB: %v", ErrInvalidConfig, err)
		}
		cfg.KDF.MemoryKiB = uint32(parsed)
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_KDF_ITERATIONS"); ok {
		parsed, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: parse CREDSTORE_KDF_ITERATIONS: %v", ErrInvalidConfig, err)
		}
		cfg.KDF.Iterations = uint32(parsed)
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_KDF_PARALLELISM"); ok {
		parsed, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return fmt.Errorf("%w: parse CREDSTORE_KDF_PARALLELISM: %v", ErrInvalidConfig, err)
		}
		cfg.KDF.Parallelism = uint8(parsed)
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_KDF_MIN_PASSPHRASE_LENGTH"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse CREDSTORE_KDF_MIN_PASSPHRASE_LENGTH: %v", ErrInvalidConfig, err)
		}
		cfg.KDF.MinPassphraseLength = parsed
	}

	if value, ok := lookupEnv(opts, "CREDSTORE_LOG_LEVEL"); ok {
		cfg.Logging.Level = value
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_LOG_FILE"); ok {
		cfg.Logging.File = value
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_LOG_MAX_SIZE_MB"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse CREDSTORE_LOG_MAX_SIZE_MB: %v", ErrInvalidConfig, err)
		}
		cfg.Logging.MaxSizeMB = parsed
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_LOG_MAX_FILES"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse CREDSTORE_LOG_MAX_FILES: %v", ErrInvalidConfig, err)
		}
		cfg.Logging.MaxFiles = parsed
	}

	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.StoragePath != nil {
		cfg.Storage.Path = *flags.StoragePath
	}
	if flags.IOTimeout != nil {
		cfg.Storage.IOTimeout = *flags.IOTimeout
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
}

func validate(cfg Config) error {
	if cfg.Storage.IOTimeout <= 0 || cfg.Storage.IOTimeout > maxIOTimeout {
		return fmt.Errorf("%w: storage.io_timeout must be > 0 and <= %s", ErrInvalidConfig, maxIOTimeout)
	}
	if cfg.KDF.MinPassphraseLength < 1 {
		return fmt.Errorf("%w: kdf.min_passphrase_length must be >= 1", ErrInvalidConfig)
	}
	if err := cfg.Argon2Params().Validate(); err != nil {
		return fmt.Errorf("%w: kdf: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level must be one of debug, info, warn, error", ErrInvalidConfig)
	}
	if cfg.Logging.MaxSizeMB <= 0 || cfg.Logging.MaxFiles < 0 {
		return fmt.Errorf("%w: logging.max_size_mb must be > 0 and logging.max_files >= 0", ErrInvalidConfig)
	}
	return nil
}

func setDuration(field string, raw *string, target *time.Duration, policyOverrides *[]string) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	if policyOverrides != nil && *target != d {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = d
	return nil
}

func setString(field string, raw *string, target *string, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func setInt(field string, raw *int, target *int, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func setUint32(field string, raw *int64, target *uint32, policyOverrides *[]string) error {
	if raw == nil {
		return nil
	}
	if *raw < 0 || *raw > math.MaxUint32 {
		return fmt.Errorf("%w: %s out of range", ErrInvalidConfig, field)
	}
	value := uint32(*raw)
	if policyOverrides != nil && *target != value {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = value
	return nil
}

func setUint8(field string, raw *int64, target *uint8, policyOverrides *[]string) error {
	if raw == nil {
		return nil
	}
	if *raw < 0 || *raw > math.MaxUint8 {
		return fmt.Errorf("%w: %s out of range", ErrInvalidConfig, field)
	}
	value := uint8(*raw)
	if policyOverrides != nil && *target != value {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = value
	return nil
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_CONFIG_PATH"); ok {
		return value, nil
	}
	return defaultConfigPath(opts)
}

func resolvePolicyPath(opts LoadOptions) (string, error) {
	if opts.PolicyPath != "" {
		return opts.PolicyPath, nil
	}
	if value, ok := lookupEnv(opts, "CREDSTORE_POLICY_FILE"); ok {
		return value, nil
	}
	home, err := credstoreHome(opts)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "policy.toml"), nil
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

func credstoreHome(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "CREDSTORE_HOME"); ok && value != "" {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "credstore"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := lookupEnv(opts, "XDG_DATA_HOME"); ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "credstore"), nil
}

func defaultConfigPath(opts LoadOptions) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "credstore", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "credstore", "config.toml"), nil
}
