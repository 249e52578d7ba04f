package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "dossiersync.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/dossiersync"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvFile is loaded from the working directory before env overrides apply
	EnvFile = ".env"
)

// Environment variables that override file configuration.
const (
	EnvParticipantID   = "DOSSIERSYNC_PARTICIPANT_ID"
	EnvParticipantName = "DOSSIERSYNC_PARTICIPANT_NAME"
	EnvTransportKind   = "DOSSIERSYNC_TRANSPORT"
	EnvTransportURL    = "DOSSIERSYNC_TRANSPORT_URL"
	EnvAPIURL          = "DOSSIERSYNC_API_URL"
	EnvAPIToken        = "DOSSIERSYNC_API_TOKEN"
	EnvStorageBackend  = "DOSSIERSYNC_STORAGE"
	EnvStorageDir      = "DOSSIERSYNC_STORAGE_DIR"
	EnvRedisAddr       = "DOSSIERSYNC_REDIS_ADDR"
	EnvMaxAttempts     = "DOSSIERSYNC_MAX_ATTEMPTS"
	EnvDebounce        = "DOSSIERSYNC_DEBOUNCE"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/dossiersync/config.yaml)
// 3. Project config (dossiersync.yaml in current or parent directories)
// 4. Environment variables, after loading .env
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfig, err := readFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := readFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(EnvFile); err == nil {
		l.logger.Debug("Loaded environment file", slog.String("path", EnvFile))
	} else if !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("Failed to load environment file", slog.String("error", err.Error()))
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if config.Storage.Dir == "" {
		config.Storage.Dir = defaultStateDir()
	}
	if config.Participant.ID == "" {
		if host, err := os.Hostname(); err == nil {
			config.Participant.ID = host
		}
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides config with the DOSSIERSYNC_* variables that are set.
func (l *Loader) applyEnv(config *Config) error {
	override := &Config{
		Participant: ParticipantConfig{
			ID:          l.getenv(EnvParticipantID),
			DisplayName: l.getenv(EnvParticipantName),
		},
		Transport: TransportConfig{
			Kind: l.getenv(EnvTransportKind),
			URL:  l.getenv(EnvTransportURL),
		},
		API: APIConfig{
			BaseURL: l.getenv(EnvAPIURL),
			Token:   l.getenv(EnvAPIToken),
		},
		Storage: StorageConfig{
			Backend:   l.getenv(EnvStorageBackend),
			Dir:       l.getenv(EnvStorageDir),
			RedisAddr: l.getenv(EnvRedisAddr),
		},
		Relay: RelayConfig{
			RedisAddr: l.getenv(EnvRedisAddr),
		},
	}

	if v := l.getenv(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxAttempts, err)
		}
		override.Delivery.MaxAttempts = n
	}
	if v := l.getenv(EnvDebounce); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebounce, err)
		}
		override.Network.Debounce = d
	}

	config.Merge(override)
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for dossiersync.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// defaultStateDir is where local state lives when storage.dir is unset.
func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "dossiersync")
	}
	return filepath.Join(os.TempDir(), "dossiersync")
}
