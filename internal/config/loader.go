package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config/config.yaml"

const envPrefix = "DISPATCH_"

// Loader reads the configuration document from defaults, file and
// environment, in that order of precedence.
type Loader struct {
	path string
}

// NewLoader builds a loader for the given file path, falling back to
// DefaultPath when empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath
	}
	return &Loader{path: path}
}

// Path returns the config file path the loader reads from.
func (l *Loader) Path() string { return l.path }

// Load assembles the effective settings.
func (l *Loader) Load() (*Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
		log.Info().Str("path", l.path).Msg("Loaded configuration file")
	case os.IsNotExist(err):
		log.Warn().Str("path", l.path).Msg("Config file not found, using defaults")
	default:
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}

	applyEnv(settings)

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func applyEnv(s *Settings) {
	if val := os.Getenv(envPrefix + "SERVER_HOST"); val != "" {
		s.Server.Host = val
	}
	if val := os.Getenv(envPrefix + "SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			s.Server.Port = port
		}
	}
	if val := os.Getenv(envPrefix + "SERVER_WS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			s.Server.WSPort = port
		}
	}
	if val := os.Getenv(envPrefix + "DATABASE_PATH"); val != "" {
		s.Database.Path = val
	}
	if val := os.Getenv(envPrefix + "LOG_LEVEL"); val != "" {
		s.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv(envPrefix + "LOG_FILE"); val != "" {
		s.Logging.File = val
	}
}

// Save writes the settings document atomically. Zero values and nil pointers
// are elided through the omitempty tags so edited files stay readable.
func Save(path string, s *Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir %s: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config %s: %w", path, err)
	}
	return nil
}
