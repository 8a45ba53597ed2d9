package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Server struct {
		Host    string   `toml:"host"`
		Origins []string `toml:"origins"`
	} `toml:"server"`

	Models struct {
		Path string `toml:"path"`
	} `toml:"models"`

	Performance struct {
		Backend    string `toml:"backend"`
		NumThreads int    `toml:"num_threads"`
		MaxMemory  uint64 `toml:"max_memory"`
		SaveMemory *bool  `toml:"save_memory"`
	} `toml:"performance"`

	Generate struct {
		Steps    int     `toml:"steps"`
		Guidance float64 `toml:"guidance"`
	} `toml:"generate"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths, most
// specific first.
func GetConfigPaths() []string {
	var paths []string
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		paths = append(paths, filepath.Join(xdgConfig, "stagediff", "config.toml"))
	}

	home, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "stagediff", "config.toml"),
			filepath.Join(home, ".stagediff", "config.toml"),
		)
	}

	return append(paths, "/etc/stagediff/config.toml")
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ConfigPath is the config file in use, or empty.
func ConfigPath() string {
	GetConfigValue("")
	return configPath
}

// ReloadConfigFile forgets the cached config file and reapplies settings.
func ReloadConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
	LoadConfig()
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "STAGEDIFF_HOST":
		return config.Server.Host
	case "STAGEDIFF_ORIGINS":
		return strings.Join(config.Server.Origins, ",")
	case "STAGEDIFF_MODELS":
		return config.Models.Path
	case "STAGEDIFF_BACKEND":
		return config.Performance.Backend
	case "STAGEDIFF_NUM_THREADS":
		if config.Performance.NumThreads > 0 {
			return strconv.Itoa(config.Performance.NumThreads)
		}
	case "STAGEDIFF_MAX_MEMORY":
		if config.Performance.MaxMemory > 0 {
			return strconv.FormatUint(config.Performance.MaxMemory, 10)
		}
	case "STAGEDIFF_SAVE_MEMORY":
		if config.Performance.SaveMemory != nil {
			return strconv.FormatBool(*config.Performance.SaveMemory)
		}
	case "STAGEDIFF_STEPS":
		if config.Generate.Steps > 0 {
			return strconv.Itoa(config.Generate.Steps)
		}
	case "STAGEDIFF_GUIDANCE":
		if config.Generate.Guidance != 0 {
			return strconv.FormatFloat(config.Generate.Guidance, 'g', -1, 64)
		}
	case "STAGEDIFF_DEBUG":
		if config.Logging.Debug > 0 {
			return strconv.Itoa(config.Logging.Debug)
		}
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# stagediff configuration file
# Environment variables take precedence over values set here.

[server]
# Network binding address (default: "127.0.0.1:11550")
host = "127.0.0.1:11550"
# Allowed CORS origins
origins = ["http://localhost:3000"]

[models]
# Directory holding bins/ and config.json
path = "/path/to/models"

[performance]
# Tensor backend (default: "cpu")
backend = "cpu"
# Threads per graph invocation (default: 0 = all cores)
num_threads = 0
# Device memory limit in bytes (default: 0 = unlimited)
max_memory = 0
# Keep fewer stages resident at the cost of speed (default: true)
save_memory = true

[generate]
# Default denoising steps (default: 30)
steps = 30
# Default guidance scale (default: 7.5)
guidance = 7.5

[logging]
# 1 enables debug logs, 2 trace logs (default: 0)
debug = 0
`
}
