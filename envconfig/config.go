package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via STAGEDIFF_ORIGINS in the environment
	AllowOrigins []string
	// Set via STAGEDIFF_BACKEND in the environment
	Backend string
	// Set via STAGEDIFF_DEBUG in the environment. 1 enables debug logs, 2 trace logs.
	Debug int
	// Set via STAGEDIFF_GUIDANCE in the environment
	Guidance float64
	// Set via STAGEDIFF_MAX_MEMORY in the environment
	MaxMemory uint64
	// Set via STAGEDIFF_MODELS in the environment
	ModelsDir string
	// Set via STAGEDIFF_NUM_THREADS in the environment
	NumThreads int
	// Set via STAGEDIFF_SAVE_MEMORY in the environment
	SaveMemory bool
	// Set via STAGEDIFF_STEPS in the environment
	Steps int
)

const (
	DefaultSteps    = 30
	DefaultGuidance = 7.5
	defaultPort     = "11550"
)

var ErrInvalidHostPort = errors.New("invalid port specified in STAGEDIFF_HOST")

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	host, _ := Host()
	return map[string]EnvVar{
		"STAGEDIFF_BACKEND":     {"STAGEDIFF_BACKEND", Backend, "Tensor backend used for inference (default \"cpu\")"},
		"STAGEDIFF_DEBUG":       {"STAGEDIFF_DEBUG", Debug, "Show additional debug information (1 debug, 2 trace)"},
		"STAGEDIFF_GUIDANCE":    {"STAGEDIFF_GUIDANCE", Guidance, "Default guidance scale (default 7.5)"},
		"STAGEDIFF_HOST":        {"STAGEDIFF_HOST", host, "Address for the stagediff server (default 127.0.0.1:11550)"},
		"STAGEDIFF_MAX_MEMORY":  {"STAGEDIFF_MAX_MEMORY", MaxMemory, "Device memory limit in bytes (default 0, unlimited)"},
		"STAGEDIFF_MODELS":      {"STAGEDIFF_MODELS", ModelsDir, "The path to the models directory"},
		"STAGEDIFF_NUM_THREADS": {"STAGEDIFF_NUM_THREADS", NumThreads, "Threads per graph invocation (default 0, all cores)"},
		"STAGEDIFF_ORIGINS":     {"STAGEDIFF_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"STAGEDIFF_SAVE_MEMORY": {"STAGEDIFF_SAVE_MEMORY", SaveMemory, "Keep fewer stages resident at the cost of speed (default true)"},
		"STAGEDIFF_STEPS":       {"STAGEDIFF_STEPS", Steps, "Default number of denoising steps (default 30)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup prefers the environment over the config file.
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = 0
	if debug := lookup("STAGEDIFF_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = n
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	SaveMemory = true
	if save := lookup("STAGEDIFF_SAVE_MEMORY"); save != "" {
		b, err := strconv.ParseBool(save)
		if err != nil {
			slog.Error("invalid setting, ignoring", "STAGEDIFF_SAVE_MEMORY", save, "error", err)
		} else {
			SaveMemory = b
		}
	}

	MaxMemory = 0
	if limit := lookup("STAGEDIFF_MAX_MEMORY"); limit != "" {
		n, err := strconv.ParseUint(limit, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "STAGEDIFF_MAX_MEMORY", limit, "error", err)
		} else {
			MaxMemory = n
		}
	}

	NumThreads = 0
	if threads := lookup("STAGEDIFF_NUM_THREADS"); threads != "" {
		n, err := strconv.Atoi(threads)
		if err != nil || n < 0 {
			slog.Error("invalid setting must be zero or greater", "STAGEDIFF_NUM_THREADS", threads, "error", err)
		} else {
			NumThreads = n
		}
	}

	Backend = lookup("STAGEDIFF_BACKEND")
	if Backend == "" {
		Backend = "cpu"
	}

	Steps = DefaultSteps
	if steps := lookup("STAGEDIFF_STEPS"); steps != "" {
		n, err := strconv.Atoi(steps)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "STAGEDIFF_STEPS", steps, "error", err)
		} else {
			Steps = n
		}
	}

	Guidance = DefaultGuidance
	if guidance := lookup("STAGEDIFF_GUIDANCE"); guidance != "" {
		f, err := strconv.ParseFloat(guidance, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "STAGEDIFF_GUIDANCE", guidance, "error", err)
		} else {
			Guidance = f
		}
	}

	ModelsDir = lookup("STAGEDIFF_MODELS")
	if ModelsDir == "" {
		ModelsDir = defaultModelsDir()
	}

	AllowOrigins = nil
	if origins := lookup("STAGEDIFF_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}

	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "stagediff", "models")
		}
	}
	return filepath.Join(home, ".stagediff", "models")
}

// Host returns the scheme and host the server listens on and the client
// connects to, from STAGEDIFF_HOST.
func Host() (*url.URL, error) {
	defaultPort := defaultPort

	s := lookup("STAGEDIFF_HOST")
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return nil, ErrInvalidHostPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}, nil
}
