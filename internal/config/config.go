package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds daemon logging and task log retention settings.
type LogConfig struct {
	Level     string
	Retention int
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server ServerConfig
	Log    LogConfig

	// Mode selects which surfaces the daemon serves: "http", "mcp" or "both".
	Mode string

	StateDir      string
	LogDir        string
	WrapperPath   string
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7070"
	defaultLogLevel      = "info"
	defaultLogRetention  = 7
	defaultMode          = "http"
	defaultShutdownGrace = 10 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the daemon configuration.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse() (*Config, error) {
	// The .env file is optional; check the working directory, then the
	// per-user config directory.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskpanel", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("TASKPANEL_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKPANEL_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("TASKPANEL_LOG_LEVEL", defaultLogLevel),
			Retention: getEnvInt("TASKPANEL_LOG_RETENTION", defaultLogRetention),
		},
		Mode:          getEnvString("TASKPANEL_MODE", defaultMode),
		StateDir:      getEnvString("TASKPANEL_STATE_DIR", ""),
		LogDir:        getEnvString("TASKPANEL_LOG_DIR", ""),
		WrapperPath:   getEnvString("TASKPANEL_WRAPPER_PATH", ""),
		ShutdownGrace: getEnvDuration("TASKPANEL_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, mode, stateDir, logDir, wrapperPath string
	var logRetention int
	var shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	flag.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	flag.StringVar(&logDir, "log-dir", "", "Directory to store task log files")
	flag.StringVar(&wrapperPath, "wrapper-path", "", "Path to the logwrapper binary")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&logRetention, "log-retention", 0, "Number of log files to retain per task")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logDir != "" {
		cfg.LogDir = logDir
	}
	if wrapperPath != "" {
		cfg.WrapperPath = wrapperPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logRetention > 0 {
		cfg.Log.Retention = logRetention
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "shutdown-grace" {
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	switch strings.ToLower(cfg.Mode) {
	case "http", "mcp", "both":
		cfg.Mode = strings.ToLower(cfg.Mode)
	default:
		return nil, fmt.Errorf("invalid mode %q: want http, mcp or both", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.StateDir, "logs")
	}
	if cfg.WrapperPath == "" {
		path, err := defaultWrapperPath()
		if err != nil {
			return nil, fmt.Errorf("resolve wrapper path: %w", err)
		}
		cfg.WrapperPath = path
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultLogRetention
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskpanel")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// defaultWrapperPath looks for the logwrapper binary next to the daemon
// executable.
func defaultWrapperPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	name := "logwrapper"
	if strings.HasSuffix(exe, ".exe") {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(exe), name), nil
}
