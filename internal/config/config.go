package config

import (
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/seantiz/comfyflow/internal/model"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "comfyflow.db"
	defaultGatewayName      = "default"
	defaultGatewayAddr      = "127.0.0.1:8188"
	defaultPollInterval     = time.Second
	defaultHTTPTimeout      = 30 * time.Second
	defaultExecutionTimeout = 10 * time.Minute

	envListenAddr       = "COMFYFLOW_LISTEN_ADDR"
	envDBPath           = "COMFYFLOW_DB_PATH"
	envLogLevel         = "COMFYFLOW_LOG_LEVEL"
	envGateways         = "COMFYFLOW_GATEWAYS"
	envClientID         = "COMFYFLOW_CLIENT_ID"
	envPollInterval     = "COMFYFLOW_POLL_INTERVAL"
	envHTTPTimeout      = "COMFYFLOW_HTTP_TIMEOUT"
	envExecutionTimeout = "COMFYFLOW_EXECUTION_TIMEOUT"
)

// GatewayAddr names one remote execution engine.
type GatewayAddr struct {
	Name string
	Addr string
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr       string
	DBPath           string
	LogLevel         slog.Level
	Gateways         []GatewayAddr
	ClientID         string
	PollInterval     time.Duration
	HTTPTimeout      time.Duration
	ExecutionTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		Gateways:         []GatewayAddr{{Name: defaultGatewayName, Addr: defaultGatewayAddr}},
		PollInterval:     defaultPollInterval,
		HTTPTimeout:      defaultHTTPTimeout,
		ExecutionTimeout: defaultExecutionTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envGateways); v != "" {
		if gws := parseGateways(v); len(gws) > 0 {
			cfg.Gateways = gws
		}
	}
	cfg.ClientID = os.Getenv(envClientID)
	if cfg.ClientID == "" {
		cfg.ClientID = model.NewClientID()
	}
	cfg.PollInterval = parseDuration(os.Getenv(envPollInterval), cfg.PollInterval)
	cfg.HTTPTimeout = parseDuration(os.Getenv(envHTTPTimeout), cfg.HTTPTimeout)
	cfg.ExecutionTimeout = parseDuration(os.Getenv(envExecutionTimeout), cfg.ExecutionTimeout)

	return cfg
}

// parseGateways parses "name=addr,name2=addr2". A bare address is registered
// under the default name. Later duplicates win; the result is sorted by name.
func parseGateways(s string) []GatewayAddr {
	byName := make(map[string]string)
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, addr, ok := strings.Cut(part, "=")
		if !ok {
			name, addr = defaultGatewayName, part
		}
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if name == "" || addr == "" {
			continue
		}
		byName[name] = addr
	}

	gws := make([]GatewayAddr, 0, len(byName))
	for name, addr := range byName {
		gws = append(gws, GatewayAddr{Name: name, Addr: addr})
	}
	sort.Slice(gws, func(i, j int) bool { return gws[i].Name < gws[j].Name })
	return gws
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
