// Package config resolves offload settings from defaults, an optional config
// file, and OFFLOAD_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seantiz/offload/internal/transport"
	"github.com/seantiz/offload/internal/worker"
)

const envPrefix = "offload"

// Config keys. Nested keys map to env vars with dots replaced by
// underscores, e.g. guest.port is OFFLOAD_GUEST_PORT.
const (
	KeyListenAddr    = "listen_addr"
	KeyDBPath        = "db_path"
	KeyLogLevel      = "log_level"
	KeyTransport     = "transport"
	KeyPollInterval  = "poll_interval"
	KeyWaitStrategy  = "wait_strategy"
	KeyOverlapPolicy = "overlap_policy"
	KeyGuestSocket   = "guest.socket"
	KeyGuestCID      = "guest.cid"
	KeyGuestPort     = "guest.port"
	KeyGuestBridge   = "guest.vsock_bridge"
)

// Option describes one configuration key.
type Option struct {
	Key     string
	Default any
	Comment string
}

// Options returns every configuration key with its default and meaning.
func Options() []Option {
	return []Option{
		{Key: KeyListenAddr, Default: ":8080", Comment: "HTTP listen address for the API server"},
		{Key: KeyDBPath, Default: "offload.db", Comment: "SQLite journal of handles and calls"},
		{Key: KeyLogLevel, Default: "info", Comment: "debug, info, warn or error"},
		{Key: KeyTransport, Default: "inproc", Comment: "Default transport: inproc, process, unix or vsock"},
		{Key: KeyPollInterval, Default: "10ms", Comment: "Busy-flag check interval for the poll wait strategy"},
		{Key: KeyWaitStrategy, Default: "notify", Comment: "How Run waits for a response: notify or poll"},
		{Key: KeyOverlapPolicy, Default: "reject", Comment: "A second concurrent Run: reject or queue"},
		{Key: KeyGuestSocket, Default: "/run/offload/guest.sock", Comment: "Unix socket of the guest agent"},
		{Key: KeyGuestCID, Default: 3, Comment: "Context ID of the guest VM for the vsock transport"},
		{Key: KeyGuestPort, Default: 1024, Comment: "vsock port the guest agent listens on"},
		{Key: KeyGuestBridge, Default: false, Comment: "Treat guest.socket as a Firecracker vsock socket and CONNECT to guest.port"},
	}
}

// Config holds resolved application configuration.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	Transport     string
	PollInterval  time.Duration
	WaitStrategy  worker.WaitStrategy
	OverlapPolicy worker.OverlapPolicy
	GuestSocket   string
	GuestCID      uint32
	GuestPort     uint32
	GuestBridge   bool
}

// Load resolves configuration with precedence defaults < file < env.
// v is mutated; pass viper.New() unless a config file was set on it.
func Load(v *viper.Viper) (Config, error) {
	for _, o := range Options() {
		v.SetDefault(o.Key, o.Default)
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		ListenAddr:   v.GetString(KeyListenAddr),
		DBPath:       v.GetString(KeyDBPath),
		LogLevel:     parseLogLevel(v.GetString(KeyLogLevel)),
		Transport:    strings.ToLower(strings.TrimSpace(v.GetString(KeyTransport))),
		PollInterval: v.GetDuration(KeyPollInterval),
		GuestSocket:  v.GetString(KeyGuestSocket),
		GuestCID:     v.GetUint32(KeyGuestCID),
		GuestPort:    v.GetUint32(KeyGuestPort),
		GuestBridge:  v.GetBool(KeyGuestBridge),
	}

	if !slices.Contains(transport.Kinds, cfg.Transport) {
		return Config{}, fmt.Errorf("%s: unknown transport %q", KeyTransport, cfg.Transport)
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("%s: must be positive, got %q", KeyPollInterval, v.GetString(KeyPollInterval))
	}

	var err error
	if cfg.WaitStrategy, err = worker.ParseWaitStrategy(v.GetString(KeyWaitStrategy)); err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyWaitStrategy, err)
	}
	if cfg.OverlapPolicy, err = worker.ParseOverlapPolicy(v.GetString(KeyOverlapPolicy)); err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyOverlapPolicy, err)
	}

	return cfg, nil
}

// WorkerOptions returns the handle options this configuration selects.
func (c Config) WorkerOptions() []worker.Option {
	opts := []worker.Option{worker.WithOverlapPolicy(c.OverlapPolicy)}
	if c.WaitStrategy == worker.WaitPoll {
		opts = append(opts, worker.WithPollInterval(c.PollInterval))
	} else {
		opts = append(opts, worker.WithWaitStrategy(c.WaitStrategy))
	}
	return opts
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
