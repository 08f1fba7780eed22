package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultTransferPort  = 8294
	DefaultDiscoveryPort = 45678
	DefaultControlPort   = 8295
	DefaultHistoryLimit  = 200

	envPrefix = "LANBRIDGE_"
)

type Config struct {
	DeviceName     string
	TransferPort   int
	DiscoveryPort  int
	ControlPort    int // 0 disables the control API
	BroadcastInt   time.Duration
	ReceiveTimeout time.Duration
	CleanupInt     time.Duration
	DeviceTimeout  time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	DownloadDir    string
	HistoryDSN     string
	HistoryLimit   int
	MaxUploadBytes int64
	LogLevel       string
	LogFormat      string
}

// Default returns the reference timings and ports. DeviceName falls back to
// the hostname and DownloadDir to ~/LanBridge.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "LanBridge device"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DeviceName:     hostname,
		TransferPort:   DefaultTransferPort,
		DiscoveryPort:  DefaultDiscoveryPort,
		ControlPort:    DefaultControlPort,
		BroadcastInt:   2 * time.Second,
		ReceiveTimeout: time.Second,
		CleanupInt:     time.Second,
		DeviceTimeout:  10 * time.Second,
		ConnectTimeout: 15 * time.Second,
		RequestTimeout: 120 * time.Second,
		DownloadDir:    filepath.Join(home, "LanBridge"),
		HistoryDSN:     filepath.Join(home, ".lanbridge", "transfer_history.json"),
		HistoryLimit:   DefaultHistoryLimit,
		MaxUploadBytes: 4 << 30,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds a Config from defaults, an optional .env file, an optional JSON
// file (-config), LANBRIDGE_* environment variables and finally flags.
// Later sources win.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	// Flags were parsed once only to find -config; re-apply them last.
	cfg = Default()
	if path := configPath(fs); path != "" {
		if err := applyJSON(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	fs = newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	for name, port := range map[string]int{"transfer port": c.TransferPort, "discovery port": c.DiscoveryPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s %d", name, port)
		}
	}
	if c.ControlPort < 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port %d", c.ControlPort)
	}
	for name, d := range map[string]time.Duration{
		"broadcast interval": c.BroadcastInt,
		"receive timeout":    c.ReceiveTimeout,
		"cleanup interval":   c.CleanupInt,
		"device timeout":     c.DeviceTimeout,
		"connect timeout":    c.ConnectTimeout,
		"request timeout":    c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HistoryLimit <= 0 {
		return errors.New("history limit must be positive")
	}
	if strings.TrimSpace(c.DownloadDir) == "" {
		return errors.New("download dir is required")
	}
	return nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("lanbridge", flag.ContinueOnError)
	fs.String("config", "", "path to a JSON config file")
	fs.StringVar(&cfg.DeviceName, "name", cfg.DeviceName, "device name announced to peers")
	fs.IntVar(&cfg.TransferPort, "transfer", cfg.TransferPort, "transfer server HTTP port")
	fs.IntVar(&cfg.DiscoveryPort, "discovery", cfg.DiscoveryPort, "UDP discovery port")
	fs.IntVar(&cfg.ControlPort, "control", cfg.ControlPort, "local control API port (0 disables)")
	fs.StringVar(&cfg.DownloadDir, "downloads", cfg.DownloadDir, "directory for received files")
	fs.StringVar(&cfg.HistoryDSN, "history", cfg.HistoryDSN, "history store: file path, sqlite:<path> or postgres://...")
	fs.DurationVar(&cfg.BroadcastInt, "broadcast-interval", cfg.BroadcastInt, "interval between discovery broadcasts")
	fs.DurationVar(&cfg.ReceiveTimeout, "receive-timeout", cfg.ReceiveTimeout, "discovery socket read timeout")
	fs.DurationVar(&cfg.CleanupInt, "cleanup-interval", cfg.CleanupInt, "interval between stale device sweeps")
	fs.DurationVar(&cfg.DeviceTimeout, "device-timeout", cfg.DeviceTimeout, "drop peers silent for longer than this")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "upload connect timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "upload request timeout")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload", cfg.MaxUploadBytes, "largest accepted upload in bytes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	return fs
}

func configPath(fs *flag.FlagSet) string {
	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
}

// duration accepts "2s" style strings or integer milliseconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	*d = duration(time.Duration(ms) * time.Millisecond)
	return nil
}

type jsonConfig struct {
	DeviceName     *string   `json:"device_name"`
	TransferPort   *int      `json:"transfer_port"`
	DiscoveryPort  *int      `json:"discovery_port"`
	ControlPort    *int      `json:"control_port"`
	BroadcastInt   *duration `json:"broadcast_interval"`
	ReceiveTimeout *duration `json:"receive_timeout"`
	CleanupInt     *duration `json:"cleanup_interval"`
	DeviceTimeout  *duration `json:"device_timeout"`
	ConnectTimeout *duration `json:"connect_timeout"`
	RequestTimeout *duration `json:"request_timeout"`
	DownloadDir    *string   `json:"download_dir"`
	HistoryDSN     *string   `json:"history"`
	HistoryLimit   *int      `json:"history_limit"`
	MaxUploadBytes *int64    `json:"max_upload_bytes"`
	LogLevel       *string   `json:"log_level"`
	LogFormat      *string   `json:"log_format"`
}

func applyJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	setString(&cfg.DeviceName, jc.DeviceName)
	setInt(&cfg.TransferPort, jc.TransferPort)
	setInt(&cfg.DiscoveryPort, jc.DiscoveryPort)
	setInt(&cfg.ControlPort, jc.ControlPort)
	setDuration(&cfg.BroadcastInt, jc.BroadcastInt)
	setDuration(&cfg.ReceiveTimeout, jc.ReceiveTimeout)
	setDuration(&cfg.CleanupInt, jc.CleanupInt)
	setDuration(&cfg.DeviceTimeout, jc.DeviceTimeout)
	setDuration(&cfg.ConnectTimeout, jc.ConnectTimeout)
	setDuration(&cfg.RequestTimeout, jc.RequestTimeout)
	setString(&cfg.DownloadDir, jc.DownloadDir)
	setString(&cfg.HistoryDSN, jc.HistoryDSN)
	setInt(&cfg.HistoryLimit, jc.HistoryLimit)
	if jc.MaxUploadBytes != nil {
		cfg.MaxUploadBytes = *jc.MaxUploadBytes
	}
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogFormat, jc.LogFormat)
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DEVICE_NAME":  &cfg.DeviceName,
		"DOWNLOAD_DIR": &cfg.DownloadDir,
		"HISTORY":      &cfg.HistoryDSN,
		"LOG_LEVEL":    &cfg.LogLevel,
		"LOG_FORMAT":   &cfg.LogFormat,
	}
	for key, dst := range strs {
		if v := getEnv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"TRANSFER_PORT":  &cfg.TransferPort,
		"DISCOVERY_PORT": &cfg.DiscoveryPort,
		"CONTROL_PORT":   &cfg.ControlPort,
		"HISTORY_LIMIT":  &cfg.HistoryLimit,
	}
	for key, dst := range ints {
		v := getEnv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}
	durs := map[string]*time.Duration{
		"BROADCAST_INTERVAL": &cfg.BroadcastInt,
		"RECEIVE_TIMEOUT":    &cfg.ReceiveTimeout,
		"CLEANUP_INTERVAL":   &cfg.CleanupInt,
		"DEVICE_TIMEOUT":     &cfg.DeviceTimeout,
		"CONNECT_TIMEOUT":    &cfg.ConnectTimeout,
		"REQUEST_TIMEOUT":    &cfg.RequestTimeout,
	}
	for key, dst := range durs {
		v := getEnv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
	}
	if v := getEnv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_UPLOAD_BYTES: %w", envPrefix, err)
		}
		cfg.MaxUploadBytes = n
	}
	return nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}
