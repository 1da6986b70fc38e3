package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/user/companion-proxy/logger"
)

// DefaultPath is used when no config path is given
var DefaultPath = filepath.Join("config", "proxyd.json")

const envPrefix = "COMPANION_PROXY_"

// Config is the proxy daemon configuration
type Config struct {
	CompanionAddress string `json:"companion_address"`
	CompanionName    string `json:"companion_name"`

	LocalEdition  bool   `json:"local_edition"`
	InterfaceName string `json:"interface_name"`
	MTU           int    `json:"mtu"`
	NetworkScore  int    `json:"network_score"`
	Metered       bool   `json:"metered"`

	PingCheckSeconds int    `json:"ping_check_seconds"`
	ResolvPath       string `json:"resolv_path"`
	BridgeListen     string `json:"bridge_listen"`

	LogLevel      string `json:"log_level"`
	LogFile       string `json:"log_file"`
	LogMaxSizeMB  int    `json:"log_max_size_mb"`
	LogMaxBackups int    `json:"log_max_backups"`
	LogMaxAgeDays int    `json:"log_max_age_days"`
	LogCompress   bool   `json:"log_compress"`

	// Service UUIDs the companion advertises, used for version negotiation
	PeerUUIDs       []string          `json:"peer_uuids"`
	EnableL2capGatt bool              `json:"enable_l2cap_gatt"`
	EnableL2cap     bool              `json:"enable_l2cap"`
	Properties      map[string]string `json:"properties"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		CompanionName:    "companion",
		InterfaceName:    "lo",
		MTU:              1500,
		NetworkScore:     50,
		PingCheckSeconds: 1,
		ResolvPath:       filepath.Join("config", "companion-resolv.conf"),
		BridgeListen:     "127.0.0.1:8765",
		LogLevel:         "INFO",
		LogMaxSizeMB:     10,
		LogMaxBackups:    3,
		LogMaxAgeDays:    7,
		EnableL2capGatt:  true,
		EnableL2cap:      true,
	}
}

// Load reads JSON from path (DefaultPath if empty), applies COMPANION_PROXY_*
// env overrides, normalizes and validates. A missing file means defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("COMPANION_ADDRESS", &c.CompanionAddress)
	str("COMPANION_NAME", &c.CompanionName)
	str("INTERFACE", &c.InterfaceName)
	str("RESOLV_PATH", &c.ResolvPath)
	str("BRIDGE_LISTEN", &c.BridgeListen)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	if v := os.Getenv(envPrefix + "PEER_UUIDS"); v != "" {
		c.PeerUUIDs = strings.Split(v, ",")
	}

	for _, err := range []error{
		num("MTU", &c.MTU),
		num("NETWORK_SCORE", &c.NetworkScore),
		num("PING_CHECK_SECONDS", &c.PingCheckSeconds),
		flag("LOCAL_EDITION", &c.LocalEdition),
		flag("METERED", &c.Metered),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.CompanionAddress = strings.ToUpper(strings.TrimSpace(c.CompanionAddress))
	c.CompanionName = strings.TrimSpace(c.CompanionName)
	c.InterfaceName = strings.TrimSpace(c.InterfaceName)
	c.ResolvPath = strings.TrimSpace(c.ResolvPath)
	c.BridgeListen = strings.TrimSpace(c.BridgeListen)
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))
	c.LogFile = strings.TrimSpace(c.LogFile)

	if len(c.PeerUUIDs) > 0 {
		cleaned := make([]string, 0, len(c.PeerUUIDs))
		for _, s := range c.PeerUUIDs {
			if t := strings.TrimSpace(s); t != "" {
				cleaned = append(cleaned, t)
			}
		}
		c.PeerUUIDs = cleaned
	}
}

// Validate checks value ranges
func (c Config) Validate() error {
	var errs []error
	if c.MTU < 68 || c.MTU > 65535 {
		errs = append(errs, fmt.Errorf("mtu %d out of range", c.MTU))
	}
	if c.NetworkScore < 0 || c.NetworkScore > 100 {
		errs = append(errs, fmt.Errorf("network_score %d out of range [0,100]", c.NetworkScore))
	}
	if c.PingCheckSeconds <= 0 {
		errs = append(errs, fmt.Errorf("ping_check_seconds must be positive"))
	}
	if c.InterfaceName == "" {
		errs = append(errs, fmt.Errorf("interface_name is empty"))
	}
	if _, err := c.PeerServiceUUIDs(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// PingCheckPeriod is how often the pinger is polled
func (c Config) PingCheckPeriod() time.Duration {
	return time.Duration(c.PingCheckSeconds) * time.Second
}

// PeerServiceUUIDs parses PeerUUIDs
func (c Config) PeerServiceUUIDs() ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(c.PeerUUIDs))
	for _, s := range c.PeerUUIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("peer uuid %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// PropertySource returns the configured system properties
func (c Config) PropertySource() Properties {
	return Properties{values: c.Properties}
}

// Properties looks keys up in the environment first, then in the config file.
// Key "a.b_c" maps to env COMPANION_PROXY_PROP_A_B_C.
type Properties struct {
	values map[string]string
}

func (p Properties) Get(key string) string {
	env := envPrefix + "PROP_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	return strings.TrimSpace(p.values[key])
}

// Watch reloads path whenever it changes and passes valid configs to fn until
// ctx is done. Invalid files are logged and skipped.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	if path == "" {
		path = DefaultPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	// debounce 500ms
	const debounce = 500 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && filepath.Base(ev.Name) == filepath.Base(abs) {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config", "Watcher error: %v", err)
		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("Config", "Ignoring config change: %v", err)
				continue
			}
			logger.Info("Config", "🔄 Reloaded %s", abs)
			fn(cfg)
		}
	}
}
