// Package config loads substrate's configuration from an optional YAML file
// and command-line flags, and watches a modules directory for applets.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left empty by the file and flags.
const (
	DefaultHost       = "127.0.0.1"
	DefaultPort       = 3030
	DefaultTTL        = 60000
	DefaultAdminAddr  = ":9090"
	DefaultEntryPoint = "run"
)

// Config is the process configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TTL is the idle time in milliseconds after which uploaded applets
	// expire. Zero disables expiry.
	TTL        int64    `yaml:"ttl"`
	Load       string   `yaml:"load"`
	ModulesDir string   `yaml:"modulesDir"`
	LogTopics  []string `yaml:"logTopics"`
	LogLevel   string   `yaml:"logLevel"`
	// LogRate limits guest log messages per topic per second. Zero means
	// unlimited.
	LogRate    float64 `yaml:"logRate"`
	AdminAddr  string  `yaml:"adminAddr"`
	EntryPoint string  `yaml:"entryPoint"`
}

// BindError reports an unusable listen address.
type BindError struct {
	Field string
	Value string
	Err   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Host:       DefaultHost,
		Port:       DefaultPort,
		TTL:        DefaultTTL,
		AdminAddr:  DefaultAdminAddr,
		EntryPoint: DefaultEntryPoint,
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds the configuration from command-line arguments. Flags given
// explicitly override values from the file named by -config.
func Parse(name string, args []string) (*Config, error) {
	def := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	var (
		configFlag     = fs.String("config", "", "Path to YAML config file")
		hostFlag       = fs.String("host", def.Host, "IP address to bind the gateway to")
		portFlag       = fs.Int("port", def.Port, "Port for the gateway")
		ttlFlag        = fs.Int64("ttl", def.TTL, "Idle time-to-live for uploaded applets in milliseconds (0 disables expiry)")
		loadFlag       = fs.String("load", "", "WASM file to load at startup")
		modulesDirFlag = fs.String("modules-dir", "", "Directory of WASM files to load and watch")
		logFlag        = fs.String("log", "", "Comma-separated logging topics (* for all)")
		logLevelFlag   = fs.String("log-level", "", "Log level (debug, info, warn, error). Can also be set via SUBSTRATE_LOG_LEVEL env var.")
		logRateFlag    = fs.Float64("log-rate", 0, "Maximum guest log messages per topic per second (0 = unlimited)")
		adminAddrFlag  = fs.String("admin-addr", def.AdminAddr, "Listen address for the admin, metrics and health server (empty disables)")
		entryPointFlag = fs.String("entry-point", def.EntryPoint, "Exported function invoked for each request")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := Load(*configFlag)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *hostFlag
		case "port":
			cfg.Port = *portFlag
		case "ttl":
			cfg.TTL = *ttlFlag
		case "load":
			cfg.Load = *loadFlag
		case "modules-dir":
			cfg.ModulesDir = *modulesDirFlag
		case "log":
			cfg.LogTopics = splitTopics(*logFlag)
		case "log-level":
			cfg.LogLevel = *logLevelFlag
		case "log-rate":
			cfg.LogRate = *logRateFlag
		case "admin-addr":
			cfg.AdminAddr = *adminAddrFlag
		case "entry-point":
			cfg.EntryPoint = *entryPointFlag
		}
	})

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitTopics(s string) []string {
	var topics []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func (c *Config) normalize() {
	if c.EntryPoint == "" {
		c.EntryPoint = DefaultEntryPoint
	}
	topics := make([]string, 0, len(c.LogTopics))
	for _, t := range c.LogTopics {
		if t = strings.TrimSpace(t); t != "" && !slices.Contains(topics, t) {
			topics = append(topics, t)
		}
	}
	c.LogTopics = topics
}

// Validate checks the configuration. Unusable listen addresses are reported
// as *BindError.
func (c *Config) Validate() error {
	var errs []error

	if _, err := netip.ParseAddr(c.Host); err != nil {
		errs = append(errs, &BindError{Field: "host", Value: c.Host, Err: err})
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, &BindError{Field: "port", Value: strconv.Itoa(c.Port), Err: errors.New("must be between 1 and 65535")})
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			errs = append(errs, &BindError{Field: "adminAddr", Value: c.AdminAddr, Err: err})
		}
	}
	if c.TTL < 0 {
		errs = append(errs, fmt.Errorf("ttl must not be negative, got %d", c.TTL))
	}
	if c.LogRate < 0 {
		errs = append(errs, fmt.Errorf("logRate must not be negative, got %v", c.LogRate))
	}

	return errors.Join(errs...)
}

// ListenAddr returns the gateway's host:port.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TTLDuration returns TTL as a time.Duration.
func (c *Config) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Millisecond
}
