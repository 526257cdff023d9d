package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Version is the current version of Snapq
	Version = "1"
	// AppName is the application name
	AppName = "Snapq Server"
)

// Config holds all configuration options for the Snapq server
type Config struct {
	// Server
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	BaseURL     string `yaml:"base_url"` // Full base URL for public links (e.g., http://localhost:8000)
	ArtifactDir string `yaml:"artifact_dir"`
	BodyLimit   int    `yaml:"body_limit"` // Max request body in bytes

	Browser   BrowserConfig   `yaml:"browser"`
	Capture   CaptureConfig   `yaml:"capture"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
	NATS      NATSConfig      `yaml:"nats"`

	// Flags
	ConfigFile  string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
	ShowHelp    bool   `yaml:"-"`
}

// BrowserConfig locates and launches Chrome.
type BrowserConfig struct {
	Bin        string   `yaml:"bin"`        // Explicit executable, overrides Candidates
	Candidates []string `yaml:"candidates"` // Searched in order
	Download   bool     `yaml:"download"`   // Download Chromium when nothing is found
	Revision   int      `yaml:"revision"`   // Chromium revision to download (0 uses default)
	Stealth    bool     `yaml:"stealth"`
}

// CaptureConfig bounds the capture pipeline.
type CaptureConfig struct {
	MaxPages          int           `yaml:"max_pages"`
	DefaultWidth      int           `yaml:"default_width"`
	SelectorTimeout   time.Duration `yaml:"selector_timeout"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	SpanWidthMode     string        `yaml:"span_width_mode"` // viewport | element
}

// RetentionConfig drives the artifact sweeper.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json | console
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NATSConfig enables artifact event publishing. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:        "0.0.0.0",
		Port:        8000,
		BaseURL:     "", // Will be auto-generated if empty
		ArtifactDir: "./archives",
		BodyLimit:   1 << 20,
		Browser: BrowserConfig{
			Candidates: []string{
				"/usr/bin/chromium",
				"/usr/bin/chromium-browser",
				"/usr/bin/google-chrome",
				"/usr/bin/google-chrome-stable",
				"/snap/bin/chromium",
			},
		},
		Capture: CaptureConfig{
			MaxPages:          5,
			DefaultWidth:      300,
			SelectorTimeout:   5 * time.Second,
			NavigationTimeout: 30 * time.Second,
			SpanWidthMode:     "viewport",
		},
		Retention: RetentionConfig{
			MaxAge:   24 * time.Hour,
			Interval: time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		NATS: NATSConfig{
			Subject: "snapq.artifacts",
		},
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Parse builds the config from args. A --config file is applied on top of the
// defaults and flags given explicitly win over the file.
func Parse(args []string) (*Config, error) {
	first := DefaultConfig()
	if err := newFlagSet(first).Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if first.ConfigFile != "" {
		if err := LoadFile(first.ConfigFile, cfg); err != nil {
			return nil, err
		}
	}
	if err := newFlagSet(cfg).Parse(args); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseFlags parses command line flags and returns the config
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.Usage = PrintHelp

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file")

	// Server flags
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind the server")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port number for the server")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Base URL for public links (e.g., http://localhost:8000)")
	fs.StringVar(&cfg.ArtifactDir, "artifact-dir", cfg.ArtifactDir, "Directory for published screenshots")

	// Browser flags
	fs.StringVar(&cfg.Browser.Bin, "chrome-bin", cfg.Browser.Bin, "Chrome executable (searched when empty)")
	fs.BoolVar(&cfg.Browser.Download, "with-chrome", cfg.Browser.Download, "Download Chromium if no executable is found")
	fs.IntVar(&cfg.Browser.Revision, "chrome-revision", cfg.Browser.Revision, "Chromium revision to download (0 uses default)")
	fs.BoolVar(&cfg.Browser.Stealth, "stealth", cfg.Browser.Stealth, "Open pages with stealth evasions")

	// Capture flags
	fs.IntVar(&cfg.Capture.MaxPages, "max-pages", cfg.Capture.MaxPages, "Maximum concurrent pages")
	fs.IntVar(&cfg.Capture.DefaultWidth, "default-width", cfg.Capture.DefaultWidth, "Default output width in pixels")
	fs.DurationVar(&cfg.Capture.SelectorTimeout, "selector-timeout", cfg.Capture.SelectorTimeout, "Wait for selectors")
	fs.DurationVar(&cfg.Capture.NavigationTimeout, "navigation-timeout", cfg.Capture.NavigationTimeout, "Wait for navigation")
	fs.StringVar(&cfg.Capture.SpanWidthMode, "span-width", cfg.Capture.SpanWidthMode, "Span clip width: viewport or element")

	// Retention flags
	fs.DurationVar(&cfg.Retention.MaxAge, "retention", cfg.Retention.MaxAge, "Delete screenshots older than this")
	fs.DurationVar(&cfg.Retention.Interval, "sweep-interval", cfg.Retention.Interval, "Retention sweep period")

	// Log flags
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: json or console")
	fs.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "Also log to this rotated file")

	// NATS flags
	fs.StringVar(&cfg.NATS.URL, "nats-url", cfg.NATS.URL, "NATS server URL for artifact events (disabled if empty)")
	fs.StringVar(&cfg.NATS.Subject, "nats-subject", cfg.NATS.Subject, "NATS subject prefix")

	// Other flags
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", cfg.ShowHelp, "Show help message")

	return fs
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()

	// Auto-generate BaseURL if not provided
	if c.BaseURL == "" {
		host := c.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		c.BaseURL = fmt.Sprintf("http://%s:%d", host, c.Port)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.ArtifactDir == "" {
		c.ArtifactDir = d.ArtifactDir
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = d.BodyLimit
	}
	if len(c.Browser.Candidates) == 0 {
		c.Browser.Candidates = d.Browser.Candidates
	}
	if c.Capture.MaxPages <= 0 {
		c.Capture.MaxPages = d.Capture.MaxPages
	}
	if c.Capture.DefaultWidth <= 0 {
		c.Capture.DefaultWidth = d.Capture.DefaultWidth
	}
	if c.Capture.SelectorTimeout <= 0 {
		c.Capture.SelectorTimeout = d.Capture.SelectorTimeout
	}
	if c.Capture.NavigationTimeout <= 0 {
		c.Capture.NavigationTimeout = d.Capture.NavigationTimeout
	}
	if c.Capture.SpanWidthMode == "" {
		c.Capture.SpanWidthMode = d.Capture.SpanWidthMode
	}
	if c.Retention.MaxAge <= 0 {
		c.Retention.MaxAge = d.Retention.MaxAge
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = d.Retention.Interval
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = d.NATS.Subject
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Capture.SpanWidthMode {
	case "viewport", "element":
	default:
		return fmt.Errorf("span width mode must be viewport or element, got %q", c.Capture.SpanWidthMode)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ArchiveURL returns the public URL prefix of published screenshots.
func (c *Config) ArchiveURL() string {
	return c.BaseURL + "/archives"
}

// PrintVersion prints version information
func PrintVersion() {
	fmt.Printf("%s v%s\n", AppName, Version)
}

// PrintHelp prints help information
func PrintHelp() {
	d := DefaultConfig()
	fmt.Printf(`%s v%s (Screenshot Service)

Usage:
  ./server [flags]

Config:
  --config              YAML file, explicit flags override it

Server:
  --host                %s
  --port                %d
  --base-url            %s (auto-generated if empty)
  --artifact-dir        %s

Chrome:
  --chrome-bin          first of %s
  --with-chrome         %v
  --chrome-revision     %d
  --stealth             %v

Capture:
  --max-pages           %d
  --default-width       %d
  --selector-timeout    %s
  --navigation-timeout  %s
  --span-width          %s

Retention:
  --retention           %s
  --sweep-interval      %s

Logging:
  --log-level           %s
  --log-format          %s
  --log-file            (disabled if empty)

Events (NATS):
  --nats-url            (disabled if empty)
  --nats-subject        %s

Other:
  --version             show version
  --help                show this help

`, AppName, Version,
		d.Host, d.Port, "http://localhost:8000", d.ArtifactDir,
		strings.Join(d.Browser.Candidates, ", "), d.Browser.Download, d.Browser.Revision, d.Browser.Stealth,
		d.Capture.MaxPages, d.Capture.DefaultWidth, d.Capture.SelectorTimeout, d.Capture.NavigationTimeout, d.Capture.SpanWidthMode,
		d.Retention.MaxAge, d.Retention.Interval,
		d.Log.Level, d.Log.Format,
		d.NATS.Subject)
}

// HandleFlags handles version and help flags, exits if needed
func HandleFlags(cfg *Config) {
	if cfg.ShowVersion {
		PrintVersion()
		os.Exit(0)
	}

	if cfg.ShowHelp {
		PrintHelp()
		os.Exit(0)
	}
}
