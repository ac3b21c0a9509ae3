// Package config loads the terminal configuration from a YAML file, with
// secrets and endpoints overridable from the environment (or a .env file).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

// Environment variables that override file values.
const (
	EnvConfigPath = "PRINT_CONFIG"
	EnvLocation   = "PRINT_LOCATION"
	EnvAPIURL     = "PRINT_API_URL"
	EnvWSURL      = "PRINT_WS_URL"
	EnvAPIKey     = "PRINT_API_KEY"
	EnvPrinter    = "PRINT_PRINTER_HOST"
	EnvLogLevel   = "PRINT_LOG_LEVEL"
)

const DefaultPath = "config/config.yaml"

type Config struct {
	// Location is the site this terminal serves. "*" watches every site.
	Location  string          `yaml:"location"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Printer   PrinterConfig   `yaml:"printer"`
	Backend   BackendConfig   `yaml:"backend"`
	Guard     GuardConfig     `yaml:"guard"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Operator  OperatorConfig  `yaml:"operator"`
	Log       LogConfig       `yaml:"log"`
}

type TerminalConfig struct {
	// ID is generated at startup when empty.
	ID       string `yaml:"id"`
	Operator string `yaml:"operator"`
	// Device is printer-adjacent, tablet or desktop.
	Device string `yaml:"device"`
	// Locality is lan, loopback, public or auto. auto is resolved once at
	// startup against the printer subnet.
	Locality string `yaml:"locality"`
}

type PrinterConfig struct {
	Host        string           `yaml:"host"`
	Cascade     []model.Endpoint `yaml:"cascade"`
	InsecureTLS bool             `yaml:"insecure_tls"`
	// DeviceID is the ePOS-Print device id addressed by the XML endpoint.
	DeviceID string `yaml:"device_id"`
	// Raster renders the receipt through headless Chrome and sends a bitmap
	// instead of text on the raw port.
	Raster     bool   `yaml:"raster"`
	PaperWidth int    `yaml:"paper_width"`
	Header     string `yaml:"header"`
}

type BackendConfig struct {
	APIURL       string        `yaml:"api_url"`
	WSURL        string        `yaml:"ws_url"`
	APIKey       string        `yaml:"api_key"`
	ProxyPath    string        `yaml:"proxy_path"`
	ProxyPort    int           `yaml:"proxy_port"`
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`
	Timeout      time.Duration `yaml:"timeout"`
	// RatePerMinute bounds calls to the order store.
	RatePerMinute int `yaml:"rate_per_minute"`
}

type GuardConfig struct {
	Cooldown   time.Duration `yaml:"cooldown"`
	StaleAfter time.Duration `yaml:"stale_after"`
	ResetEvery time.Duration `yaml:"reset_every"`
}

type EventBusConfig struct {
	Heartbeat      time.Duration `yaml:"heartbeat"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxRetries     int           `yaml:"max_retries"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type BroadcastConfig struct {
	Grace time.Duration `yaml:"grace"`
	// OnExhaustion also broadcasts when a capable terminal ran out of paths.
	OnExhaustion bool `yaml:"on_exhaustion"`
	// ProxyFirst has an incapable terminal try the backend proxy before it
	// broadcasts.
	ProxyFirst bool `yaml:"proxy_first"`
}

type IngestConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type OperatorConfig struct {
	Listen     string `yaml:"listen"`
	LogEntries int    `yaml:"log_entries"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultCascade is the fixed local attempt order: primary HTTP control port,
// secure HTTP, raw socket, then two alternate HTTP ports.
func DefaultCascade() []model.Endpoint {
	return []model.Endpoint{
		{Protocol: model.ProtocolHTTP, Port: 80, Timeout: 5 * time.Second},
		{Protocol: model.ProtocolHTTPS, Port: 443, Timeout: 8 * time.Second},
		{Protocol: model.ProtocolRaw, Port: 9100, Timeout: 5 * time.Second},
		{Protocol: model.ProtocolHTTP, Port: 8008, Timeout: 5 * time.Second},
		{Protocol: model.ProtocolHTTP, Port: 8080, Timeout: 5 * time.Second},
	}
}

func Default() Config {
	return Config{
		Terminal: TerminalConfig{
			Operator: "terminal",
			Device:   "tablet",
			Locality: "lan",
		},
		Printer: PrinterConfig{
			Cascade:     DefaultCascade(),
			InsecureTLS: true,
			DeviceID:    "local_printer",
			PaperWidth:  576,
			Header:      "Perfect Menu",
		},
		Backend: BackendConfig{
			APIURL:        "https://api.perfect-menu.it",
			WSURL:         "wss://ws.perfect-menu.it/terminal",
			ProxyPath:     "/api/print/proxy",
			ProxyPort:     9100,
			ProxyTimeout:  15 * time.Second,
			Timeout:       10 * time.Second,
			RatePerMinute: 120,
		},
		Guard: GuardConfig{
			Cooldown:   15 * time.Second,
			StaleAfter: 30 * time.Second,
			ResetEvery: 5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Heartbeat:      25 * time.Second,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			MaxRetries:     5,
			WriteTimeout:   5 * time.Second,
		},
		Broadcast: BroadcastConfig{Grace: 20 * time.Second},
		Ingest:    IngestConfig{PollInterval: 10 * time.Second},
		Operator:  OperatorConfig{Listen: "127.0.0.1:8787", LogEntries: 500},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing .env file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Path resolves the config file location: flag value, then PRINT_CONFIG,
// then the default.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Location, EnvLocation)
	override(&c.Backend.APIURL, EnvAPIURL)
	override(&c.Backend.WSURL, EnvWSURL)
	override(&c.Backend.APIKey, EnvAPIKey)
	override(&c.Printer.Host, EnvPrinter)
	override(&c.Log.Level, EnvLogLevel)
}

func (c Config) Validate() error {
	var errs []error
	if c.Location == "" {
		errs = append(errs, errors.New("location is required"))
	}
	if c.Printer.Host == "" {
		errs = append(errs, errors.New("printer.host is required"))
	}
	if len(c.Printer.Cascade) == 0 {
		errs = append(errs, errors.New("printer.cascade is empty"))
	}
	for i, ep := range c.Printer.Cascade {
		if !ep.Protocol.Local() {
			errs = append(errs, fmt.Errorf("printer.cascade[%d]: protocol %q is not a local protocol", i, ep.Protocol))
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			errs = append(errs, fmt.Errorf("printer.cascade[%d]: invalid port %d", i, ep.Port))
		}
		if ep.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("printer.cascade[%d]: timeout must be positive", i))
		}
	}
	for name, raw := range map[string]string{"backend.api_url": c.Backend.APIURL, "backend.ws_url": c.Backend.WSURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.EventBus.MaxRetries <= 0 {
		errs = append(errs, errors.New("eventbus.max_retries must be positive"))
	}
	return errors.Join(errs...)
}

// Save writes the configuration as YAML, creating the directory if needed.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}
