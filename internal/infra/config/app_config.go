// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvAPIToken overrides session.apiToken so tokens can stay out of config files.
const EnvAPIToken = "MT5DESK_API_TOKEN"

// ChannelConfig configures the transport to the remote API.
type ChannelConfig struct {
	Mode                 ChannelMode   `yaml:"mode"`
	Endpoint             string        `yaml:"endpoint"`
	AppID                string        `yaml:"appID"`
	Language             string        `yaml:"language"`
	RequestsPerSecond    float64       `yaml:"requestsPerSecond"`
	Burst                int           `yaml:"burst"`
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval"`
	ReadLimitBytes       int64         `yaml:"readLimitBytes"`
	PingInterval         time.Duration `yaml:"pingInterval"`
}

func (c *ChannelConfig) applyDefaults() {
	c.Mode = ChannelMode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = ModeOffline
	}
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if c.Endpoint == "" {
		c.Endpoint = "wss://ws.derivws.com/websockets/v3"
	}
	c.AppID = strings.TrimSpace(c.AppID)
	c.Language = strings.ToUpper(strings.TrimSpace(c.Language))
	if c.Language == "" {
		c.Language = "EN"
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = 20 * time.Second
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = 4 * 1024 * 1024
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

func (c ChannelConfig) validate() error {
	switch c.Mode {
	case ModeOffline:
		return nil
	case ModeWebsocket:
	default:
		return fmt.Errorf("mode must be one of websocket, offline")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint scheme must be ws or wss")
	}
	if c.AppID == "" {
		return fmt.Errorf("appID required for websocket mode")
	}
	return nil
}

// SessionConfig describes the authenticated client the session acts for.
type SessionConfig struct {
	LoginID   string `yaml:"loginID"`
	Email     string `yaml:"email"`
	Name      string `yaml:"name"`
	Currency  string `yaml:"currency"`
	IsVirtual bool   `yaml:"isVirtual"`
	APIToken  string `yaml:"apiToken"`
	Residence string `yaml:"residence"`
	// ExcludeSubAccountTypes lists sub-account types never offered. Nil means the default
	// exclusion; an explicit empty list offers everything.
	ExcludeSubAccountTypes []string `yaml:"excludeSubAccountTypes"`
	TopUpDemoAmount        string   `yaml:"topUpDemoAmount"`
}

func (c *SessionConfig) applyDefaults() {
	c.LoginID = strings.TrimSpace(c.LoginID)
	c.Email = strings.TrimSpace(c.Email)
	c.Name = strings.TrimSpace(c.Name)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = "USD"
	}
	c.APIToken = strings.TrimSpace(c.APIToken)
	c.Residence = strings.ToLower(strings.TrimSpace(c.Residence))
	if c.ExcludeSubAccountTypes == nil {
		c.ExcludeSubAccountTypes = []string{"swap_free"}
	} else {
		normalized := make([]string, 0, len(c.ExcludeSubAccountTypes))
		seen := make(map[string]struct{}, len(c.ExcludeSubAccountTypes))
		for _, sub := range c.ExcludeSubAccountTypes {
			key := normalizeSubAccountType(sub)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			normalized = append(normalized, key)
		}
		c.ExcludeSubAccountTypes = normalized
	}
	c.TopUpDemoAmount = strings.TrimSpace(c.TopUpDemoAmount)
	if c.TopUpDemoAmount == "" {
		c.TopUpDemoAmount = "10000"
	}
}

func (c SessionConfig) validate() error {
	for _, sub := range c.ExcludeSubAccountTypes {
		switch sub {
		case "financial", "financial_stp", "swap_free":
		default:
			return fmt.Errorf("excludeSubAccountTypes: unknown sub-account type %q", sub)
		}
	}
	amount, err := decimal.NewFromString(c.TopUpDemoAmount)
	if err != nil {
		return fmt.Errorf("topUpDemoAmount: %w", err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("topUpDemoAmount must be >0")
	}
	return nil
}

// TopUpAmount returns the parsed demo top-up amount.
func (c SessionConfig) TopUpAmount() decimal.Decimal {
	amount, err := decimal.NewFromString(c.TopUpDemoAmount)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
)

// WorkerSetting accepts a positive integer or "auto".
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker count.
func Workers(n int) WorkerSetting {
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer and "auto" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = WorkerSetting{}
		return nil
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// MarshalYAML renders the setting the way it was written.
func (s WorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case workerExplicit:
		return s.value, nil
	case workerAuto:
		return "auto", nil
	default:
		return nil, nil
	}
}

func (s WorkerSetting) resolve() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 2
	default:
		return 2
	}
}

// WorkersConfig sizes the background pool that runs post-action refreshes.
type WorkersConfig struct {
	Size  WorkerSetting `yaml:"size"`
	Queue int           `yaml:"queue"`
}

// Count returns the resolved worker count.
func (c WorkersConfig) Count() int {
	return c.Size.resolve()
}

// QueueSize returns the pending task queue size, defaulting to four per worker.
func (c WorkersConfig) QueueSize() int {
	if c.Queue <= 0 {
		return c.Count() * 4
	}
	return c.Queue
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

func (c *TelemetryConfig) applyDefaults() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = "localhost:4318"
	}
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = "mt5desk"
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = 30 * time.Second
	}
}

// DatabaseConfig controls PostgreSQL connectivity for the action journal.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/mt5desk"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified mt5desk configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Channel     ChannelConfig   `yaml:"channel"`
	Session     SessionConfig   `yaml:"session"`
	Workers     WorkersConfig   `yaml:"workers"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
}

// DefaultAppConfig returns an offline development configuration.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault behaves like Load but falls back to DefaultAppConfig when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = DefaultAppConfig()
		cfg.applyEnv()
		return cfg, nil
	}
	return cfg, err
}

// Parse decodes, normalises and validates YAML configuration.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Channel.applyDefaults()
	c.Session.applyDefaults()
	if c.Workers.Queue < 0 {
		c.Workers.Queue = 0
	}
	c.Telemetry.applyDefaults()
	c.Database.applyDefaults()
	return nil
}

func (c *AppConfig) applyEnv() {
	if token := strings.TrimSpace(os.Getenv(EnvAPIToken)); token != "" {
		c.Session.APIToken = token
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Channel.validate(); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	if err := c.Session.validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.Workers.Count() <= 0 {
		return fmt.Errorf("workers size must be >0")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
