// Copyright 2025 Sentinel
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the closed, versioned configuration structure
// for the security layer: every tunable is an explicit typed field with
// a validated defaulting pass, never a loose dictionary. The YAML
// shapes here are converted into the domain packages' own types by the
// daemon wiring, so policy files never leak into domain APIs.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel/platform/security/monitor"
	"sentinel/platform/security/ratelimit"
)

// CurrentVersion is the configuration schema version this build reads.
const CurrentVersion = 1

// Duration wraps time.Duration so YAML accepts human-readable values
// like "15m" or "72h".
type Duration time.Duration

// UnmarshalYAML parses a duration string ("500ms", "15m", "72h").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete configuration surface.
type Config struct {
	// Version of the configuration schema. Files with a different
	// version fail validation rather than being silently reinterpreted.
	Version int `yaml:"version"`

	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Token    TokenConfig    `yaml:"token"`
	Rate     RateConfig     `yaml:"rate_limit"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

// ServerConfig shapes the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	CORSOrigins     []string `yaml:"cors_origins"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BackendConfig points at the distributed state backend.
type BackendConfig struct {
	RedisURL  string   `yaml:"redis_url"`
	KeyPrefix string   `yaml:"key_prefix"`
	OpTimeout Duration `yaml:"op_timeout"`
}

// DatabaseConfig points at the event-store database. Empty URL disables
// persistence.
type DatabaseConfig struct {
	URL       string   `yaml:"url"`
	Retention Duration `yaml:"retention"`
}

// KeystoreSource selects where master keys come from.
type KeystoreSource string

const (
	KeystoreSourceEnv            KeystoreSource = "env"
	KeystoreSourceSecretsManager KeystoreSource = "secretsmanager"
)

// KeystoreConfig selects the master-key source.
type KeystoreConfig struct {
	Source KeystoreSource `yaml:"source"`

	// AWS settings, used when Source is "secretsmanager".
	AWSRegion  string `yaml:"aws_region"`
	SecretName string `yaml:"secret_name"`
}

// TokenConfig holds per-token-class TTLs and the identity values checked
// on every verification.
type TokenConfig struct {
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
}

// CeilingConfig is one dimension's limit within a window.
type CeilingConfig struct {
	Limit  int64    `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// RateConfig holds admission-control policy. Limits are keyed by
// endpoint class then dimension name.
type RateConfig struct {
	Limits map[string]map[string]CeilingConfig `yaml:"limits"`

	// TrustedProxies is the CIDR allowlist for forwarded-address
	// headers.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// FailureWindow dedups backend-outage events.
	FailureWindow Duration `yaml:"failure_window"`
}

// ToLimits converts the YAML shape into the rate limiter's policy type.
// An empty map keeps the stock policy.
func (r RateConfig) ToLimits() ratelimit.Limits {
	if len(r.Limits) == 0 {
		return ratelimit.DefaultLimits()
	}
	limits := make(ratelimit.Limits, len(r.Limits))
	for class, dims := range r.Limits {
		ceilings := make(map[ratelimit.Dimension]ratelimit.Ceiling, len(dims))
		for dim, c := range dims {
			ceilings[ratelimit.Dimension(dim)] = ratelimit.Ceiling{
				Limit:  c.Limit,
				Window: c.Window.Std(),
			}
		}
		limits[ratelimit.EndpointClass(class)] = ceilings
	}
	return limits
}

// SLOConfig defines one objective's budget.
type SLOConfig struct {
	Name       string   `yaml:"name"`
	EventTypes []string `yaml:"event_types"`
	Budget     int64    `yaml:"budget"`
}

// RuleConfig defines one correlation rule.
type RuleConfig struct {
	Name          string   `yaml:"name"`
	EventType     string   `yaml:"event_type"`
	Threshold     int      `yaml:"threshold"`
	Window        Duration `yaml:"window"`
	AlertSeverity string   `yaml:"alert_severity"`
}

// MonitorConfig holds SLO budgets, correlation rules, and alert
// routing.
type MonitorConfig struct {
	SLOs  []SLOConfig  `yaml:"slos"`
	Rules []RuleConfig `yaml:"correlation_rules"`

	// Webhooks maps severity tier to an ordered escalation chain of
	// webhook URLs. The structured log is always the final fallback.
	Webhooks map[string][]string `yaml:"webhooks"`

	// AckDeadlines maps severity tier to its response-time ceiling.
	AckDeadlines map[string]Duration `yaml:"ack_deadlines"`

	QueueSize    int    `yaml:"queue_size"`
	Workers      int    `yaml:"workers"`
	FallbackPath string `yaml:"fallback_path"`
}

// ToSLOs converts configured SLOs; empty keeps the stock set.
func (m MonitorConfig) ToSLOs() []monitor.SLO {
	if len(m.SLOs) == 0 {
		return monitor.DefaultSLOs()
	}
	slos := make([]monitor.SLO, 0, len(m.SLOs))
	for _, s := range m.SLOs {
		types := make([]monitor.EventType, 0, len(s.EventTypes))
		for _, et := range s.EventTypes {
			types = append(types, monitor.EventType(et))
		}
		slos = append(slos, monitor.SLO{Name: s.Name, EventTypes: types, Budget: s.Budget})
	}
	return slos
}

// ToRules converts configured correlation rules; empty keeps the stock
// set.
func (m MonitorConfig) ToRules() []monitor.CorrelationRule {
	if len(m.Rules) == 0 {
		return monitor.DefaultCorrelationRules()
	}
	rules := make([]monitor.CorrelationRule, 0, len(m.Rules))
	for _, r := range m.Rules {
		rules = append(rules, monitor.CorrelationRule{
			Name:          r.Name,
			EventType:     monitor.EventType(r.EventType),
			Threshold:     r.Threshold,
			Window:        r.Window.Std(),
			AlertSeverity: monitor.Severity(r.AlertSeverity),
		})
	}
	return rules
}

// ToAckDeadlines converts configured deadlines; empty keeps the stock
// set.
func (m MonitorConfig) ToAckDeadlines() monitor.AckDeadlines {
	if len(m.AckDeadlines) == 0 {
		return monitor.DefaultAckDeadlines()
	}
	out := monitor.DefaultAckDeadlines()
	for tier, d := range m.AckDeadlines {
		out[monitor.Severity(tier)] = d.Std()
	}
	return out
}

// DefaultConfig returns the stock configuration. Every field that has a
// sane default gets one here; Validate catches the rest.
func DefaultConfig() Config {
	return Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Addr:            ":8443",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Backend: BackendConfig{
			RedisURL:  "redis://localhost:6379",
			KeyPrefix: "sentinel:",
			OpTimeout: Duration(75 * time.Millisecond),
		},
		Database: DatabaseConfig{
			Retention: Duration(monitor.DefaultRetention),
		},
		Keystore: KeystoreConfig{
			Source: KeystoreSourceEnv,
		},
		Token: TokenConfig{
			Issuer:     "sentinel",
			Audience:   "api",
			AccessTTL:  Duration(15 * time.Minute),
			RefreshTTL: Duration(7 * 24 * time.Hour),
		},
		Rate: RateConfig{
			FailureWindow: Duration(ratelimit.DefaultFailureWindow),
		},
		Monitor: MonitorConfig{
			QueueSize:    4096,
			Workers:      2,
			FallbackPath: "security-events.spill",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Environment variable overrides.
const (
	EnvRedisURL    = "SENTINEL_REDIS_URL"
	EnvDatabaseURL = "SENTINEL_DATABASE_URL"
	EnvListenAddr  = "SENTINEL_LISTEN_ADDR"
	EnvIssuer      = "SENTINEL_TOKEN_ISSUER"
	EnvAudience    = "SENTINEL_TOKEN_AUDIENCE"
)

// FromEnv applies environment overrides on top of the config. Only
// deployment-varying settings are overridable this way; policy stays in
// the file.
func (c Config) FromEnv() Config {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Backend.RedisURL = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvIssuer); v != "" {
		c.Token.Issuer = v
	}
	if v := os.Getenv(EnvAudience); v != "" {
		c.Token.Audience = v
	}
	return c
}

// Validate checks the whole configuration and returns every problem at
// once rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Version != CurrentVersion {
		errs = append(errs, fmt.Sprintf("unsupported config version %d (want %d)", c.Version, CurrentVersion))
	}
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if c.Backend.RedisURL == "" {
		errs = append(errs, "backend.redis_url must not be empty")
	}
	if c.Backend.OpTimeout.Std() <= 0 || c.Backend.OpTimeout.Std() > 100*time.Millisecond {
		errs = append(errs, "backend.op_timeout must be in (0, 100ms]")
	}
	if c.Token.Issuer == "" {
		errs = append(errs, "token.issuer must not be empty")
	}
	if c.Token.Audience == "" {
		errs = append(errs, "token.audience must not be empty")
	}
	if c.Token.AccessTTL.Std() <= 0 || c.Token.AccessTTL.Std() > 15*time.Minute {
		errs = append(errs, "token.access_ttl must be in (0, 15m]")
	}
	if c.Token.RefreshTTL.Std() <= c.Token.AccessTTL.Std() {
		errs = append(errs, "token.refresh_ttl must exceed access_ttl")
	}

	switch c.Keystore.Source {
	case KeystoreSourceEnv:
	case KeystoreSourceSecretsManager:
		if c.Keystore.AWSRegion == "" || c.Keystore.SecretName == "" {
			errs = append(errs, "keystore.aws_region and keystore.secret_name are required for secretsmanager source")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid keystore.source: %q", c.Keystore.Source))
	}

	for class, dims := range c.Rate.Limits {
		if !ratelimit.EndpointClass(class).IsValid() {
			errs = append(errs, fmt.Sprintf("invalid rate_limit endpoint class: %q", class))
		}
		for dim, ceiling := range dims {
			if !validDimension(dim) {
				errs = append(errs, fmt.Sprintf("invalid rate_limit dimension: %q", dim))
			}
			if ceiling.Limit <= 0 {
				errs = append(errs, fmt.Sprintf("rate_limit %s/%s limit must be positive", class, dim))
			}
			if ceiling.Window.Std() <= 0 {
				errs = append(errs, fmt.Sprintf("rate_limit %s/%s window must be positive", class, dim))
			}
		}
	}
	for _, cidr := range c.Rate.TrustedProxies {
		if !validProxyEntry(cidr) {
			errs = append(errs, fmt.Sprintf("invalid trusted proxy entry: %q", cidr))
		}
	}

	for _, slo := range c.Monitor.SLOs {
		if slo.Name == "" {
			errs = append(errs, "monitor SLO with empty name")
		}
		if slo.Budget <= 0 {
			errs = append(errs, fmt.Sprintf("monitor SLO %q budget must be positive", slo.Name))
		}
	}
	for _, rule := range c.Monitor.Rules {
		if rule.Threshold <= 0 || rule.Window.Std() <= 0 {
			errs = append(errs, fmt.Sprintf("correlation rule %q needs positive threshold and window", rule.Name))
		}
		if !validSeverity(rule.AlertSeverity) {
			errs = append(errs, fmt.Sprintf("correlation rule %q has invalid severity %q", rule.Name, rule.AlertSeverity))
		}
	}
	for tier := range c.Monitor.Webhooks {
		if !validSeverity(tier) {
			errs = append(errs, fmt.Sprintf("invalid alert routing tier: %q", tier))
		}
	}
	for tier, d := range c.Monitor.AckDeadlines {
		if !validSeverity(tier) {
			errs = append(errs, fmt.Sprintf("invalid ack deadline tier: %q", tier))
		}
		if d.Std() <= 0 {
			errs = append(errs, fmt.Sprintf("ack deadline for %q must be positive", tier))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validSeverity(tier string) bool {
	switch monitor.Severity(tier) {
	case monitor.SeverityCritical, monitor.SeverityHigh, monitor.SeverityMedium, monitor.SeverityLow:
		return true
	}
	return false
}

func validDimension(dim string) bool {
	switch ratelimit.Dimension(dim) {
	case ratelimit.DimensionIP, ratelimit.DimensionIPEndpoint,
		ratelimit.DimensionSubject, ratelimit.DimensionIPUserAgent:
		return true
	}
	return false
}

func validProxyEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
