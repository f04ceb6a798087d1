// Package config provides configuration management for storyprompt.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultHTTPPort is the default port for the HTTP API.
	DefaultHTTPPort = 37800
	// DefaultModel is the default text-generation model for Tier-3 analysis.
	DefaultModel = "gpt-4o-mini"
	// DefaultPaywallMilestone is the story count at which prompts start being locked.
	DefaultPaywallMilestone = 3
)

// DefaultMilestones are the story counts that trigger Tier-3 analysis.
var DefaultMilestones = []int{1, 2, 3, 4, 7, 10, 15, 20, 30, 50, 100}

// Config holds storyprompt settings.
type Config struct {
	DBDriver           string   `json:"STORYPROMPT_DB_DRIVER"`
	DBPath             string   `json:"STORYPROMPT_DB_PATH"`
	DatabaseURL        string   `json:"STORYPROMPT_DATABASE_URL"`
	Model              string   `json:"STORYPROMPT_MODEL"`
	OpenAIAPIKey       string   `json:"STORYPROMPT_OPENAI_API_KEY"`
	OpenAIBaseURL      string   `json:"STORYPROMPT_OPENAI_BASE_URL"`
	TemplatesPath      string   `json:"STORYPROMPT_TEMPLATES_PATH"`
	RedisAddr          string   `json:"STORYPROMPT_REDIS_ADDR"`
	Milestones         []int    `json:"-"`
	BannedPhrases      []string `json:"-"`
	HTTPPort           int      `json:"STORYPROMPT_HTTP_PORT"`
	MaxConns           int      `json:"STORYPROMPT_MAX_CONNS"`
	Tier3TimeoutSecs   int      `json:"STORYPROMPT_TIER3_TIMEOUT_SECONDS"`
	Tier3MaxTokens     int      `json:"STORYPROMPT_TIER3_MAX_CORPUS_TOKENS"`
	Tier3Workers       int      `json:"STORYPROMPT_TIER3_WORKERS"`
	Tier3MaxPrompts    int      `json:"STORYPROMPT_TIER3_MAX_PROMPTS"`
	PromptTTLDays      int      `json:"STORYPROMPT_PROMPT_TTL_DAYS"`
	Tier3TTLDays       int      `json:"STORYPROMPT_TIER3_TTL_DAYS"`
	PaywallMilestone   int      `json:"STORYPROMPT_PAYWALL_MILESTONE"`
	ExpirySweepSeconds int      `json:"STORYPROMPT_EXPIRY_SWEEP_SECONDS"`
}

// rawLists carries the comma-separated list settings, which are stored as strings.
type rawLists struct {
	Milestones    string `json:"STORYPROMPT_MILESTONES"`
	BannedPhrases string `json:"STORYPROMPT_BANNED_PHRASES"`
}

var (
	global     *Config
	globalOnce sync.Once
)

// DataDir returns the storyprompt data directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".storyprompt")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "storyprompt.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(map[string]any{
		"STORYPROMPT_HTTP_PORT":  DefaultHTTPPort,
		"STORYPROMPT_MODEL":      DefaultModel,
		"STORYPROMPT_MILESTONES": joinInts(DefaultMilestones),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and the settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DBDriver:           "sqlite",
		DBPath:             DBPath(),
		Model:              DefaultModel,
		Milestones:         append([]int(nil), DefaultMilestones...),
		HTTPPort:           DefaultHTTPPort,
		MaxConns:           4,
		Tier3TimeoutSecs:   90,
		Tier3MaxTokens:     12000,
		Tier3Workers:       2,
		Tier3MaxPrompts:    12,
		PromptTTLDays:      7,
		Tier3TTLDays:       30,
		PaywallMilestone:   DefaultPaywallMilestone,
		ExpirySweepSeconds: 300,
	}
}

// Load reads settings.json (if present) and applies environment overrides.
// An unreadable or invalid settings file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		var fileCfg Config
		var lists rawLists
		if json.Unmarshal(data, &fileCfg) == nil && json.Unmarshal(data, &lists) == nil {
			cfg.merge(&fileCfg)
			cfg.mergeLists(lists)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// GetHTTPPort returns the HTTP port, honoring STORYPROMPT_HTTP_PORT.
func GetHTTPPort() int {
	if port, ok := envInt("STORYPROMPT_HTTP_PORT"); ok {
		return port
	}
	return Get().HTTPPort
}

// Tier3Timeout returns the bound on a single Tier-3 model call.
func (c *Config) Tier3Timeout() time.Duration {
	return time.Duration(c.Tier3TimeoutSecs) * time.Second
}

// PromptTTL returns how long a Tier-1 prompt stays active.
func (c *Config) PromptTTL() time.Duration {
	return time.Duration(c.PromptTTLDays) * 24 * time.Hour
}

// Tier3TTL returns how long an unlocked Tier-3 prompt stays active.
func (c *Config) Tier3TTL() time.Duration {
	return time.Duration(c.Tier3TTLDays) * 24 * time.Hour
}

// ExpirySweepInterval returns the background expiry sweep period.
func (c *Config) ExpirySweepInterval() time.Duration {
	return time.Duration(c.ExpirySweepSeconds) * time.Second
}

func (c *Config) merge(o *Config) {
	mergeString(&c.DBDriver, o.DBDriver)
	mergeString(&c.DBPath, o.DBPath)
	mergeString(&c.DatabaseURL, o.DatabaseURL)
	mergeString(&c.Model, o.Model)
	mergeString(&c.OpenAIAPIKey, o.OpenAIAPIKey)
	mergeString(&c.OpenAIBaseURL, o.OpenAIBaseURL)
	mergeString(&c.TemplatesPath, o.TemplatesPath)
	mergeString(&c.RedisAddr, o.RedisAddr)
	mergeInt(&c.HTTPPort, o.HTTPPort)
	mergeInt(&c.MaxConns, o.MaxConns)
	mergeInt(&c.Tier3TimeoutSecs, o.Tier3TimeoutSecs)
	mergeInt(&c.Tier3MaxTokens, o.Tier3MaxTokens)
	mergeInt(&c.Tier3Workers, o.Tier3Workers)
	mergeInt(&c.Tier3MaxPrompts, o.Tier3MaxPrompts)
	mergeInt(&c.PromptTTLDays, o.PromptTTLDays)
	mergeInt(&c.Tier3TTLDays, o.Tier3TTLDays)
	mergeInt(&c.PaywallMilestone, o.PaywallMilestone)
	mergeInt(&c.ExpirySweepSeconds, o.ExpirySweepSeconds)
}

func (c *Config) mergeLists(l rawLists) {
	if ms := parseInts(l.Milestones); len(ms) > 0 {
		c.Milestones = ms
	}
	if bp := splitTrim(l.BannedPhrases); len(bp) > 0 {
		c.BannedPhrases = bp
	}
}

func (c *Config) applyEnv() {
	envString(&c.DBDriver, "STORYPROMPT_DB_DRIVER")
	envString(&c.DBPath, "STORYPROMPT_DB_PATH")
	envString(&c.DatabaseURL, "STORYPROMPT_DATABASE_URL")
	envString(&c.Model, "STORYPROMPT_MODEL")
	envString(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	envString(&c.OpenAIAPIKey, "STORYPROMPT_OPENAI_API_KEY")
	envString(&c.OpenAIBaseURL, "STORYPROMPT_OPENAI_BASE_URL")
	envString(&c.TemplatesPath, "STORYPROMPT_TEMPLATES_PATH")
	envString(&c.RedisAddr, "STORYPROMPT_REDIS_ADDR")

	for key, dst := range map[string]*int{
		"STORYPROMPT_HTTP_PORT":               &c.HTTPPort,
		"STORYPROMPT_MAX_CONNS":               &c.MaxConns,
		"STORYPROMPT_TIER3_TIMEOUT_SECONDS":   &c.Tier3TimeoutSecs,
		"STORYPROMPT_TIER3_MAX_CORPUS_TOKENS": &c.Tier3MaxTokens,
		"STORYPROMPT_TIER3_WORKERS":           &c.Tier3Workers,
		"STORYPROMPT_TIER3_MAX_PROMPTS":       &c.Tier3MaxPrompts,
		"STORYPROMPT_PROMPT_TTL_DAYS":         &c.PromptTTLDays,
		"STORYPROMPT_TIER3_TTL_DAYS":          &c.Tier3TTLDays,
		"STORYPROMPT_PAYWALL_MILESTONE":       &c.PaywallMilestone,
		"STORYPROMPT_EXPIRY_SWEEP_SECONDS":    &c.ExpirySweepSeconds,
	} {
		if v, ok := envInt(key); ok {
			*dst = v
		}
	}

	if v := os.Getenv("STORYPROMPT_MILESTONES"); v != "" {
		if ms := parseInts(v); len(ms) > 0 {
			c.Milestones = ms
		}
	}
	if v := os.Getenv("STORYPROMPT_BANNED_PHRASES"); v != "" {
		c.BannedPhrases = splitTrim(v)
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// envInt parses a positive integer environment variable.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// splitTrim splits a comma-separated list, trimming blanks and dropping empties.
func splitTrim(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseInts(s string) []int {
	var out []int
	for _, part := range splitTrim(s) {
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil
		}
		out = append(out, n)
	}
	return out
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
