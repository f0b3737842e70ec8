// Package config loads aide's settings from a JSON file, a secrets file, an
// optional YAML policy file and AIDE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Limits    LimitsConfig
	Access    AccessConfig
	Policy    PolicyConfig
	Time      TimeConfig
	Wizard    WizardConfig
	Actions   ActionsConfig
	Scheduler SchedulerConfig
	Digest    DigestConfig
	Transport TransportConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SearchModel  string
	Timeout      time.Duration
	HistoryTurns int
}

type LimitsConfig struct {
	PerMinute int
	PerDay    int
}

type AccessConfig struct {
	AllowedOwners []string
}

type PolicyConfig struct {
	FactsOnlyDefault bool
	File             string
	// Filled from the policy file.
	Tasks     []string
	Smalltalk map[string]string
}

type TimeConfig struct {
	Zone string
}

type WizardConfig struct {
	Timeout time.Duration
}

type ActionsConfig struct {
	TTL        time.Duration
	MaxEntries int
}

type SchedulerConfig struct {
	Tick  time.Duration
	Grace time.Duration
}

type DigestConfig struct {
	Hour int
}

type TransportConfig struct {
	WebhookURL string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			Model:        "openai/gpt-4o-mini",
			SearchModel:  "perplexity/sonar",
			Timeout:      60 * time.Second,
			HistoryTurns: 10,
		},
		Limits: LimitsConfig{
			PerMinute: 20,
			PerDay:    500,
		},
		Time: TimeConfig{
			Zone: "UTC",
		},
		Wizard: WizardConfig{
			Timeout: 10 * time.Minute,
		},
		Actions: ActionsConfig{
			TTL:        24 * time.Hour,
			MaxEntries: 10000,
		},
		Scheduler: SchedulerConfig{
			Tick:  30 * time.Second,
			Grace: 15 * time.Minute,
		},
		Digest: DigestConfig{
			Hour: 8,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in increasing precedence: defaults, the JSON
// config file at $XDG_CONFIG_HOME/aide/config.json, secrets from
// $XDG_DATA_HOME/aide/secrets.json, then AIDE_* environment variables. A
// policy file named by policy.file is read last.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg, secrets)
	applyEnvOverrides(&cfg)

	if cfg.Policy.File != "" {
		p, err := LoadPolicy(cfg.Policy.File)
		if err != nil {
			return Config{}, err
		}
		cfg.Access.AllowedOwners = mergeOwners(cfg.Access.AllowedOwners, p.AllowedOwners)
		cfg.Policy.Tasks = p.Tasks
		cfg.Policy.Smalltalk = p.Smalltalk
	}

	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// check rejects values no component can run with.
func (c Config) check() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Limits.PerMinute < 0 || c.Limits.PerDay < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Digest.Hour < 0 || c.Digest.Hour > 23 {
		errs = append(errs, fmt.Errorf("digest.hour %d must be 0-23", c.Digest.Hour))
	}
	if _, err := time.LoadLocation(c.Time.Zone); err != nil {
		errs = append(errs, fmt.Errorf("time.zone: %w", err))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// RequireServe reports what is missing to run the server.
func (c Config) RequireServe() error {
	if c.Server.APIToken == "" {
		return errors.New("missing required config: API token. " +
			"Set it via environment variable AIDE_API_TOKEN or `aide config set-secret api_token`")
	}
	return nil
}

func mergeOwners(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "aide-data"
		}
	}
	return filepath.Join(dir, "aide")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "aide", "config.json")
}
