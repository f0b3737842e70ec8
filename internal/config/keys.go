package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "AIDE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "AIDE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AIDE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.base_url", typ: kString, env: "AIDE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "AIDE_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "AIDE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.search_model", typ: kString, env: "AIDE_LLM_SEARCH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.SearchModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.SearchModel },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "AIDE_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.history_turns", typ: kInt, env: "AIDE_LLM_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.LLM.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.HistoryTurns },
	},
	{
		key: "limits.per_minute", typ: kInt, env: "AIDE_LIMITS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Limits.PerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.PerMinute },
	},
	{
		key: "limits.per_day", typ: kInt, env: "AIDE_LIMITS_PER_DAY",
		apply:   func(cfg *Config, v any) { cfg.Limits.PerDay = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.PerDay },
	},
	{
		key: "access.allowed_owners", typ: kList, env: "AIDE_ALLOWED_OWNERS",
		apply:   func(cfg *Config, v any) { cfg.Access.AllowedOwners = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Access.AllowedOwners, ",") },
	},
	{
		key: "policy.facts_only_default", typ: kBool, env: "AIDE_FACTS_ONLY_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Policy.FactsOnlyDefault = v.(bool) },
		extract: func(cfg Config) any { return cfg.Policy.FactsOnlyDefault },
	},
	{
		key: "policy.file", typ: kString, env: "AIDE_POLICY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Policy.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Policy.File },
	},
	{
		key: "time.zone", typ: kString, env: "AIDE_TIME_ZONE",
		apply:   func(cfg *Config, v any) { cfg.Time.Zone = v.(string) },
		extract: func(cfg Config) any { return cfg.Time.Zone },
	},
	{
		key: "wizard.timeout", typ: kDuration, env: "AIDE_WIZARD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Wizard.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Wizard.Timeout },
	},
	{
		key: "actions.ttl", typ: kDuration, env: "AIDE_ACTIONS_TTL",
		apply:   func(cfg *Config, v any) { cfg.Actions.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Actions.TTL },
	},
	{
		key: "actions.max_entries", typ: kInt, env: "AIDE_ACTIONS_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Actions.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Actions.MaxEntries },
	},
	{
		key: "scheduler.tick", typ: kDuration, env: "AIDE_SCHEDULER_TICK",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Tick = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.Tick },
	},
	{
		key: "scheduler.grace", typ: kDuration, env: "AIDE_SCHEDULER_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Grace = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.Grace },
	},
	{
		key: "digest.hour", typ: kInt, env: "AIDE_DIGEST_HOUR",
		apply:   func(cfg *Config, v any) { cfg.Digest.Hour = v.(int) },
		extract: func(cfg Config) any { return cfg.Digest.Hour },
	},
	{
		key: "transport.webhook_url", typ: kString, env: "AIDE_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Transport.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transport.WebhookURL },
	},
	{
		key: "log.level", typ: kString, env: "AIDE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text into the spec's type.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	case kList:
		var out []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported key type %d", s.typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			if s.typ == kInt {
				return fmt.Errorf("invalid integer for %s: %w", s.key, err)
			}
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
