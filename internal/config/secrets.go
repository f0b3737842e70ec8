package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Secret accounts in the secrets file.
const (
	SecretAPIToken = "api_token"
	SecretLLMKey   = "llm_api_key"
)

const secretsService = "aide"

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "aide", "secrets.json")
}

// secretsFile reads {"aide": {"<account>": "<value>"}} from a 0600 file.
type secretsFile struct {
	path string
}

func (s secretsFile) Get(account string) (string, error) {
	all, err := s.read()
	if err != nil {
		return "", err
	}
	val, ok := all[secretsService][account]
	if !ok {
		return "", fmt.Errorf("secret %q not found", account)
	}
	return val, nil
}

func (s secretsFile) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("secrets not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s secretsFile) Set(account, value string) error {
	secrets, err := s.read()
	if err != nil || secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[secretsService] == nil {
		secrets[secretsService] = make(map[string]string)
	}
	secrets[secretsService][account] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// SetSecret stores a secret for account in the secrets file.
func SetSecret(account, value string) error {
	switch account {
	case SecretAPIToken, SecretLLMKey:
	default:
		return fmt.Errorf("unknown secret %q (want %s or %s)", account, SecretAPIToken, SecretLLMKey)
	}
	return secretsFile{path: secretsFilePath()}.Set(account, value)
}

func applySecrets(cfg *Config, s secretStore) {
	if v, err := s.Get(SecretAPIToken); err == nil && v != "" {
		cfg.Server.APIToken = v
	}
	if v, err := s.Get(SecretLLMKey); err == nil && v != "" {
		cfg.LLM.APIKey = v
	}
}
