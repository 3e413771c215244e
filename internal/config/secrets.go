package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const secretsService = "resolv"

// Secret account names in the secrets file.
const (
	secretAPIToken    = "api_token"
	secretEmbedAPIKey = "embedding_api_key"
	secretGitHubToken = "github_token"
)

var errSecretNotFound = errors.New("secret not found")

// secretsFile keeps secrets in a 0600 JSON file shaped
// {"resolv": {"api_token": "..."}}.
type secretsFile struct {
	path string
}

func newSecretsFile(path string) *secretsFile {
	return &secretsFile{path: path}
}

func (s *secretsFile) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s *secretsFile) Get(account string) (string, error) {
	secrets, err := s.read()
	if os.IsNotExist(err) {
		return "", errSecretNotFound
	}
	if err != nil {
		return "", err
	}
	val, ok := secrets[secretsService][account]
	if !ok || val == "" {
		return "", errSecretNotFound
	}
	return val, nil
}

func (s *secretsFile) Set(account, value string) error {
	secrets, err := s.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
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
