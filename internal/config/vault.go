package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretManager reads deployment secrets (store logins, FTPS credentials,
// project hashing salts) from a Vault KV v2 backend.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager builds a Vault client for the given address and token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and unwraps the v2 "data" envelope.
func (s *SecretManager) GetKV2(path string) (map[string]any, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// UploadCredentials are the destination credentials for one project, stored
// under <base>/<project-slug>.
type UploadCredentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ProjectUploadCredentials reads the per-project destination credentials.
func (s *SecretManager) ProjectUploadCredentials(basePath, projectSlug string) (UploadCredentials, error) {
	data, err := s.GetKV2(basePath + "/" + projectSlug)
	if err != nil {
		return UploadCredentials{}, err
	}
	creds := UploadCredentials{}
	if v, ok := data["host"].(string); ok {
		creds.Host = v
	}
	if v, ok := data["username"].(string); ok {
		creds.Username = v
	}
	if v, ok := data["password"].(string); ok {
		creds.Password = v
	}
	switch v := data["port"].(type) {
	case float64:
		creds.Port = int(v)
	case int:
		creds.Port = v
	}
	if creds.Host == "" || creds.Username == "" {
		return UploadCredentials{}, fmt.Errorf("incomplete upload credentials for %s", projectSlug)
	}
	return creds, nil
}
