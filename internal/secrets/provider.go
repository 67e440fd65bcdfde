package secrets

import "context"

// CredentialProvider resolves an environment variable name to a decrypted
// value. The Agent Runner uses this to populate its allowlisted subprocess
// environment (provider API keys) without ever holding process-global secrets.
type CredentialProvider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}

// Credential is a single resolved secret value.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// SecretStoreProvider bridges SecretStore into the credential provider chain.
type SecretStoreProvider struct {
	store SecretStore
}

var _ CredentialProvider = (*SecretStoreProvider)(nil)

// NewSecretStoreProvider creates a credential provider backed by the secret store.
func NewSecretStoreProvider(store SecretStore) *SecretStoreProvider {
	return &SecretStoreProvider{store: store}
}

// Name returns the provider name.
func (p *SecretStoreProvider) Name() string {
	return "secret_store"
}

// GetCredential retrieves a credential by env key from the encrypted store.
func (p *SecretStoreProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	value, err := p.store.RevealByEnvKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Credential{
		Key:    key,
		Value:  value,
		Source: "secret_store",
	}, nil
}

// ListAvailable returns all env keys that have stored secrets.
func (p *SecretStoreProvider) ListAvailable(ctx context.Context) ([]string, error) {
	items, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.EnvKey
	}
	return keys, nil
}
