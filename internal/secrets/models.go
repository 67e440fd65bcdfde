package secrets

import "time"

// SecretCategory classifies what a stored secret is used for, so the
// credential provider chain and the reviewer/runner config can filter to
// just the kind they need (e.g. only provider API keys for the sandboxed
// subprocess environment).
type SecretCategory string

const (
	CategoryProviderAPIKey SecretCategory = "provider_api_key"
	CategoryOAuthToken     SecretCategory = "oauth_token"
	CategoryWebhookSecret  SecretCategory = "webhook_secret"
	CategoryCustom         SecretCategory = "custom"
)

// ValidCategories is the set of categories accepted on create/update.
var ValidCategories = map[SecretCategory]bool{
	CategoryProviderAPIKey: true,
	CategoryOAuthToken:     true,
	CategoryWebhookSecret:  true,
	CategoryCustom:         true,
}

// Secret represents stored secret metadata (without the value).
type Secret struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	EnvKey    string            `json:"env_key" db:"env_key"`
	Category  SecretCategory    `json:"category" db:"category"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// SecretWithValue is used for create/update operations.
type SecretWithValue struct {
	Secret
	Value string `json:"value,omitempty"`
}

// SecretListItem is returned by list endpoints — never contains the value.
type SecretListItem struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	EnvKey    string            `json:"env_key" db:"env_key"`
	Category  SecretCategory    `json:"category" db:"category"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"-"`
	HasValue  bool              `json:"has_value" db:"has_value"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// CreateSecretRequest is the request body for creating a secret.
type CreateSecretRequest struct {
	Name     string            `json:"name"`
	EnvKey   string             `json:"env_key"`
	Category SecretCategory     `json:"category,omitempty"`
	Value    string            `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UpdateSecretRequest is the request body for updating a secret.
type UpdateSecretRequest struct {
	Name     *string            `json:"name,omitempty"`
	Category *SecretCategory    `json:"category,omitempty"`
	Value    *string            `json:"value,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RevealSecretResponse is returned by the reveal endpoint.
type RevealSecretResponse struct {
	Value string `json:"value"`
}
