package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// Secrets holds the credentials the trader needs at runtime. They are
// never part of Config so they cannot leak through config dumps or logs.
type Secrets struct {
	ExchangeAPIKey    string
	ExchangeSecretKey string
	AdvisorAPIKey     string
}

// Placeholder values that must never reach a live trading session.
var commonPlaceholders = []string{
	"changeme",
	"your_api_key",
	"your_secret",
	"test",
	"example",
	"sample",
	"demo",
	"default",
	"secret",
	"password",
}

// LoadSecrets resolves credentials from environment variables, then
// overlays anything found in Vault when Vault integration is enabled.
// Database and Redis passwords loaded from Vault are written back into
// cfg directly.
func LoadSecrets(ctx context.Context, cfg *Config) (*Secrets, error) {
	secrets := &Secrets{
		ExchangeAPIKey:    os.Getenv("PERPCORE_EXCHANGE_API_KEY"),
		ExchangeSecretKey: os.Getenv("PERPCORE_EXCHANGE_SECRET_KEY"),
		AdvisorAPIKey:     os.Getenv("PERPCORE_ADVISOR_API_KEY"),
	}

	vaultCfg := GetVaultConfigFromEnv()
	if vaultCfg.Enabled {
		if err := loadSecretsFromVault(ctx, cfg, secrets, vaultCfg); err != nil {
			return nil, err
		}
	} else {
		log.Info().Msg("Vault integration disabled - using environment variables for secrets")
	}

	return secrets, nil
}

// ValidateForLiveTrading rejects missing or placeholder exchange
// credentials. Paper trading needs no credentials and skips this check.
func (s *Secrets) ValidateForLiveTrading() error {
	if err := checkSecret(s.ExchangeAPIKey, "exchange API key"); err != nil {
		return err
	}
	if err := checkSecret(s.ExchangeSecretKey, "exchange secret key"); err != nil {
		return err
	}
	return nil
}

func checkSecret(secret, name string) error {
	if secret == "" {
		return fmt.Errorf("%s is not set", name)
	}
	lower := strings.ToLower(secret)
	for _, placeholder := range commonPlaceholders {
		if lower == placeholder || strings.Contains(lower, placeholder) {
			return fmt.Errorf("%s appears to be a placeholder value", name)
		}
	}
	if len(secret) < 10 {
		return fmt.Errorf("%s is too short to be a real credential", name)
	}
	return nil
}

// VaultConfig holds Vault connection configuration.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	AuthMethod string // "token", "kubernetes", "approle"
	MountPath  string
	SecretPath string
	Namespace  string // Vault Enterprise only
}

// GetVaultConfigFromEnv creates VaultConfig from environment variables.
func GetVaultConfigFromEnv() VaultConfig {
	if os.Getenv("VAULT_ENABLED") != "true" {
		return VaultConfig{Enabled: false}
	}

	return VaultConfig{
		Enabled:    true,
		Address:    getEnvOrDefault("VAULT_ADDR", "http://localhost:8200"),
		Token:      os.Getenv("VAULT_TOKEN"),
		AuthMethod: getEnvOrDefault("VAULT_AUTH_METHOD", "token"),
		MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
		SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "perpcore/production"),
		Namespace:  os.Getenv("VAULT_NAMESPACE"),
	}
}

// VaultClient wraps the HashiCorp Vault client for secrets retrieval.
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates an authenticated Vault client.
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			cfg.Token = os.Getenv("VAULT_TOKEN")
		}
		if cfg.Token == "" {
			return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
		}
		client.SetToken(cfg.Token)

	case "kubernetes":
		if err := authenticateKubernetes(client); err != nil {
			return nil, fmt.Errorf("kubernetes authentication failed: %w", err)
		}

	case "approle":
		if err := authenticateAppRole(client); err != nil {
			return nil, fmt.Errorf("AppRole authentication failed: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported Vault auth method: %s", cfg.AuthMethod)
	}

	log.Info().
		Str("address", cfg.Address).
		Str("auth_method", cfg.AuthMethod).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret retrieves a secret map from Vault. path is relative to the
// configured SecretPath.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests the payload under "data"; KV v1 returns it directly.
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// GetSecretString retrieves a single string value from Vault.
func (vc *VaultClient) GetSecretString(ctx context.Context, path, key string) (string, error) {
	data, err := vc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}

	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret key %q not found or not a string at path: %s", key, path)
	}
	return value, nil
}

func loadSecretsFromVault(ctx context.Context, cfg *Config, secrets *Secrets, vaultCfg VaultConfig) error {
	log.Info().Msg("Loading secrets from HashiCorp Vault")

	vc, err := NewVaultClient(vaultCfg)
	if err != nil {
		return fmt.Errorf("failed to create Vault client: %w", err)
	}

	if data, err := vc.GetSecret(ctx, "database"); err == nil {
		if password, ok := data["password"].(string); ok && password != "" {
			cfg.Database.Password = password
		}
		if user, ok := data["user"].(string); ok && user != "" {
			cfg.Database.User = user
		}
	} else {
		log.Warn().Err(err).Msg("Failed to load database secrets from Vault")
	}

	if data, err := vc.GetSecret(ctx, "redis"); err == nil {
		if password, ok := data["password"].(string); ok && password != "" {
			cfg.Redis.Password = password
		}
	} else {
		log.Warn().Err(err).Msg("Failed to load Redis secrets from Vault")
	}

	path := fmt.Sprintf("exchanges/%s", cfg.Exchange.Name)
	if data, err := vc.GetSecret(ctx, path); err == nil {
		if apiKey, ok := data["api_key"].(string); ok && apiKey != "" {
			secrets.ExchangeAPIKey = apiKey
		}
		if secretKey, ok := data["secret_key"].(string); ok && secretKey != "" {
			secrets.ExchangeSecretKey = secretKey
		}
		log.Info().Str("exchange", cfg.Exchange.Name).Msg("Loaded exchange API keys from Vault")
	} else {
		log.Warn().Str("exchange", cfg.Exchange.Name).Err(err).Msg("Failed to load exchange secrets from Vault")
	}

	if data, err := vc.GetSecret(ctx, "advisor"); err == nil {
		if apiKey, ok := data["api_key"].(string); ok && apiKey != "" {
			secrets.AdvisorAPIKey = apiKey
		}
	} else {
		log.Warn().Err(err).Msg("Failed to load advisor secrets from Vault")
	}

	return nil
}

func authenticateKubernetes(client *vault.Client) error {
	jwt, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/token")
	if err != nil {
		return fmt.Errorf("failed to read service account token: %w", err)
	}

	role := getEnvOrDefault("VAULT_K8S_ROLE", "perpcore")

	secret, err := client.Logical().Write("auth/kubernetes/login", map[string]interface{}{
		"jwt":  string(jwt),
		"role": role,
	})
	if err != nil {
		return fmt.Errorf("failed to login with Kubernetes auth: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("kubernetes authentication returned no token")
	}

	client.SetToken(secret.Auth.ClientToken)
	return nil
}

func authenticateAppRole(client *vault.Client) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set for AppRole authentication")
	}

	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("AppRole authentication returned no token")
	}

	client.SetToken(secret.Auth.ClientToken)
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
