// Package secrets retrieves exchange API credentials from HashiCorp Vault,
// grounded on the teacher's vault.Client (internal/vault/client.go) but
// trimmed from its multi-tenant per-user key store down to the single
// exchange credential pair this single-operator engine needs.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"papertrader/config"
)

// Credentials holds one exchange API key pair.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client wraps the Vault KV client with a read-through cache, so a
// restart-triggered reconnect does not need to round-trip to Vault if the
// process already holds a valid credential in memory.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu       sync.RWMutex
	cached   *Credentials
	hasCache bool
}

// NewClient builds a Vault-backed credential source. When cfg.Enabled is
// false the client still constructs successfully but Get always fails,
// matching the teacher's disabled-vault fallback used in development.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("secrets: create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// Get returns the exchange credentials, reading through Vault's KV v2 path
// on a cache miss.
func (c *Client) Get(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.hasCache {
		cred := *c.cached
		c.mu.RUnlock()
		return &cred, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return nil, fmt.Errorf("secrets: vault disabled and no cached credentials available")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.cfg.KVPath)
	if err != nil {
		return nil, fmt.Errorf("secrets: read vault path %s: %w", c.cfg.KVPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secrets: no secret found at %s", c.cfg.KVPath)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	cred := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if cred.APIKey == "" || cred.SecretKey == "" {
		return nil, fmt.Errorf("secrets: incomplete credential at %s", c.cfg.KVPath)
	}

	c.mu.Lock()
	c.cached = cred
	c.hasCache = true
	c.mu.Unlock()

	out := *cred
	return &out, nil
}

// Invalidate drops the cached credential, forcing the next Get to re-read
// Vault. Used after a credential-rotation signal.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.hasCache = false
	c.cached = nil
	c.mu.Unlock()
}

// Health reports whether Vault is reachable and unsealed.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("secrets: vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("secrets: vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
