package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// VaultOption configures the Vault client.
type VaultOption func(*Vault)

// WithMount sets the KV v2 mount path. Default "secret".
func WithMount(mount string) VaultOption {
	return func(v *Vault) { v.mount = mount }
}

// WithCacheTTL sets how long resolved secrets are cached.
func WithCacheTTL(d time.Duration) VaultOption {
	return func(v *Vault) { v.cacheTTL = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) VaultOption {
	return func(v *Vault) { v.client = c }
}

// Vault reads secrets from a Vault KV v2 mount. Reads are cached so that
// repeated resolution of the same reference does not hammer the server.
type Vault struct {
	addr     string
	token    string
	mount    string
	cacheTTL time.Duration
	client   *http.Client

	mu    sync.RWMutex
	cache map[string]vaultEntry
}

type vaultEntry struct {
	value   string
	expires time.Time
}

// NewVault creates a Vault client for the server at addr.
func NewVault(addr, token string, opts ...VaultOption) *Vault {
	v := &Vault{
		addr:     strings.TrimRight(addr, "/"),
		token:    token,
		mount:    "secret",
		cacheTTL: 5 * time.Minute,
		client:   &http.Client{Timeout: 10 * time.Second},
		cache:    make(map[string]vaultEntry),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Read fetches the secret at "path#key". The key defaults to "value"
// when the reference carries none.
func (v *Vault) Read(ctx context.Context, ref string) (string, error) {
	path, key := ref, "value"
	if idx := strings.Index(ref, "#"); idx >= 0 {
		path, key = ref[:idx], ref[idx+1:]
	}

	cacheKey := path + "#" + key
	v.mu.RLock()
	if ent, ok := v.cache[cacheKey]; ok && time.Now().Before(ent.expires) {
		v.mu.RUnlock()
		return ent.value, nil
	}
	v.mu.RUnlock()

	value, err := v.fetch(ctx, path, key)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.cache[cacheKey] = vaultEntry{value: value, expires: time.Now().Add(v.cacheTTL)}
	v.mu.Unlock()
	return value, nil
}

func (v *Vault) fetch(ctx context.Context, path, key string) (string, error) {
	// KV v2 read: GET /v1/{mount}/data/{path}
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.addr, v.mount, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read vault response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault read %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse vault response: %w", err)
	}

	raw, ok := payload.Data.Data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret %s", key, path)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault key %q at %s is not a string", key, path)
	}
	return s, nil
}
