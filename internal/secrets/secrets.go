// Package secrets resolves secret references in configuration values and
// keeps the resolved values out of log output.
//
// A config value is either a literal, used as-is, or a reference:
//
//	env(ANTHROPIC_API_KEY)       read from the environment
//	vault(ai/anthropic#api_key)  read from a Vault KV v2 mount
//
// Vault references work when VAULT_ADDR and VAULT_TOKEN are set.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Resolver turns config values into usable secrets. The zero value
// resolves literals and env() references; Vault support is attached by
// FromEnv when the environment configures it.
type Resolver struct {
	vault *Vault
}

// FromEnv builds the standard resolver. Literals pass through, env()
// references read the environment, and vault() references are served by
// a Vault client when VAULT_ADDR is set.
func FromEnv() *Resolver {
	r := &Resolver{}
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		r.vault = NewVault(addr, os.Getenv("VAULT_TOKEN"))
	}
	return r
}

// Resolve returns the secret a config value names. Values that are not
// references are returned unchanged, so callers can pass every config
// field through without caring which ones use references.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "env("):
		name, err := refBody(value, "env(")
		if err != nil {
			return "", err
		}
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", name)
		}
		return v, nil

	case strings.HasPrefix(value, "vault("):
		ref, err := refBody(value, "vault(")
		if err != nil {
			return "", err
		}
		if r.vault == nil {
			return "", fmt.Errorf("vault reference %q used but VAULT_ADDR is not set", value)
		}
		return r.vault.Read(ctx, ref)

	default:
		return value, nil
	}
}

func refBody(value, prefix string) (string, error) {
	if !strings.HasSuffix(value, ")") {
		return "", fmt.Errorf("malformed secret reference %q", value)
	}
	return value[len(prefix) : len(value)-1], nil
}
