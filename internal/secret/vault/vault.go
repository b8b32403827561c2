// Package vault reads secrets from HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Config holds connection and login settings for Vault.
type Config struct {
	Address    string
	AuthMethod string // "token", "approle"
	Token      string
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
}

// Source resolves vault:// references of the form "path/to/secret#field".
// When the field is omitted it defaults to "value".
type Source struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New logs into Vault and starts the token renewer.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address
	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	s := &Source{client: client, logger: logger, stopCh: make(chan struct{})}

	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			return nil, fmt.Errorf("vault token auth requires a token")
		}
		client.SetToken(cfg.Token)
	case "approle":
		login, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if login == nil || login.Auth == nil {
			return nil, fmt.Errorf("vault login returned no auth info")
		}
		client.SetToken(login.Auth.ClientToken)
		s.wg.Add(1)
		go s.renewToken(login.Auth)
	default:
		return nil, fmt.Errorf("unknown vault auth method %q", cfg.AuthMethod)
	}

	return s, nil
}

// Get reads one field of a Vault secret, unwrapping KV v2 data envelopes.
func (s *Source) Get(ctx context.Context, path string) (string, error) {
	secretPath := path
	field := "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath = path[:idx]
		field = path[idx+1:]
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("field %q not found in vault secret %q", field, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (s *Source) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *Source) renewToken(auth *vault.SecretAuth) {
	defer s.wg.Done()
	if !auth.Renewable {
		return
	}

	watcher, err := s.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		s.logger.Error("vault lifetime watcher init failed", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				s.logger.Error("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
		}
	}
}
