// Package secrets resolves "secret://<name>" references found in
// configuration against an external secret store.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

const RefPrefix = "secret://"

var ErrNoProvider = errors.New("secret reference found but SECRETS_PROVIDER is not set")

type Provider interface {
	GetSecret(ctx context.Context, key string) (value string, err error)
}

type Opts struct {
	Provider   string
	VaultAddr  string
	VaultToken string
	VaultPath  string
	AWSRegion  string
}

// New returns nil, nil when no provider is configured.
func New(ctx context.Context, o Opts) (Provider, error) {
	switch strings.ToLower(o.Provider) {
	case "":
		return nil, nil
	case "env":
		return envProvider{}, nil
	case "vault":
		return newVaultProvider(ctx, o)
	case "aws":
		return newAWSProvider(ctx, o)
	}
	return nil, fmt.Errorf("unknown secrets provider %q", o.Provider)
}

func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve returns value unchanged unless it is a secret reference.
func Resolve(ctx context.Context, p Provider, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	if p == nil {
		return "", ErrNoProvider
	}
	key := strings.TrimPrefix(value, RefPrefix)
	if key == "" {
		return "", errors.New("empty secret reference")
	}
	v, err := p.GetSecret(ctx, key)
	if err != nil {
		return "", errors.Wrapf(err, "resolve secret %s", key)
	}
	return v, nil
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context, o Opts) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	if o.VaultAddr != "" {
		cfg.Address = o.VaultAddr
	}
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if o.VaultToken != "" {
		client.SetToken(o.VaultToken)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	path := o.VaultPath
	if path == "" {
		path = "secret/data/hastypaste"
	}
	return &vaultProvider{client: client, secretPath: path}, nil
}
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	sm *secretsmanager.Client
}

func newAWSProvider(ctx context.Context, o Opts) (*awsProvider, error) {
	var opts []func(*config.LoadOptions) error
	if o.AWSRegion != "" {
		opts = append(opts, config.WithRegion(o.AWSRegion))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &awsProvider{sm: secretsmanager.NewFromConfig(cfg)}, nil
}
func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

// envProvider reads the referenced name from the process environment. It is
// meant for local runs and tests.
type envProvider struct{}

func (envProvider) GetSecret(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return v, nil
}
