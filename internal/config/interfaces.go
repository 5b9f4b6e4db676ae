package config

import "context"

// SecretProvider resolves secret values by key. SSMProvider serves deployed
// environments and EnvVarProvider serves local runs.
type SecretProvider interface {
	// GetParametersBatch returns key -> plaintext for every key it could
	// resolve.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

var (
	_ SecretProvider = (*SSMProvider)(nil)
	_ SecretProvider = (*EnvVarProvider)(nil)
)

// NewSecretProvider picks the provider for appEnv.
func NewSecretProvider(appEnv, region, endpoint string) SecretProvider {
	if appEnv == "" || appEnv == localEnv {
		return NewEnvVarProvider()
	}
	return NewSSMProvider(region, endpoint)
}
