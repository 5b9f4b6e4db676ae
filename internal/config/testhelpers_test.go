package config

import (
	"context"
	"os"
	"testing"
)

// relayEnvKeys lists every variable the loader reads.
var relayEnvKeys = []string{
	"APP_ENV", "LOG_LEVEL", "LOG_FORMAT", "VERBOSE",
	"BACKEND_URL", "BACKEND_INDEX", "BACKEND_DOC_TYPE", "BACKEND_USERNAME",
	"BACKEND_PASSWORD", "BACKEND_MAX_CONNS",
	"LISTEN_ADDR", "LISTEN_PORT", "MAX_IN_FLIGHT", "DRAIN_TIMEOUT", "MAX_MESSAGE_BYTES",
	"REQUEST_TIMEOUT", "MAX_ATTEMPTS", "BACKOFF_WINDOW", "BREAKER_FAILURES", "BREAKER_COOLDOWN",
	"INSTANCE_ID", "INSTANCE_IP", "OPS_PORT",
	"AWS_REGION", "DROP_QUEUE_URL", "AWS_ENDPOINT_URL",
	"METRICS_ENABLED", "METRIC_NAMESPACE",
	"BACKEND_PASSWORD_SSM_PARAM", "BACKEND_USERNAME_SSM_PARAM",
}

// clearRelayEnv unsets every relay variable for the duration of the test.
// t.Setenv registers the restore before the unset.
func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// testDeps returns loader dependencies that never read a dotenv file and
// route injected secrets through t.Setenv.
func testDeps(t *testing.T) loaderDeps {
	t.Helper()
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv: func(key, value string) error {
			t.Setenv(key, value)
			return nil
		},
		environ:    os.Environ,
		loadDotenv: func(...string) error { return nil },
	}
}

// testSecretProvider is a configurable SecretProvider for SSM resolution.
type testSecretProvider struct {
	values     map[string]string
	err        error
	calledWith []string
	callCount  int
}

func (p *testSecretProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.callCount++
	p.calledWith = append(p.calledWith, keys...)
	if p.err != nil {
		return nil, p.err
	}
	result := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}
