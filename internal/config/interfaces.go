package config

import "context"

// SecretProvider resolves secret values by path: AWS SSM Parameter Store in
// deployed environments, plain environment variables locally.
type SecretProvider interface {
	// GetParametersBatch returns a map of key -> plaintext value for every key
	// it could resolve. Missing keys are omitted rather than reported.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
