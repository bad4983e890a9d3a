package config

import "strings"

// Environment identifies the runtime environment where the engine operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

func normalizeExchangeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
