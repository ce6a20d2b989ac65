package config

import "strings"

// Environment identifies the runtime environment meetbridge operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StoreBackend selects where jobs, conflicts and mirrors are persisted.
type StoreBackend string

const (
	// StoreMemory keeps state in process; lost on restart.
	StoreMemory StoreBackend = "memory"
	// StorePostgres persists state through pgx.
	StorePostgres StoreBackend = "postgres"
)

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
