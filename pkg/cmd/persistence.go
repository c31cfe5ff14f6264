// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/persistence/file"
	"github.com/dukex/flowpilot/pkg/persistence/postgresql"
)

const (
	ProviderFile       = "file"
	ProviderPostgreSQL = "postgresql"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence opens the store named by databaseURL. It panics when the store cannot be opened.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch ParsePersistenceProvider(databaseURL) {
	case ProviderPostgreSQL:
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to open PostgreSQL persistence: %w", err))
		}

		return store
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}

// ParsePersistenceProvider returns the provider for databaseURL. Anything without a known
// scheme is a file store path.
func ParsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ProviderFile
	}

	for _, supported := range supportedPersistenceProviders {
		if scheme != supported {
			continue
		}

		if supported == "file" {
			return ProviderFile
		}

		return ProviderPostgreSQL
	}

	return ProviderFile
}
