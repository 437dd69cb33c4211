package storage

import (
	"fmt"
	"log/slog"
)

// Options selects and configures a backend.
type Options struct {
	// Type is one of "memory", "duckdb" or "postgres".
	Type string
	// Path is the DuckDB file; empty means in-memory.
	Path     string
	Postgres PostgresConfig
}

// New constructs the backend named by opts.Type. Callers must Initialize it.
func New(opts Options, logger *slog.Logger) (CandleStore, error) {
	switch opts.Type {
	case "memory":
		return NewMemoryStorage(), nil
	case "duckdb":
		return NewDuckDBStorage(opts.Path, logger)
	case "postgres", "postgresql", "timescaledb":
		return NewPostgresStorage(opts.Postgres, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", opts.Type)
	}
}
