package database

import (
	"context"
	"fmt"
	"time"

	"github.com/fitversal/coachchat/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens and verifies a pool for the message store.
func Connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.WithComponent("database")
	log.Info().Int32("max_conns", config.MaxConns).Msg("connected to PostgreSQL")
	return pool, nil
}
