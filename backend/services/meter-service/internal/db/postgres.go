package db

import (
	"context"
	"database/sql"
	"fmt"

	libdb "github.com/theb0imanuu/ramani/backend/libs/db"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/config"
)

// NewPostgres opens the meter database with the pool settings from cfg.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := libdb.NewPostgresDB(ctx, libdb.Options{
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		PingTimeout:  cfg.PingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect postgres: %w", err)
	}
	return db, nil
}
