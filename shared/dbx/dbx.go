// Package dbx builds the pgx pool all repos share.
package dbx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shipping-ndr-rto-resolution-system/shared/config"
)

func NewPool(cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pc.MinConns = int32(cfg.DBMinConns)
	pc.MaxConns = int32(cfg.DBMaxConns)
	pc.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	pc.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second
	return pgxpool.NewWithConfig(context.Background(), pc)
}

// Ping runs a real query rather than pool.Ping so /readyz exercises the
// same path the repos do.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("db pool is nil")
	}
	var one int
	return pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}
