package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolOptions sizes the database/sql pool.
type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	return OpenWithPool(ctx, databaseURL, PoolOptions{MaxOpenConns: 20, MaxIdleConns: 10})
}

func OpenWithPool(ctx context.Context, databaseURL string, opts PoolOptions) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// WaitForDB retries Open until the database answers or ctx ends. Containers
// start the API before Postgres accepts connections.
func WaitForDB(ctx context.Context, databaseURL string, opts PoolOptions) (*sql.DB, error) {
	delay := 500 * time.Millisecond
	for {
		db, err := OpenWithPool(ctx, databaseURL, opts)
		if err == nil {
			return db, nil
		}
		log.Printf("database not ready: %v (retrying in %s)", err, delay)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for db: %w", err)
		case <-time.After(delay):
		}
		if delay < 5*time.Second {
			delay *= 2
		}
	}
}
