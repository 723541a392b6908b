// Package db owns the process-wide *sql.DB lifecycle: opening, verifying,
// and closing the connection pool. There is no ambient singleton — callers
// receive the *sql.DB from Open and thread it through explicitly.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to Postgres, verifies the connection with a bounded ping,
// and returns the pool. Callers are responsible for calling Close on
// shutdown.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	slog.Info("database connection established")
	return conn, nil
}

// Close drains and closes the pool, logging any error rather than
// returning it, since it is always called from a shutdown path that has
// no one left to report to.
func Close(conn *sql.DB) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
