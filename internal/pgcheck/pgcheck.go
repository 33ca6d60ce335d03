// Package pgcheck verifies that a PostgreSQL connection string is
// usable before it is handed to a tool server.
package pgcheck

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
)

// DefaultTimeout bounds the connect and ping round trip.
const DefaultTimeout = 10 * time.Second

// Result describes a successful check.
type Result struct {
	Host          string
	Port          uint16
	Database      string
	User          string
	ServerVersion string
	Latency       time.Duration
}

// Check parses dsn, connects, pings and reads the server version.
func Check(ctx context.Context, dsn string) (*Result, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", Redact(dsn), err)
	}
	defer conn.Close(context.Background())

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	res := &Result{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		User:     cfg.User,
		Latency:  time.Since(start),
	}
	if err := conn.QueryRow(ctx, "SHOW server_version").Scan(&res.ServerVersion); err != nil {
		return nil, fmt.Errorf("query server version: %w", err)
	}
	return res, nil
}

// Redact replaces the password in a URL-form connection string.
// Strings that do not parse as URLs are returned as "<redacted>".
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "<redacted>"
	}
	return u.Redacted()
}
