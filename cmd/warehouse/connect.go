package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq" // registers the postgres driver, which Redshift speaks as well
)

// DatabaseConfig describes a warehouse connection
type DatabaseConfig struct {
	Type             string
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	StatementTimeout int // seconds, 0 = no timeout
	MaxOpenConns     int
	MaxRetries       int // extra connection attempts after a connection error
	RetryDelay       int // seconds between connection attempts
}

// isConnectionError checks if an error is due to a closed or broken database connection
func isConnectionError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "bad connection") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "sql: database is closed")
}

// DSN renders a lib/pq keyword/value connection string. statement_timeout is a Postgres
// startup parameter only.
func (c DatabaseConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSNValue(c.Host), c.Port, quoteDSNValue(c.User), quoteDSNValue(c.Password),
		quoteDSNValue(c.Name), quoteDSNValue(sslMode))
	if c.StatementTimeout > 0 && !strings.EqualFold(c.Type, DialectRedshift) {
		dsn += fmt.Sprintf(" statement_timeout=%d", c.StatementTimeout*1000)
	}
	return dsn
}

// dsnEscaper escapes the two characters lib/pq treats specially inside a quoted value
var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// quoteDSNValue single-quotes v for a keyword/value connection string
func quoteDSNValue(v string) string {
	return "'" + dsnEscaper.Replace(v) + "'"
}

// Conn pairs a connection pool with the adapter for its dialect. It is passed explicitly to
// the diff engine so several runs against different warehouses can share one process.
type Conn struct {
	DB      *sql.DB
	Adapter Adapter
}

// NewConn wraps an existing pool
func NewConn(db *sql.DB, adapter Adapter) *Conn {
	return &Conn{DB: db, Adapter: adapter}
}

// Close closes the underlying pool
func (c *Conn) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Open connects to the warehouse described by cfg and verifies the session
func Open(ctx context.Context, cfg DatabaseConfig, logger *slog.Logger) (*Conn, error) {
	adapter, err := GetAdapter(cfg.Type)
	if err != nil {
		return nil, err
	}

	logger.Debug(fmt.Sprintf("Connecting to %s: host=%s port=%d user=%s password=*** dbname=%s",
		adapter.Name(), cfg.Host, cfg.Port, cfg.User, cfg.Name))

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := ping(ctx, db, cfg, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Verify we're connected to the correct database
	var currentDB string
	if err := db.QueryRowContext(ctx, "SELECT current_database()").Scan(&currentDB); err == nil {
		if currentDB != cfg.Name {
			db.Close()
			return nil, fmt.Errorf("connected to database '%s' but expected '%s'; check that user '%s' may connect to it", currentDB, cfg.Name, cfg.User)
		}
	}

	return NewConn(db, adapter), nil
}

// ping verifies the connection, retrying connection errors up to cfg.MaxRetries times
func ping(ctx context.Context, db *sql.DB, cfg DatabaseConfig, logger *slog.Logger) error {
	delay := time.Duration(cfg.RetryDelay) * time.Second
	for attempt := 0; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil || attempt >= cfg.MaxRetries || !isConnectionError(err) {
			return err
		}

		logger.Warn(fmt.Sprintf("⚠️  Connection attempt %d/%d failed: %v", attempt+1, cfg.MaxRetries+1, err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
