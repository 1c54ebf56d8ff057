package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox/postgres/migrations"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config describes the primary and optional read replica.
type Config struct {
	PrimaryDSN         string
	ReplicaDSN         string
	MaxOpenConnections int
	MaxIdleConnections int
	// Schema receives the migrated tables when set; it is created if missing.
	Schema         string
	SkipMigrations bool
	Logger         libLog.Logger
}

// Connection owns the primary/replica pools behind a dbresolver.
// Writes and transactions go to the primary; plain queries may use the replica.
type Connection struct {
	cfg      Config
	mu       sync.RWMutex
	primary  *sql.DB
	resolver dbresolver.DB
}

// NewConnection validates cfg. Call Connect before use.
func NewConnection(cfg Config) (*Connection, error) {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, ErrConnectionRequired
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	cfg.Schema = strings.TrimSpace(cfg.Schema)
	if cfg.Schema != "" {
		if err := validateIdentifier(cfg.Schema); err != nil {
			return nil, err
		}
	}

	cfg.Logger = libLog.OrNop(cfg.Logger)

	return &Connection{cfg: cfg}, nil
}

// Connect opens both pools, runs migrations on the primary and pings.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return nil
	}

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()
		return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if !c.cfg.SkipMigrations {
		if err := runMigrations(ctx, primary, c.cfg.Schema, c.cfg.Logger); err != nil {
			_ = resolver.Close()
			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()
		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	c.primary = primary
	c.resolver = resolver

	c.cfg.Logger.Log(ctx, libLog.LevelInfo, "connected to postgres")

	return nil
}

func (c *Connection) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Schema returns the schema the connection migrates into, empty for the
// connection default.
func (c *Connection) Schema() string {
	return c.cfg.Schema
}

// Primary returns the primary pool.
func (c *Connection) Primary() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// Resolver returns the primary/replica resolver.
func (c *Connection) Resolver() (dbresolver.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Close releases both pools.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.primary = nil

	return err
}

func runMigrations(ctx context.Context, primary *sql.DB, schema string, logger libLog.Logger) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load postgres migrations: %w", err)
	}

	cfg := &migratepostgres.Config{MigrationsTable: "eventbus_schema_migrations"}

	var driver database.Driver

	if schema == "" {
		driver, err = migratepostgres.WithInstance(primary, cfg)
		if err != nil {
			return fmt.Errorf("failed to create postgres driver instance: %w", err)
		}
	} else {
		conn, err := schemaConn(ctx, primary, schema)
		if err != nil {
			return err
		}

		defer func() {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), `RESET search_path`)
			_ = conn.Close()
		}()

		cfg.SchemaName = schema

		driver, err = migratepostgres.WithConnection(ctx, conn, cfg)
		if err != nil {
			return fmt.Errorf("failed to create postgres driver instance: %w", err)
		}
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, libLog.LevelDebug, "no new eventbus migrations", libLog.String("schema", schema))
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// schemaConn pins one pooled connection whose search_path points at schema,
// so the unqualified migration statements create their tables there.
func schemaConn(ctx context.Context, primary *sql.DB, schema string) (*sql.Conn, error) {
	conn, err := primary.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire migration connection: %s", sanitizeSensitiveError(err))
	}

	if _, err := conn.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoteIdentifier(schema)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create schema %s: %w", schema, err)
	}

	if _, err := conn.ExecContext(ctx, `SET search_path TO `+quoteIdentifier(schema)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set search_path to %s: %w", schema, err)
	}

	return conn, nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	msg := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(msg, "${1}***")
}
