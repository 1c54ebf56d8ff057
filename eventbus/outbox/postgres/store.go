package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	libOpentelemetry "github.com/LerianStudio/lib-eventbus/eventbus/opentelemetry"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrNotConnected       = errors.New("postgres connection is not established")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

var (
	_ outbox.Store         = (*Store)(nil)
	_ outbox.ProcessingLog = (*Store)(nil)
)

// TenantResolver scopes a transaction to a tenant, typically for row level security.
type TenantResolver interface {
	ApplyTenant(ctx context.Context, tx *sql.Tx, tenantID string) error
}

// SessionTenantResolver sets a transaction-local configuration parameter
// holding the tenant ID.
type SessionTenantResolver struct {
	Setting string
}

// ApplyTenant runs set_config(setting, tenantID, true). Empty tenants are skipped.
func (r SessionTenantResolver) ApplyTenant(ctx context.Context, tx *sql.Tx, tenantID string) error {
	if tenantID == "" {
		return nil
	}

	setting := r.Setting
	if setting == "" {
		setting = "app.current_tenant"
	}

	if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, setting, tenantID); err != nil {
		return fmt.Errorf("set tenant: %w", err)
	}

	return nil
}

// Store is a PostgreSQL-backed outbox.Store and outbox.ProcessingLog.
type Store struct {
	conn               *Connection
	tenantResolver     TenantResolver
	logger             libLog.Logger
	tracer             trace.Tracer
	now                func() time.Time
	schema             string
	transactionTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger libLog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer used for store spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock overrides the time source used for claims and schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchema qualifies every table with schema. It defaults to the schema
// of the connection.
func WithSchema(schema string) Option {
	return func(s *Store) {
		s.schema = strings.TrimSpace(schema)
	}
}

// WithTenantResolver applies tenant scoping to every write transaction.
func WithTenantResolver(resolver TenantResolver) Option {
	return func(s *Store) {
		if resolver != nil {
			s.tenantResolver = resolver
		}
	}
}

// WithTransactionTimeout bounds transactions started without a deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.transactionTimeout = timeout
		}
	}
}

// NewStore builds a store on conn.
func NewStore(conn *Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		conn:               conn,
		logger:             libLog.NewNop(),
		tracer:             otel.Tracer("eventbus.outbox.postgres"),
		now:                func() time.Time { return time.Now().UTC() },
		transactionTimeout: defaultTransactionTimeout,
	}

	store.schema = conn.Schema()

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if store.schema != "" {
		if err := validateIdentifier(store.schema); err != nil {
			return nil, err
		}
	}

	return store, nil
}

func (s *Store) table(name string) string {
	if s.schema == "" {
		return quoteIdentifier(name)
	}

	return quoteIdentifier(s.schema) + "." + quoteIdentifier(name)
}

func (s *Store) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "postgres."+name)
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s == nil || s.conn == nil {
		return ErrConnectionRequired
	}

	return nil
}

// withTxOrExisting runs fn inside tx when given, otherwise inside a new
// primary transaction scoped to tenantID.
func withTxOrExisting[T any](ctx context.Context, s *Store, tx *sql.Tx, tenantID string, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	if tx != nil {
		if s.tenantResolver != nil {
			if err := s.tenantResolver.ApplyTenant(ctx, tx, tenantID); err != nil {
				return zero, fmt.Errorf("failed to apply tenant: %w", err)
			}
		}

		return fn(tx)
	}

	primary, err := s.conn.Primary()
	if err != nil {
		return zero, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.transactionTimeout)
		defer cancel()
	}

	ownTx, err := primary.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = ownTx.Rollback()
	}()

	if s.tenantResolver != nil {
		if err := s.tenantResolver.ApplyTenant(ctx, ownTx, tenantID); err != nil {
			return zero, fmt.Errorf("failed to apply tenant: %w", err)
		}
	}

	result, err := fn(ownTx)
	if err != nil {
		return zero, err
	}

	if err := ownTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (s *Store) logSanitizedError(ctx context.Context, msg string, err error) {
	libLog.SafeError(s.logger, ctx, msg, err, true)
}

func validateIdentifier(identifier string) error {
	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func ensureRowsAffected(result sql.Result, target string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrStateTransitionConflict, target)
	}

	return nil
}

func handleSpanError(span trace.Span, msg string, err error) error {
	if err != nil && !errors.Is(err, outbox.ErrStateTransitionConflict) {
		libOpentelemetry.HandleSpanError(span, msg, err)
	}

	return err
}

func tenantFromContext(ctx context.Context) string {
	tenantID, _ := outbox.TenantIDFromContext(ctx)

	return tenantID
}
