package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/ehr/radiology/internal/platform/auth"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaFor returns the Postgres schema that holds a tenant's governance tables.
func SchemaFor(tenantID string) string {
	return fmt.Sprintf("tenant_%s", tenantID)
}

// TenantMiddleware pins one pooled connection to the request and points its
// search_path at the tenant schema. Repositories pick it up through
// ConnFromContext.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := resolveTenant(c, defaultTenant)
			if err != nil {
				return err
			}

			var handlerErr error
			err = WithTenantConn(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("tenant_id", tenantID)
				handlerErr = next(c)
				return nil
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			return handlerErr
		}
	}
}

// TenantContext resolves the tenant like TenantMiddleware but holds no
// connection. Used for long-lived requests such as the live feed.
func TenantContext(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := resolveTenant(c, defaultTenant)
			if err != nil {
				return err
			}
			c.Set("tenant_id", tenantID)
			c.SetRequest(c.Request().WithContext(WithTenant(c.Request().Context(), tenantID)))
			return next(c)
		}
	}
}

// WithTenantConn acquires a connection, points its search_path at the tenant
// schema and runs fn with a context carrying both. The search_path is reset
// before the connection returns to the pool.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaFor(tenantID))); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	defer conn.Exec(context.Background(), "RESET search_path")

	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

// resolveTenant picks the tenant from the verified token claim, then the
// X-Tenant-ID header, then the tenant_id query parameter (browsers cannot set
// headers on a websocket upgrade). A token-bound tenant cannot be overridden.
func resolveTenant(c echo.Context, defaultTenant string) (string, error) {
	tenantID := defaultTenant
	if tid, _ := c.Get(auth.TenantClaimKey).(string); tid != "" {
		tenantID = tid
	} else if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		tenantID = tid
	} else if tid := c.QueryParam("tenant_id"); tid != "" {
		tenantID = tid
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
	}
	return tenantID, nil
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// WithTenant returns a context carrying tenantID. Used by the CLI, which has no
// request to derive the tenant from.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// CreateTenantSchema creates the schema for a tenant and, when migrations is
// non-nil, applies every pending migration to it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	schema := SchemaFor(tenantID)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema))
	if err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}
