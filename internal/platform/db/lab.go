package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	LabIDKey  contextKey = "lab_id"
	DBConnKey contextKey = "db_conn"

	// LabHeader selects the lab schema when the token carries no lab claim.
	LabHeader = "X-Lab-ID"
)

var labIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaFor returns the schema name that holds a lab's data.
func SchemaFor(labID string) string {
	return "lab_" + labID
}

// LabMiddleware acquires a connection per request and points its search_path
// at the caller's lab schema. Repositories pick the connection up through
// ConnFromContext.
func LabMiddleware(pool *pgxpool.Pool, defaultLab string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			labID := extractLabID(c, defaultLab)

			if !labIDPattern.MatchString(labID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid lab identifier")
			}

			ctx, release, err := WithLab(c.Request().Context(), pool, labID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "lab resolution failed")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("lab_id", labID)

			return next(c)
		}
	}
}

// WithLab acquires a connection scoped to labID's schema and returns a
// context carrying it. The caller must call release.
func WithLab(ctx context.Context, pool *pgxpool.Pool, labID string) (context.Context, func(), error) {
	if !labIDPattern.MatchString(labID) {
		return ctx, func() {}, fmt.Errorf("invalid lab identifier: %s", labID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaFor(labID))); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path for %s: %w", labID, err)
	}
	ctx = context.WithValue(ctx, LabIDKey, labID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

func extractLabID(c echo.Context, defaultLab string) string {
	if lid, ok := c.Get("jwt_lab_id").(string); ok && lid != "" {
		return lid
	}
	if lid := c.Request().Header.Get(LabHeader); lid != "" {
		return lid
	}
	return defaultLab
}

// ConnFromContext retrieves the lab-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// LabFromContext retrieves the lab ID from context.
func LabFromContext(ctx context.Context) string {
	lid, _ := ctx.Value(LabIDKey).(string)
	return lid
}

// CreateLabSchema creates the schema for a lab and applies every migration in
// migrations to it. A nil migrations skips the migration step.
func CreateLabSchema(ctx context.Context, pool *pgxpool.Pool, labID string, migrations fs.FS) error {
	if !labIDPattern.MatchString(labID) {
		return fmt.Errorf("invalid lab identifier: %s", labID)
	}

	schema := SchemaFor(labID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
