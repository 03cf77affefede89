package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
)

// AuditEntry records one mutating call against the workflow API: who drove
// which stage, sample or item, and how it ended.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	LabID      string
	Resource   string
	EntityID   string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries. Recording failures never fail the
// request.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating /api/v1 request after it completes. Reads are
// not audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditable(req.Method, path) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Method:     req.Method,
				Path:       path,
				IPAddress:  c.RealIP(),
				StatusCode: statusOf(c, err),
				Timestamp:  time.Now().UTC(),
			}
			entry.LabID, _ = c.Get("jwt_lab_id").(string)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Resource, entry.EntityID, entry.Action = describe(path)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("lab_id", entry.LabID).
				Str("resource", entry.Resource).
				Str("entity_id", entry.EntityID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("workflow_mutation")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// describe splits /api/v1/<resource>/<id>/<action> into its parts.
//
//	/api/v1/stages/<uuid>/actions     -> stages, <uuid>, actions
//	/api/v1/samples/B-100/enter       -> samples, B-100, enter
//	/api/v1/orders                    -> orders, "", create
func describe(path string) (resource, entityID, action string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resource = segments[0]
	if resource == "" {
		resource = "unknown"
	}
	action = "create"
	if len(segments) > 1 {
		entityID = segments[1]
		action = "update"
	}
	if len(segments) > 2 {
		action = segments[len(segments)-1]
	}
	if entityID != "" && resource != "samples" && !isUUIDLike(entityID) {
		entityID = ""
	}
	return resource, entityID, action
}

func isUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
