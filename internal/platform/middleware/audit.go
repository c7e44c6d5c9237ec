package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medclinic/clinic/internal/platform/auth"
)

// AuditEntry describes one API access: who did what to which resource.
type AuditEntry struct {
	UserID     string
	Role       string
	Action     string // read, create, update, delete, connect
	Resource   string
	ResourceID string
	Method     string
	Path       string
	Status     int
	IP         string
	UserAgent  string
	RequestID  string
	Timestamp  time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

const auditWriteTimeout = 5 * time.Second

// Audit records every /api/v1 request after the handler has run, so
// long-lived streams and sockets are recorded once, when they end. Recorder
// failures are logged and never change the response.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			start := time.Now().UTC()
			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				Role:       auth.PrimaryRole(ctx),
				Action:     auditAction(c),
				Resource:   extractResource(path),
				ResourceID: extractResourceID(c),
				Method:     req.Method,
				Path:       path,
				Status:     statusOf(c, err),
				IP:         c.RealIP(),
				UserAgent:  req.UserAgent(),
				RequestID:  requestIDOf(c),
				Timestamp:  start,
			}

			if recorder != nil {
				// The request context is usually cancelled by now for streams.
				wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
				if recErr := recorder.RecordAccess(wctx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
				cancel()
			}

			logger.Debug().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Int("status", entry.Status).
				Msg("api_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func isLongLived(c echo.Context) bool {
	if strings.EqualFold(c.Request().Header.Get("Upgrade"), "websocket") {
		return true
	}
	return strings.HasSuffix(c.Request().URL.Path, "/stream")
}

func auditAction(c echo.Context) string {
	if isLongLived(c) {
		return "connect"
	}
	return httpMethodToAction(c.Request().Method)
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource returns the first path segment under /api/v1/:
//
//	/api/v1/notifications/stream -> notifications
//	/api/v1/rtc/rooms/abc        -> rtc
func extractResource(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}

func extractResourceID(c echo.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return ""
}
