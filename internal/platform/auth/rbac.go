package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether granted contains one of required. Admin
// satisfies every requirement.
func HasAnyRole(granted []string, required ...string) bool {
	for _, has := range granted {
		if has == "admin" {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}

// matchCapability checks if a granted capability covers action in section.
// Granted forms: "*", "<action>:section:*", "<action>:section:<id>" and
// "*:section:<id>".
func matchCapability(granted, action, section string) bool {
	if granted == "*" {
		return true
	}
	parts := strings.SplitN(granted, ":", 3)
	if len(parts) != 3 || parts[1] != "section" {
		return false
	}
	actionMatch := parts[0] == action || parts[0] == "*"
	sectionMatch := parts[2] == section || parts[2] == "*"
	return actionMatch && sectionMatch
}
