package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Role names carried in the "roles" claim.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// AccessTokenParam is the query parameter accepted in place of the
// Authorization header on JWTConfig.QueryTokenPaths. EventSource and browser
// WebSocket clients cannot set request headers.
const AccessTokenParam = "access_token"

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	// QueryTokenPaths lists the request paths that may carry the token in
	// AccessTokenParam. Every other path requires the Authorization header.
	QueryTokenPaths []string
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}
	queryPaths := make(map[string]bool, len(cfg.QueryTokenPaths))
	for _, p := range cfg.QueryTokenPaths {
		queryPaths[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c, queryPaths[c.Request().URL.Path])
			if err != nil {
				return err
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			ctx := WithPrincipal(c.Request().Context(), claims.Subject, claims.Roles...)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func bearerToken(c echo.Context, allowQuery bool) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if tok := c.QueryParam(AccessTokenParam); tok != "" && allowQuery {
			return tok, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without credentials run as "dev-user" with the admin role; the
// X-Dev-User-ID and X-Dev-Role headers (or dev_user/dev_role query
// parameters, for EventSource) override the defaults so that several
// identities can be exercised from one machine.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := firstNonEmpty(c.Request().Header.Get("X-Dev-User-ID"), c.QueryParam("dev_user"), "dev-user")
			role := firstNonEmpty(c.Request().Header.Get("X-Dev-Role"), c.QueryParam("dev_role"), RoleAdmin)

			ctx := WithPrincipal(c.Request().Context(), userID, role)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// WithPrincipal returns a context carrying the given user id and roles.
func WithPrincipal(ctx context.Context, userID string, roles ...string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return ctx
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// PrimaryRole picks the role a connection is registered under. Admin wins,
// then doctor, then patient; any other first role is returned as is.
func PrimaryRole(ctx context.Context) string {
	roles := RolesFromContext(ctx)
	for _, want := range []string{RoleAdmin, RoleDoctor, RolePatient} {
		for _, r := range roles {
			if r == want {
				return want
			}
		}
	}
	if len(roles) > 0 {
		return roles[0]
	}
	return ""
}

// HasRole reports whether the principal in ctx holds role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
