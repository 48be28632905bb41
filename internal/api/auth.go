package api

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/stageflow/internal/models"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode      string // "api-key", "jwt", "none"
	APIKey    string
	JWTSecret string
}

// accessLevel orders collaborator access for the minimum-access checks.
var accessLevel = map[models.AccessLevel]int{
	models.AccessViewer:    1,
	models.AccessCommenter: 2,
	models.AccessEditor:    3,
	models.AccessAdmin:     4,
}

// NewAuthMiddleware returns a Fiber middleware that validates the
// Authorization header and records the caller's identity and access level
// in the request locals.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == "none" {
			c.Locals("access", models.AccessAdmin)
			c.Locals("actor_id", actorFromHeader(c))
			return c.Next()
		}

		// Probe endpoints stay unauthenticated.
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		switch cfg.Mode {
		case "api-key":
			if cfg.APIKey == "" || token != cfg.APIKey {
				logger.Warn().Str("path", path).Str("method", c.Method()).
					Msg("unauthorized request: invalid API key")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_api_key", "Unauthorized", "Invalid API key")
			}
			c.Locals("access", models.AccessAdmin)
			c.Locals("actor_id", actorFromHeader(c))
			return c.Next()

		case "jwt":
			actorID, access, err := parseAccessToken(token, cfg.JWTSecret)
			if err != nil {
				logger.Warn().Str("path", path).Err(err).
					Msg("unauthorized request: invalid token")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_token", "Unauthorized", "Invalid or expired token")
			}
			c.Locals("access", access)
			c.Locals("actor_id", actorID)
			return c.Next()
		}

		return problemResponse(c, fiber.StatusUnauthorized,
			"unknown_auth_mode", "Unauthorized",
			"Unsupported authentication mode: "+cfg.Mode)
	}
}

// accessClaims are the HS256 claims issued by the external identity layer:
// the subject is the collaborator ID, access its level on this deployment.
type accessClaims struct {
	Access models.AccessLevel `json:"access"`
	jwt.RegisteredClaims
}

func parseAccessToken(token, secret string) (string, models.AccessLevel, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", "", fmt.Errorf("token has no subject")
	}
	access := claims.Access
	if _, ok := accessLevel[access]; !ok {
		access = models.AccessViewer
	}
	return claims.Subject, access, nil
}

// requireAccess enforces a minimum access level for a route.
func requireAccess(min models.AccessLevel) fiber.Handler {
	return func(c *fiber.Ctx) error {
		access, _ := c.Locals("access").(models.AccessLevel)
		if accessLevel[access] < accessLevel[min] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_access", "Forbidden",
				"Insufficient permissions for this operation")
		}
		return c.Next()
	}
}

// actorID returns the authenticated caller's identity.
func actorID(c *fiber.Ctx) string {
	if id, ok := c.Locals("actor_id").(string); ok && id != "" {
		return id
	}
	return "anonymous"
}

func actorFromHeader(c *fiber.Ctx) string {
	if id := c.Get("X-Actor-ID"); id != "" {
		return id
	}
	return "api-key"
}
