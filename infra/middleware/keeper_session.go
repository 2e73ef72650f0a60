package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"keeper_server/core/domain"
	"keeper_server/pkg/response"
)

// CallerKey is the fiber locals key holding the authenticated caller.
const CallerKey = "caller"

// SessionVerifier turns a bearer token into a caller context.
type SessionVerifier func(token string) (*domain.UserContext, error)

// Session verifies the Authorization header when present and stores the
// caller in locals. Requests without a bearer token pass through with no
// caller; per-tool auth enforcement happens in the router, which knows
// which tools are exempt.
func Session(verify SessionVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return c.Next()
		}

		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" || token == header {
			return c.Status(fiber.StatusUnauthorized).
				JSON(response.NewToolError("unauthenticated", "malformed authorization header", nil))
		}

		caller, err := verify(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).
				JSON(response.NewToolError("unauthenticated", "invalid or expired session", nil))
		}

		c.Locals(CallerKey, caller)
		return c.Next()
	}
}

// Caller extracts the authenticated caller from locals, if any.
func Caller(c *fiber.Ctx) *domain.UserContext {
	caller, _ := c.Locals(CallerKey).(*domain.UserContext)
	return caller
}
