package middleware

import (
	"strings"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// BearerToken extracts the token from an Authorization header value. The scheme is
// matched case-insensitively and surrounding whitespace is ignored. It returns "" for
// any other format.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return ""
	}
	return token
}

// AuthRequired validates the bearer token and stores the caller as the user_id and
// role locals.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authorization header",
			})
		}

		tokenString := BearerToken(authHeader)
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		claims, err := utils.ValidateToken(tokenString, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		userID := strings.TrimSpace(claims.UserID)
		role := models.Role(strings.ToLower(strings.TrimSpace(claims.Role)))
		if userID == "" || !role.Valid() {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Token does not identify a participant",
			})
		}

		c.Locals("user_id", userID)
		c.Locals("role", string(role))

		return c.Next()
	}
}
