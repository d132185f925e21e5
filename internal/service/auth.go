package service

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/config"
)

// AuthService gates the admin surface (queue stats, maintenance trigger)
// behind a TOTP token and resolves the acting user for the task API.
// User identity arrives from the fronting gateway as a header; this
// service does not do user authentication itself.
type AuthService struct {
	logger *zap.Logger
	config *config.AuthConfig
}

func NewAuthService(cfg *config.AuthConfig, logger *zap.Logger) *AuthService {
	return &AuthService{logger: logger, config: cfg}
}

// GenerateSecret mints a fresh TOTP secret for operator setup.
func (a *AuthService) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Pressline Admin",
		AccountName: "admin",
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key.Secret(), nil
}

func (a *AuthService) ValidateToken(token string) bool {
	valid := totp.Validate(token, a.config.TOTPSecret)
	if !valid {
		a.logger.Warn("TOTP token validation failed")
	}
	return valid
}

// AdminMiddleware rejects admin requests without a valid X-Admin-Token.
func (a *AuthService) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.config.Enabled {
			c.Next()
			return
		}
		if !a.ValidateToken(c.GetHeader("X-Admin-Token")) {
			c.JSON(401, gin.H{"error": "admin token required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserMiddleware requires the X-User-ID header set by the gateway and
// stores it on the request context.
func (a *AuthService) UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		userID, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || userID == 0 {
			c.JSON(401, gin.H{"error": "user identification required"})
			c.Abort()
			return
		}
		c.Set("user_id", uint(userID))
		c.Next()
	}
}

// UserID reads the identity placed by UserMiddleware.
func UserID(c *gin.Context) uint {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	return 0
}
