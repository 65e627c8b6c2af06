package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duetcode/duet/internal/config"
	"github.com/duetcode/duet/internal/modules/serializer"
	"github.com/duetcode/duet/internal/pkg/utils/secrets"
	"github.com/duetcode/duet/internal/pkg/utils/tokens"
)

// OperatorAuth authenticates the operator channel (gateway and sandbox) with
// the shared secret. With EnableArgon2Verification the presented secret is
// verified against the stored PHC hash instead of a plaintext comparison.
func OperatorAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		_, authSpan := otel.Tracer("middleware").Start(ctx, "operator_auth",
			trace.WithAttributes(attribute.String("middleware", "operator_auth")))

		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			authSpan.SetAttributes(attribute.Bool("authenticated", false))
			authSpan.End()
			c.AbortWithStatusJSON(http.StatusUnauthorized, serializer.AuthErr("Unauthorized"))
			return
		}
		raw := strings.TrimPrefix(auth, "Bearer ")

		ok := false
		if cfg.Auth.EnableArgon2Verification && cfg.Auth.OperatorSecretPHC != "" {
			pass, err := secrets.VerifySecret(raw, cfg.Auth.TokenPepper, cfg.Auth.OperatorSecretPHC)
			ok = err == nil && pass
		} else {
			ok = tokens.ConstantTimeEqual(raw, cfg.Auth.OperatorSecret)
		}

		authSpan.SetAttributes(attribute.Bool("authenticated", ok))
		authSpan.End()

		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, serializer.AuthErr("Unauthorized"))
			return
		}

		c.Next()
	}
}
