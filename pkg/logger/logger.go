package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lyceum-overseas/visa-ops-api/pkg/config"
	"github.com/lyceum-overseas/visa-ops-api/pkg/middleware/requestid"
)

// New builds the process logger. Production gets sampled JSON output,
// everything else the human-readable development config. Credentials and
// security answers are never attached as log fields anywhere in the API.
func New(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Env == config.EnvProduction {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	if cfg.Log.Format == "console" {
		zc.Encoding = "console"
	} else {
		zc.Encoding = "json"
	}

	if cfg.Log.Level != "" {
		if err := zc.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zc.Build()
}

// GinMiddleware emits one access log line per request, correlated by the ID
// the requestid middleware assigned.
func GinMiddleware(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if reqID := requestid.Value(c); reqID != "" {
			fields = append(fields, zap.String("request_id", reqID))
		}

		l.Info("http_request", fields...)
	}
}
