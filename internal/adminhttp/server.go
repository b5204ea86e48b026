package adminhttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the admin engine. gin's own debug output is left to the
// caller through gin.SetMode.
func NewRouter(l *slog.Logger, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(l))

	h.RegisterRoutes(r)

	return r
}

func NewServer(addr string, readTimeout time.Duration, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}
}

func requestLogger(l *slog.Logger) gin.HandlerFunc {
	if l == nil {
		l = slog.Default()
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		}

		switch {
		case status >= http.StatusInternalServerError:
			l.Error("admin request", attrs...)
		case status >= http.StatusBadRequest:
			l.Warn("admin request", attrs...)
		default:
			l.Debug("admin request", attrs...)
		}
	}
}
