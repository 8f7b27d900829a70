package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tourchat/chat-core/internal/metrics"
	"github.com/tourchat/chat-core/internal/ws"
)

// ServiceName identifies the gateway in traces.
const ServiceName = "chatgw"

// NewRouter mounts the WebSocket endpoint, the health check and the metrics
// endpoint on a gin engine.
func NewRouter(srv *ws.Server, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(ServiceName))
	r.Use(requestLogger(log))

	r.GET("/ws", gin.WrapF(srv.HandleUpgrade))
	r.GET("/health", func(c *gin.Context) {
		h := srv.Health()
		code := http.StatusOK
		if h.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, h)
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// requestLogger logs plain HTTP requests. Upgraded connections log their own
// lifecycle.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/ws" && c.Writer.Status() == http.StatusOK {
			return
		}
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
