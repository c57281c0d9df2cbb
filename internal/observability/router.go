package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logs "github.com/danmuck/linkctl/internal/logging"
)

// StatusFunc returns a JSON-serializable snapshot for /status.
type StatusFunc func() any

// NewAdminRouter serves /healthz, /status and /metrics for one node.
func NewAdminRouter(node string, status StatusFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery(), AdminAccessLog(logs.Logger(), node), AdminRequestMetrics(node))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": node})
	})
	r.GET("/status", func(c *gin.Context) {
		if status == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, status())
	})
	r.GET(metricsPath, gin.WrapH(promhttp.Handler()))
	return r
}

// ServeAdmin runs handler on ln until ctx is done.
func ServeAdmin(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logs.Infof("observability.ServeAdmin addr=%s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	}
}
