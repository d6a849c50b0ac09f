package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/remote"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// HTTPConfig configures the agent HTTP server.
type HTTPConfig struct {
	// AgentID is reported by the health endpoint.
	AgentID string

	Logger *logging.Logger

	// Debug enables gin's debug mode and request logging.
	Debug bool

	// ShutdownTimeout bounds graceful shutdown in Serve. Default: 10s.
	ShutdownTimeout time.Duration
}

// HTTPServer serves the task contract over HTTP:
//
//	POST /tasks   tasks.Request -> tasks.Response
//	GET  /health  liveness and capabilities
type HTTPServer struct {
	engine  *gin.Engine
	handler Handler
	cfg     HTTPConfig
	log     *logging.Logger
}

// NewHTTPServer creates a server running h for every request.
func NewHTTPServer(h Handler, cfg HTTPConfig) *HTTPServer {
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.Debug {
		engine.Use(gin.Logger())
	}

	s := &HTTPServer{
		engine:  engine,
		handler: h,
		cfg:     cfg,
		log:     cfg.Logger.WithComponent("agent.http"),
	}
	engine.POST(remote.TasksPath, s.handleTask)
	engine.GET("/health", s.handleHealth)
	return s
}

// Handler returns the server as an http.Handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

func (s *HTTPServer) handleTask(c *gin.Context) {
	var req tasks.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := Execute(c.Request.Context(), s.handler, &req)
	s.log.Info("task_handled", map[string]interface{}{
		"task_id":           req.TaskID,
		"task_type":         req.TaskType,
		"status":            string(resp.Status),
		"execution_time_ms": resp.ExecutionTimeMs,
	})
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok", "agent_id": s.cfg.AgentID}
	if m, ok := s.handler.(*Mux); ok {
		body["capabilities"] = m.Capabilities()
	}
	c.JSON(http.StatusOK, body)
}

// Serve accepts connections on l until ctx ends, then shuts down
// gracefully.
func (s *HTTPServer) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
