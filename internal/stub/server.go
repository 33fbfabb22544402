package stub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/pkg/config"
	"github.com/podiumlabs/podium-uploader/pkg/logger"
	reqidmiddleware "github.com/podiumlabs/podium-uploader/pkg/middleware/requestid"
	"github.com/podiumlabs/podium-uploader/pkg/storage"
)

// Server hosts the local stand-in for the Podium grading API. It implements
// the same contract the production collaborator exposes: presign, object
// upload, registration, processing trigger and batch polling.
type Server struct {
	cfg    config.StubConfig
	engine *gin.Engine
	grader *Grader
	log    *zap.Logger
}

// NewServer wires state, spool storage, grading workers and routes.
func NewServer(cfg config.StubConfig, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	state := NewState()
	spool, err := storage.NewObjectStore(cfg.SpoolDir)
	if err != nil {
		return nil, err
	}
	signer := storage.NewUploadTokenSigner(cfg.SignSecret, cfg.SignTTL)
	grader := NewGrader(state, cfg.ProcessLatency, cfg.ProcessWorkers, log)
	h := newSubmissionHandler(state, grader, signer, spool, log)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(reqidmiddleware.Middleware())
	engine.Use(logger.GinMiddleware(log))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	api.PUT("/uploads/:submissionId", h.Upload)

	authed := api.Group("", BearerAuth(cfg.AuthToken))
	authed.POST("/batches/:batchId/uploads", h.Presign)
	authed.POST("/batches/:batchId/submissions", h.Register)
	authed.POST("/batches/:batchId/process", h.Trigger)
	authed.GET("/batches/:batchId", h.Poll)

	return &Server{
		cfg:    cfg,
		engine: engine,
		grader: grader,
		log:    log,
	}, nil
}

// Engine exposes the router, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// StartWorkers launches the grading workers without binding a listener.
// Tests drive the engine through httptest and still need grading to run.
func (s *Server) StartWorkers(ctx context.Context) {
	s.grader.Start(ctx)
}

// StopWorkers drains the grading workers.
func (s *Server) StopWorkers() {
	s.grader.Stop()
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.StartWorkers(ctx)
	defer s.StopWorkers()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Sugar().Infow("stub grading api listening", "addr", srv.Addr, "auth", s.cfg.AuthToken != "")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
