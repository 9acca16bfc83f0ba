// Package dashboard serves stored scan reports over a read-only HTTP API.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
)

// Reports is the read side of the report store
type Reports interface {
	List() ([]*engine.Report, error)
	Load(kind engine.ToolKind, targetID string) (*engine.Report, error)
	Summary(kind engine.ToolKind, targetID string) (map[engine.Severity]int, error)
}

// ReportHeader is a report without its findings and raw output
type ReportHeader struct {
	ToolKind engine.ToolKind         `json:"tool_kind"`
	TargetID string                  `json:"target_id"`
	Target   string                  `json:"target"`
	Status   engine.JobState         `json:"status"`
	Attempts int                     `json:"attempts"`
	Error    string                  `json:"error,omitempty"`
	Counts   map[engine.Severity]int `json:"counts"`
	SavedAt  time.Time               `json:"saved_at"`
}

// SummaryResponse is the severity breakdown of one report
type SummaryResponse struct {
	ToolKind engine.ToolKind         `json:"tool_kind"`
	TargetID string                  `json:"target_id"`
	Counts   map[engine.Severity]int `json:"counts"`
	Total    int                     `json:"total"`
}

type Server struct {
	reports Reports
	log     logrus.FieldLogger
	engine  *gin.Engine
}

func New(reports Reports, log logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{reports: reports, log: logger.Or(log)}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := r.Group("/api")
	api.GET("/tools", s.listTools)
	api.GET("/reports", s.listReports)
	api.GET("/reports/:tool/:target", s.getReport)
	api.GET("/reports/:tool/:target/summary", s.getSummary)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("dashboard listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}

func (s *Server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, engine.AllToolKinds())
}

func (s *Server) listReports(c *gin.Context) {
	reports, err := s.reports.List()
	if err != nil {
		s.fail(c, err)
		return
	}
	tool := c.Query("tool")
	target := c.Query("target")
	out := make([]ReportHeader, 0, len(reports))
	for _, rep := range reports {
		if tool != "" && string(rep.ToolKind) != tool {
			continue
		}
		if target != "" && rep.TargetID != target {
			continue
		}
		out = append(out, ReportHeader{
			ToolKind: rep.ToolKind,
			TargetID: rep.TargetID,
			Target:   rep.Target.String(),
			Status:   rep.Status,
			Attempts: rep.Attempts,
			Error:    rep.Error,
			Counts:   rep.Counts(),
			SavedAt:  rep.SavedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getReport(c *gin.Context) {
	kind, ok := s.kind(c)
	if !ok {
		return
	}
	rep, err := s.reports.Load(kind, c.Param("target"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) getSummary(c *gin.Context) {
	kind, ok := s.kind(c)
	if !ok {
		return
	}
	target := c.Param("target")
	counts, err := s.reports.Summary(kind, target)
	if err != nil {
		s.fail(c, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, SummaryResponse{ToolKind: kind, TargetID: target, Counts: counts, Total: total})
}

func (s *Server) kind(c *gin.Context) (engine.ToolKind, bool) {
	kind, err := engine.ParseToolKind(c.Param("tool"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return kind, true
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrReportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.WithError(err).Error("failed to read reports")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
