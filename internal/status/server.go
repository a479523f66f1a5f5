// Package status implements the shared status server: a small HTTP service
// fleet runs report completed workflow executions to, with health, readiness,
// and Prometheus metrics endpoints. One instance is shared by every run on a
// fleet; the launcher probes for it before starting another.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/flowctl/internal/observability"
)

var ErrRunNotFound = errors.New("status: run not found")

type ServiceConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
	MaxRuns     int
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Host:    "",
		Port:    8090,
		MaxRuns: 1000,
	}
}

func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.MaxRuns <= 0 {
		c.MaxRuns = def.MaxRuns
	}
	return c
}

// RunRecord is one reported workflow execution.
type RunRecord struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	NodeID     string    `json:"node_id"`
	Mode       string    `json:"mode"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS uint64    `json:"duration_ms"`
	ReportedAt time.Time `json:"reported_at"`
}

type runReport struct {
	Workflow   string `json:"workflow" binding:"required"`
	NodeID     string `json:"node_id"`
	Mode       string `json:"mode"`
	Outcome    string `json:"outcome" binding:"required"`
	Error      string `json:"error"`
	DurationMS uint64 `json:"duration_ms"`
}

type Service struct {
	cfg     ServiceConfig
	router  *gin.Engine
	started time.Time

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	runs map[string]RunRecord
}

func NewService(cfg ServiceConfig) *Service {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger("status"))
	r.Use(observability.RequestMetrics("status"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Service{
		cfg:     cfg.WithDefaults(),
		router:  r,
		started: time.Now(),
		runs:    make(map[string]RunRecord),
	}
	s.registerRoutes()
	return s
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/runs", func(c *gin.Context) {
		var report runReport
		if err := c.ShouldBindJSON(&report); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec := s.record(report)
		observability.RecordWorkflowRun(rec.Workflow, rec.Mode, rec.Outcome,
			time.Duration(rec.DurationMS)*time.Millisecond)
		c.JSON(http.StatusCreated, rec)
	})

	s.router.GET("/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runs": s.Runs()})
	})

	s.router.GET("/runs/:id", func(c *gin.Context) {
		rec, err := s.Run(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	})
}

func (s *Service) record(report runReport) RunRecord {
	rec := RunRecord{
		ID:         uuid.NewString(),
		Workflow:   report.Workflow,
		NodeID:     report.NodeID,
		Mode:       report.Mode,
		Outcome:    report.Outcome,
		Error:      report.Error,
		DurationMS: report.DurationMS,
		ReportedAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.ID] = rec
	if len(s.runs) > s.cfg.MaxRuns {
		s.evictOldestLocked()
	}
	return rec
}

func (s *Service) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, rec := range s.runs {
		if oldestID == "" || rec.ReportedAt.Before(oldest) {
			oldestID = id
			oldest = rec.ReportedAt
		}
	}
	delete(s.runs, oldestID)
}

// Runs returns every stored record, newest first.
func (s *Service) Runs() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReportedAt.After(out[j].ReportedAt)
	})
	return out
}

func (s *Service) Run(id string) (RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return RunRecord{}, ErrRunNotFound
	}
	return rec, nil
}

// Addr returns the bound address once Serve has started.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve listens and blocks until the context is canceled, then shuts the
// HTTP server down gracefully.
func (s *Service) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()
	log.Info().Str("addr", ln.Addr().String()).Msg("status.Service listening")

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-done
		return nil
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
