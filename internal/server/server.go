package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/internal/config"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
	"github.com/dyike/CortexFlow/internal/session"
	"github.com/dyike/CortexFlow/internal/storage/sqlite"
)

// Server exposes the analysis API: session lifecycle, NDJSON progress
// streams, provider administration, and operational endpoints.
type Server struct {
	cfg      *config.Config
	runner   *session.Runner
	hub      *session.Hub
	store    *sqlite.Store
	registry *llm.Registry
	enc      *llm.Encryptor
	metrics  prometheus.Gatherer
	log      *zap.Logger
}

func New(cfg *config.Config, runner *session.Runner, hub *session.Hub, store *sqlite.Store,
	registry *llm.Registry, enc *llm.Encryptor, metrics prometheus.Gatherer, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		runner:   runner,
		hub:      hub,
		store:    store,
		registry: registry,
		enc:      enc,
		metrics:  metrics,
		log:      log.Named("server"),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/analysis", s.startAnalysis)
		v1.GET("/analysis/:id", s.getResult)
		v1.GET("/analysis/:id/stream", s.streamEvents)
		v1.DELETE("/analysis/:id", s.cancelAnalysis)
		v1.GET("/sessions", s.listSessions)

		v1.GET("/providers", s.listProviders)
		v1.POST("/providers", s.saveProvider)
		v1.DELETE("/providers/:id", s.deleteProvider)
		v1.PUT("/bindings/:role", s.setBinding)

		v1.GET("/prompts/:name", s.getPrompt)
		v1.PUT("/prompts/:name", s.savePrompt)
	}
	return r
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	s.log.Info("listening", zap.String("addr", s.cfg.ListenAddr))
	return s.Router().Run(s.cfg.ListenAddr)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= 500 {
			s.log.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()))
		}
	}
}

// --- sessions ---

func (s *Server) startAnalysis(c *gin.Context) {
	var req models.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ack, err := s.runner.Start(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id":      ack.SessionID,
		"symbol":          ack.Symbol,
		"trade_date":      ack.TradeDate,
		"status":          "accepted",
		"analysts":        ack.Analysts,
		"reused":          ack.Reused,
		"stream_endpoint": "/api/v1/analysis/" + ack.SessionID + "/stream",
	})
}

func (s *Server) getResult(c *gin.Context) {
	res, err := s.runner.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cancelAnalysis(c *gin.Context) {
	id := c.Param("id")
	if !s.runner.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running session with that id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": "canceled"})
}

// streamEvents serves the session's progress feed as NDJSON. A reconnecting
// client passes last_sequence_no and receives the buffered tail first.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	var afterSeq uint64
	if raw := c.Query("last_sequence_no"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "last_sequence_no must be an integer"})
			return
		}
		afterSeq = v
	}

	stream, ok := s.hub.Get(id)
	if !ok {
		// The stream is reaped after the retention window; the stored
		// result remains the source of truth.
		d, err := s.store.GetSession(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if d == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusGone, gin.H{
			"error":  "event stream expired; fetch the result instead",
			"status": d.Status,
		})
		return
	}

	events, cancel := stream.Subscribe(afterSeq)
	defer cancel()

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	enc := json.NewEncoder(c.Writer)
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) listSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	sessions, next, err := s.store.ListSessions(c.Request.Context(), c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "next_cursor": next})
}

// --- provider administration ---

type providerPayload struct {
	Name          string   `json:"name" binding:"required"`
	Kind          string   `json:"kind" binding:"required"`
	BaseURL       string   `json:"base_url"`
	APIKey        string   `json:"api_key"`
	EnabledModels []string `json:"enabled_models"`
	Priority      int      `json:"priority"`
	Enabled       *bool    `json:"enabled"`
}

type providerView struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	BaseURL       string   `json:"base_url"`
	APIKeyMasked  string   `json:"api_key_masked"`
	EnabledModels []string `json:"enabled_models"`
	Priority      int      `json:"priority"`
	Enabled       bool     `json:"enabled"`
}

// listProviders renders providers with masked credentials. Plaintext keys
// never leave the process.
func (s *Server) listProviders(c *gin.Context) {
	providers, err := s.store.ListProviders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		masked := ""
		if p.APIKeyEncrypted != "" && s.enc != nil {
			if plain, err := s.enc.Decrypt(p.APIKeyEncrypted); err == nil {
				masked = llm.MaskSecret(plain)
			}
		}
		views = append(views, providerView{
			ID:            p.ID,
			Name:          p.Name,
			Kind:          string(p.Kind),
			BaseURL:       p.BaseURL,
			APIKeyMasked:  masked,
			EnabledModels: p.EnabledModels,
			Priority:      p.Priority,
			Enabled:       p.Enabled,
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": views})
}

func (s *Server) saveProvider(c *gin.Context) {
	var payload providerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}
	p := llm.Provider{
		Name:          payload.Name,
		Kind:          llm.ProviderKind(payload.Kind),
		BaseURL:       payload.BaseURL,
		EnabledModels: payload.EnabledModels,
		Priority:      payload.Priority,
		Enabled:       enabled,
	}
	id, err := s.store.SaveProvider(c.Request.Context(), p, payload.APIKey)
	if err != nil {
		if errors.Is(err, llm.ErrNoSecretKey) {
			c.JSON(http.StatusPreconditionFailed, gin.H{
				"error": "CORTEXFLOW_SECRET_KEY is not configured; provider credentials cannot be stored",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.registry.Reload()
	c.JSON(http.StatusOK, gin.H{"id": id, "name": p.Name})
}

func (s *Server) deleteProvider(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	if err := s.store.DeleteProvider(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.registry.Reload()
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

type bindingPayload struct {
	ProviderID int64  `json:"provider_id" binding:"required"`
	Model      string `json:"model" binding:"required"`
}

func (s *Server) setBinding(c *gin.Context) {
	role := llm.RoleKey(c.Param("role"))
	switch role {
	case llm.RoleDeepThink, llm.RoleQuickThink, llm.RoleSynthesis:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	var payload bindingPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b := llm.Binding{Role: role, ProviderID: payload.ProviderID, Model: payload.Model}
	if err := s.store.SetBinding(c.Request.Context(), b); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.registry.Reload()
	c.JSON(http.StatusOK, gin.H{"role": role, "model": payload.Model})
}

// --- prompt administration ---

func (s *Server) getPrompt(c *gin.Context) {
	rec, err := s.store.GetPrompt(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "prompt not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type promptPayload struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) savePrompt(c *gin.Context) {
	var payload promptPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	version, err := s.store.SavePrompt(c.Request.Context(), c.Param("name"), payload.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "version": version})
}
