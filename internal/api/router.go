// Package api exposes job submission and service status over HTTP.
package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/audit"
	"github.com/adcondev/printomat/internal/dispatch"
	"github.com/adcondev/printomat/internal/printer"
	"github.com/adcondev/printomat/internal/queue"
	"github.com/adcondev/printomat/internal/ratelimit"
	"github.com/adcondev/printomat/internal/server"
	"github.com/adcondev/printomat/internal/tokens"
)

const defaultThanks = "Thanks for the message!"

// Config holds router settings.
type Config struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// TrustedProxies whose forwarding headers are honored for client IPs.
	TrustedProxies []string
	Build          BuildInfo
}

// Deps are the components the handlers call.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Limiter    ratelimit.Limiter
	Tokens     *tokens.Registry
	// AuditStats reports the audit worker, when one runs.
	AuditStats func() audit.Statistics
	// LogStatus reports the service log, when set.
	LogStatus func() LogStatus
	// WebSocket serves printer clients on /ws, when set.
	WebSocket http.HandlerFunc
	Logger    *zap.Logger
}

type handler struct {
	deps    Deps
	build   BuildInfo
	started time.Time
	log     *zap.Logger
}

// NewRouter builds the gin engine with all routes.
func NewRouter(cfg Config, deps Deps) (*gin.Engine, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery(), requestLogger(deps.Logger))

	corsCfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		AllowWildcard: true,
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || slices.Contains(cfg.AllowedOrigins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = true
	}
	router.Use(cors.New(corsCfg))

	h := &handler{deps: deps, build: cfg.Build, started: time.Now(), log: deps.Logger}
	router.POST("/submit", h.submit)
	router.GET("/health", h.health)
	router.GET("/queue", h.queue)
	if deps.WebSocket != nil {
		router.GET("/ws", func(c *gin.Context) {
			r := c.Request.WithContext(server.WithClientIP(c.Request.Context(), c.ClientIP()))
			deps.WebSocket(c.Writer, r)
		})
	}
	return router, nil
}

func (h *handler) submit(c *gin.Context) {
	ip := c.ClientIP()

	var req SubmitRequest
	if err := c.ShouldBind(&req); err != nil {
		h.log.Debug("[API] unreadable submission", zap.String("ip", ip), zap.Error(err))
		abortWithError(c, &requestError{reason: "Invalid request body"})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	req.Image = strings.TrimSpace(req.Image)

	kind, content, err := buildContent(req)
	if err != nil {
		h.log.Debug("[API] invalid submission", zap.String("ip", ip), zap.Error(err))
		abortWithError(c, err)
		return
	}

	var (
		friend  tokens.Token
		trusted bool
	)
	if req.Token != "" {
		friend, trusted = h.deps.Tokens.Lookup(req.Token)
		if !trusted {
			h.log.Warn("[API] invalid friendship token", zap.String("ip", ip))
			abortWithError(c, ErrInvalidToken)
			return
		}
	}

	// Checked before the limiter so a full queue does not use up the window.
	if !trusted && h.deps.Dispatcher.Queue().Full() {
		abortWithError(c, queue.ErrQueueFull)
		return
	}

	ctx := c.Request.Context()
	if !h.deps.Limiter.ShouldAccept(ctx, ip, trusted) {
		wait := h.deps.Limiter.RetryAfter(ctx, ip)
		h.log.Warn("[API] rate limit exceeded", zap.String("ip", ip), zap.Duration("retry_after", wait))
		abortWithError(c, &rateLimitError{retryAfter: wait})
		return
	}

	job, err := h.deps.Dispatcher.Submit(content, kind, ip, trusted)
	if err != nil {
		if !errors.Is(err, queue.ErrQueueFull) {
			h.log.Error("[API] failed to enqueue job", zap.String("ip", ip), zap.Error(err))
		}
		abortWithError(c, err)
		return
	}

	// A job already handed to a printer has no position left to wait.
	position, pending := h.deps.Dispatcher.Queue().Position(job.ID)
	if !pending {
		position = 0
	}
	resp := SubmitResponse{
		Status:               StatusQueued,
		JobID:                job.ID,
		Position:             position,
		EstimatedWaitMinutes: position,
		PrinterConnected:     h.deps.Dispatcher.Connected(),
	}
	if trusted {
		resp.Status = StatusPrintingImmediately
		resp.Message = friend.Message
		if resp.Message == "" {
			resp.Message = defaultThanks
		}
		h.log.Info("[API] friendship job queued",
			zap.Int64("job_id", job.ID), zap.String("label", friend.Label), zap.String("ip", ip))
	} else {
		h.log.Info("[API] job queued",
			zap.Int64("job_id", job.ID), zap.Int("position", position), zap.String("ip", ip))
	}
	c.JSON(http.StatusOK, resp)
}

// buildContent picks the job kind: text, image, or other for both.
func buildContent(req SubmitRequest) (queue.Kind, string, error) {
	if req.Image != "" {
		if _, err := base64.StdEncoding.DecodeString(req.Image); err != nil {
			return "", "", &requestError{reason: "Image must be base64 encoded"}
		}
	}

	switch {
	case req.Message != "" && req.Image != "":
		content, err := printer.EncodeComposite(req.Message, req.Image)
		if err != nil {
			return "", "", err
		}
		return queue.KindOther, content, nil
	case req.Image != "":
		return queue.KindImage, req.Image, nil
	case req.Message != "":
		return queue.KindText, req.Message, nil
	default:
		return "", "", &requestError{reason: "At least message or image must be provided"}
	}
}

func (h *handler) health(c *gin.Context) {
	stats := h.deps.Dispatcher.Stats()

	var utilization float64
	if stats.Queue.Capacity > 0 {
		utilization = float64(stats.Queue.Pending+stats.Queue.InFlight) / float64(stats.Queue.Capacity) * 100
	}

	resp := HealthResponse{
		Status: "ok",
		Queue: QueueStatus{
			Pending:     stats.Queue.Pending,
			InFlight:    stats.Queue.InFlight,
			Done:        stats.Queue.Done,
			Failed:      stats.Queue.Failed,
			Capacity:    stats.Queue.Capacity,
			Utilization: utilization,
		},
		Sessions: SessionStatus{
			Connected: stats.Sessions,
			Idle:      stats.Idle,
			Busy:      stats.Busy,
			Printers:  h.deps.Dispatcher.Sessions(),
		},
		Build:    h.build,
		Uptime:   int(time.Since(h.started).Seconds()),
	}
	if h.deps.AuditStats != nil {
		st := h.deps.AuditStats()
		resp.Audit = &st
	}
	if h.deps.LogStatus != nil {
		ls := h.deps.LogStatus()
		resp.Log = &ls
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) queue(c *gin.Context) {
	pending := h.deps.Dispatcher.Queue().Pending(0)
	resp := QueueResponse{Pending: make([]PendingJob, 0, len(pending)), Total: len(pending)}
	for i, job := range pending {
		resp.Pending = append(resp.Pending, PendingJob{
			Position:     i,
			ID:           job.ID,
			Type:         string(job.Kind),
			SubmittedAt:  job.SubmittedAt,
			AttemptCount: job.AttemptCount,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("[API] request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)))
	}
}
