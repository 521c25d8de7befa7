// Package daemon runs the print service under judwhite/go-svc.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/judwhite/go-svc"
	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/api"
	"github.com/adcondev/printomat/internal/audit"
	"github.com/adcondev/printomat/internal/auth"
	"github.com/adcondev/printomat/internal/config"
	"github.com/adcondev/printomat/internal/dispatch"
	"github.com/adcondev/printomat/internal/logging"
	"github.com/adcondev/printomat/internal/queue"
	"github.com/adcondev/printomat/internal/ratelimit"
	"github.com/adcondev/printomat/internal/server"
	"github.com/adcondev/printomat/internal/tokens"
)

const shutdownTimeout = 10 * time.Second

// Program implements svc.Service interface
type Program struct {
	// ConfigPath is the YAML config file. Empty looks for ./printomat.yaml.
	ConfigPath string

	cfg        config.Config
	log        *zap.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	startTime  time.Time
	listener   net.Listener
	httpServer *http.Server
	wsServer   *server.Server
	dispatcher *dispatch.Dispatcher
	audit      *audit.Worker
	closers    []io.Closer
	logLevel   zap.AtomicLevel
}

// Init loads the configuration and sets up logging.
func (p *Program) Init(env svc.Environment) error {
	bootLog, _ := zap.NewProduction()
	cfg, err := config.Load(p.ConfigPath, bootLog)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.LogFile = logFile(cfg, env)
	p.cfg = cfg

	logger, level, err := logging.New(logging.Options{Verbose: cfg.Verbose, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	p.log = logger
	p.logLevel = level

	p.log.Info("[INIT] starting print service",
		zap.String("env", cfg.Name), zap.String("build_date", config.BuildDate), zap.String("build_time", config.BuildTime))
	if cfg.LogFile != "" {
		p.log.Info("[INIT] log file", zap.String("path", cfg.LogFile))
	}
	return nil
}

// Start wires the components and begins serving.
func (p *Program) Start() error {
	cfg := p.cfg
	p.startTime = time.Now()
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if err := p.start(cfg); err != nil {
		p.cancel()
		p.wg.Wait()
		if p.audit != nil {
			p.audit.Stop()
		}
		p.closeAll()
		return err
	}
	return nil
}

func (p *Program) start(cfg config.Config) error {
	// History store and job recovery.
	var (
		sinks     = audit.Multi{audit.LogSink{Logger: p.log}}
		firstID   int64
		recovered []queue.Job
		journal   dispatch.Journal
	)
	if cfg.Audit.DBPath != "" {
		store, err := audit.OpenSQLite(cfg.Audit.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		p.closers = append(p.closers, store)

		maxID, err := store.MaxJobID(p.ctx)
		if err != nil {
			return fmt.Errorf("failed to read last job id: %w", err)
		}
		firstID = maxID + 1
		if recovered, err = store.Unfinished(p.ctx); err != nil {
			return fmt.Errorf("failed to read unfinished jobs: %w", err)
		}
		sinks = append(sinks, store)
		journal = store
	}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		kafka := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		p.closers = append(p.closers, kafka)
		sinks = append(sinks, kafka)
		p.log.Info("[INIT] streaming job events to kafka",
			zap.Strings("brokers", cfg.Audit.KafkaBrokers), zap.String("topic", cfg.Audit.KafkaTopic))
	}
	p.audit = audit.NewWorker(sinks, cfg.Audit.Buffer, p.log)
	p.audit.Start()

	q := queue.New(queue.Config{
		Capacity:     cfg.Queue.Capacity,
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		HistoryLimit: cfg.Queue.HistoryLimit,
		FirstID:      firstID,
	}, p.log)
	for _, job := range recovered {
		if err := q.Restore(job); err != nil {
			p.log.Warn("[INIT] could not restore job", zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}
	if len(recovered) > 0 {
		p.log.Info("[INIT] restored unfinished jobs", zap.Int("count", len(recovered)))
	}

	p.dispatcher = dispatch.New(q, p.audit, dispatch.Config{
		RetryPrinterFailures: cfg.Delivery.RetryPrinterFailures,
		Journal:              journal,
	}, p.log)

	limiter := p.newLimiter(cfg)

	friends, err := tokens.Load(cfg.TokensFile)
	if err != nil {
		return fmt.Errorf("failed to load friendship tokens: %w", err)
	}
	registry := tokens.NewRegistry(friends)
	p.log.Info("[INIT] friendship tokens loaded", zap.Int("count", registry.Len()))
	p.goRun(func(ctx context.Context) {
		if err := tokens.Watch(ctx, cfg.TokensFile, registry, p.log); err != nil {
			p.log.Warn("[TOKENS] hot reload disabled", zap.Error(err))
		}
	})

	authn, err := auth.New(auth.Config{
		Token:        cfg.Printer.AuthToken,
		TokenHashB64: cfg.Printer.AuthTokenHash,
		MaxFailures:  cfg.Printer.MaxAuthFailures,
		Lockout:      cfg.Printer.Lockout,
	}, p.log)
	if err != nil {
		return fmt.Errorf("failed to configure printer auth: %w", err)
	}
	p.goRun(authn.Run)

	p.wsServer = server.NewServer(server.Config{
		AllowedOrigins: originPatterns(cfg.AllowedOrigins),
		AckTimeout:     cfg.Delivery.AckTimeout,
		WriteTimeout:   cfg.Delivery.WriteTimeout,
	}, p.dispatcher, authn, p.log)

	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := api.NewRouter(api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
		Build: api.BuildInfo{
			Env:  config.BuildEnvironment,
			Date: config.BuildDate,
			Time: config.BuildTime,
		},
	}, api.Deps{
		Dispatcher: p.dispatcher,
		Limiter:    limiter,
		Tokens:     registry,
		AuditStats: p.audit.Stats,
		LogStatus:  p.logStatus,
		WebSocket:  p.wsServer.HandleWebSocket,
		Logger:     p.log,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	p.listener, err = net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	p.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		addr := p.listener.Addr().String()
		p.log.Info("[HTTP] print service ready",
			zap.String("env", cfg.Name),
			zap.String("submit", "http://"+addr+"/submit"),
			zap.String("printers", "ws://"+addr+"/ws"),
			zap.String("health", "http://"+addr+"/health"))

		if err := p.httpServer.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("[HTTP] server error", zap.Error(err))
		}
	}()
	return nil
}

func (p *Program) newLimiter(cfg config.Config) ratelimit.Limiter {
	if cfg.RateLimit.RedisAddr != "" {
		client := ratelimit.NewRedisClient(cfg.RateLimit.RedisAddr)
		p.closers = append(p.closers, client)
		p.log.Info("[INIT] using shared rate limiter", zap.String("redis", cfg.RateLimit.RedisAddr))
		return ratelimit.NewRedisLimiter(client, cfg.RateLimit.RedisPrefix, cfg.RateLimit.Cooldown, p.log)
	}
	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimit.Cooldown, cfg.RateLimit.IdleEviction, p.log)
	p.goRun(limiter.Run)
	return limiter
}

func (p *Program) logStatus() api.LogStatus {
	st := api.LogStatus{Level: p.logLevel.String()}
	if p.cfg.LogFile != "" {
		st.SizeBytes = logging.FileSize(p.cfg.LogFile)
	}
	return st
}

// logFile is the configured log file. A Windows service without one logs
// under %PROGRAMDATA%.
func logFile(cfg config.Config, env svc.Environment) string {
	if cfg.LogFile != "" || env == nil || !env.IsWindowsService() {
		return cfg.LogFile
	}
	return cfg.LogPath(os.Getenv("PROGRAMDATA"))
}

// goRun runs fn until the service context ends.
func (p *Program) goRun(fn func(context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

// Addr is the address the HTTP server listens on, once started.
func (p *Program) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Stop stops the service gracefully
func (p *Program) Stop() error {
	p.log.Info("[STOP] service shutting down")

	// 1. Disconnect printers; their outstanding jobs go back to the queue.
	if p.wsServer != nil {
		p.wsServer.Shutdown()
	}

	// 2. Graceful HTTP shutdown
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if p.httpServer != nil {
		if err := p.httpServer.Shutdown(ctx); err != nil {
			p.log.Warn("[STOP] HTTP shutdown error", zap.Error(err))
		}
	}

	// 3. Background loops
	p.cancel()
	p.wg.Wait()

	// 4. Flush audit events, then close stores and clients.
	if p.audit != nil {
		p.audit.Stop()
	}
	p.closeAll()

	p.log.Info("[STOP] service stopped", zap.Duration("uptime", time.Since(p.startTime).Round(time.Second)))
	_ = p.log.Sync()
	return nil
}

func (p *Program) closeAll() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			p.log.Warn("[STOP] close failed", zap.Error(err))
		}
	}
	p.closers = nil
}

// originPatterns turns CORS origins into the host patterns the WebSocket
// handshake checks.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}
