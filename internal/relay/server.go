package relay

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Bldg-7/webmommi/internal/config"
	"go.uber.org/zap"
)

const auditPurgeInterval = time.Hour

// Server represents the relay daemon with lifecycle management.
type Server struct {
	cfg    *config.RelayConfig
	logger *zap.Logger

	dispatcher *Dispatcher
	audit      *AuditLogger
	api        *HTTPAPI
	stream     *NudgeStream
	discord    *DiscordBot

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	listener     net.Listener
	httpShutdown func(ctx context.Context) error
}

// NewServer wires the HTTP surface around relayer. A nil relayer leaves the
// relay routes unmounted; a nil db disables the audit trail.
func NewServer(cfg *config.RelayConfig, db *sql.DB, relayer Relayer, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if db != nil && cfg.Audit.Enabled {
		s.audit = NewAuditLogger(db, logger.Named("audit"))
	}
	if relayer != nil {
		s.dispatcher = NewDispatcher(relayer, s.audit, logger.Named("dispatcher"))
	}

	s.api = NewHTTPAPI(s.dispatcher, cfg.Server.AuthToken, logger.Named("http"))
	// A disabled commloop reports unavailable even if an address is left in the file.
	commloopAddress := ""
	if cfg.HasCommloop() {
		commloopAddress = cfg.Commloop.Address
	}
	s.api.SetHealthChecker(NewHealthChecker(db, commloopAddress))
	if s.audit != nil {
		s.api.SetAuditLogger(s.audit)
	}

	if s.dispatcher != nil {
		gh, err := NewGitHubWebhook(s.dispatcher, cfg.GitHub, s.audit, logger.Named("github"))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create github webhook: %w", err)
		}
		s.api.SetGitHubWebhook(gh)

		s.stream = NewNudgeStream(ctx, s.dispatcher, cfg.Server.AuthToken, cfg.Server.AllowedOrigins, logger.Named("stream"))
		s.api.SetNudgeStream(s.stream)
	}

	return s, nil
}

// Start binds the HTTP port and starts background work.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.mu.Unlock()

	addr := fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("failed to bind to port", zap.Error(err))
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Server.HTTPPort, err)
	}

	httpSrv := &http.Server{
		Handler:      s.api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.discord != nil {
		if err := s.discord.Start(); err != nil {
			listener.Close()
			return fmt.Errorf("start discord bot: %w", err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.httpShutdown = httpSrv.Shutdown
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server listening",
			zap.String("addr", listener.Addr().String()),
			zap.Bool("commloop", s.dispatcher != nil),
		)
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go s.maintenanceLoop()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	shutdown := s.httpShutdown
	s.mu.Unlock()

	s.logger.Info("relay shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown error", zap.Error(err))
	}
	shutdownCancel()

	if s.discord != nil {
		if err := s.discord.Stop(); err != nil {
			s.logger.Warn("discord shutdown error", zap.Error(err))
		}
	}

	s.cancel()
	if s.stream != nil {
		s.stream.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("relay shutdown complete")
	return nil
}

// maintenanceLoop purges expired audit rows until the server stops.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()
	if s.audit == nil {
		<-s.ctx.Done()
		return
	}

	ticker := time.NewTicker(auditPurgeInterval)
	defer ticker.Stop()

	s.purgeAudit()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.purgeAudit()
		}
	}
}

func (s *Server) purgeAudit() {
	n, err := s.audit.PurgeOlderThan(s.cfg.Audit.RetentionDays)
	if err != nil {
		s.logger.Warn("audit purge failed", zap.Error(err))
		GetMetrics().RecordError("audit", "purge")
		return
	}
	if n > 0 {
		s.logger.Info("purged expired relay log entries", zap.Int64("rows", n))
	}
}

// Addr returns the bound HTTP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Context() context.Context {
	return s.ctx
}

// Dispatcher returns nil when no commloop is configured.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

func (s *Server) AuditLogger() *AuditLogger {
	return s.audit
}

func (s *Server) HTTPAPI() *HTTPAPI {
	return s.api
}

// SetDiscordBot attaches a bot started and stopped with the server.
func (s *Server) SetDiscordBot(bot *DiscordBot) {
	s.discord = bot
}
