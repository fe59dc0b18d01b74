package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"TaskMarket-Chain/internal/config"
	"TaskMarket-Chain/internal/observability/metrics"
	"TaskMarket-Chain/internal/projection"
	"TaskMarket-Chain/internal/registry"
	"TaskMarket-Chain/pkg/logger"
)

// Mirror 是链上镜像的只读接口，由 projection.Watcher 实现。
type Mirror interface {
	Status() projection.Status
	View() *projection.View
}

// Option 定义可选配置。
type Option func(*Server)

// WithMirror 挂载链上镜像接口。
func WithMirror(mirror Mirror) Option {
	return func(s *Server) {
		s.mirror = mirror
	}
}

// WithCommitHook 在每次成功写入后调用，通常用于唤醒事件转发。
func WithCommitHook(hook func()) Option {
	return func(s *Server) {
		s.onCommit = hook
	}
}

// WithMetrics 在 API 端口上同时暴露 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) {
		s.metricsEnabled = enabled
	}
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 负责暴露 REST 接口，供外部驱动任务生命周期。
type Server struct {
	cfg            config.ServerConfig
	registry       *registry.Registry
	mirror         Mirror
	onCommit       func()
	metricsEnabled bool
	logger         *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg config.ServerConfig, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{cfg: cfg, registry: reg, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的 chi 路由器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/registry", s.handleRegistryInfo)
		r.Post("/admin/emergency-withdraw", s.handleEmergencyWithdraw)
		r.Get("/events", s.handleEvents)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleTaskDetail)
				r.Post("/accept", s.handleAcceptTask)
				r.Post("/complete", s.handleCompleteTask)
				r.Post("/approve", s.handleApproveTask)
				r.Get("/permissions", s.handlePermissions)
			})
		})

		r.Route("/accounts/{address}", func(r chi.Router) {
			r.Get("/tasks", s.handleTasksByCreator)
			r.Get("/balance", s.handleBalance)
		})

		r.Route("/chain", func(r chi.Router) {
			r.Get("/status", s.handleChainStatus)
			r.Get("/tasks", s.handleChainTasks)
			r.Get("/tasks/{id}", s.handleChainTaskDetail)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout.Std(),
		WriteTimeout:      s.cfg.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务已启动", slog.String("addr", s.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout.Std()
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) committed() {
	if s.onCommit != nil {
		s.onCommit()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http_request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(started)),
		)
	})
}
