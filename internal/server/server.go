// Пакет server — HTTP-сервер Image Manager с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/imagestore/internal/api/handlers"
	"github.com/bigkaa/imagestore/internal/api/middleware"
	"github.com/bigkaa/imagestore/internal/config"
)

// Server — HTTP-сервер Image Manager.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// tenantAuth извлекает арендатора из JWT; health и metrics проверяются
// Kubernetes напрямую, без API Gateway, поэтому идут без токена
// (исключения настраиваются в самом middleware).
func New(
	cfg *config.Config,
	logger *slog.Logger,
	api *handlers.APIHandler,
	openapi *handlers.OpenAPIHandler,
	tenantAuth *middleware.TenantAuth,
) *Server {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	if tenantAuth != nil {
		router.Use(tenantAuth.Middleware())
	}

	router.Get("/health/live", api.HealthLive)
	router.Get("/health/ready", api.HealthReady)
	router.Get("/metrics", api.GetMetrics)
	if openapi != nil {
		router.Get("/api-docs", openapi.ServeSpec)
	}

	router.Route("/image", func(r chi.Router) {
		r.Post("/", api.CreateImage)
		r.Get("/", api.ListImages)
		r.Get("/binary/", api.ListBinaries)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", api.GetImage)
			r.Put("/", api.UpdateImage)
			r.Delete("/", api.DeleteImage)
			r.Post("/binary", api.UploadBinary)
			r.Get("/binary", api.GetBinary)
			r.Delete("/binary", api.DeleteBinary)
			r.Put("/attrs", api.ConfigureImage)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой http.Handler (для httptest).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
