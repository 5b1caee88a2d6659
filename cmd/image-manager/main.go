// Точка входа Image Manager — сервис управления образами прошивок.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL
// и объектному хранилищу, создаёт Kafka-издателя событий, сервисный слой
// и API handlers, запускает фоновую очистку неподтверждённых записей,
// topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/imagestore/internal/api/handlers"
	"github.com/bigkaa/imagestore/internal/api/middleware"
	"github.com/bigkaa/imagestore/internal/config"
	"github.com/bigkaa/imagestore/internal/database"
	"github.com/bigkaa/imagestore/internal/events"
	"github.com/bigkaa/imagestore/internal/objectstore"
	"github.com/bigkaa/imagestore/internal/repository"
	"github.com/bigkaa/imagestore/internal/server"
	"github.com/bigkaa/imagestore/internal/service"
)

// tenantExclusions — пути, доступные без JWT (probes и метрики
// опрашиваются Kubernetes напрямую, контракт публичен).
var tenantExclusions = []string{"/health/", "/metrics", "/api-docs"}

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Image Manager запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("IM_DEPHEALTH_GROUP") == "" {
		logger.Warn("IM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL будет идти через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Клиент объектного хранилища (Minio/S3)
	store, err := objectstore.New(cfg, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента объектного хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Клиент объектного хранилища создан",
		slog.String("endpoint", cfg.S3Endpoint),
		slog.Bool("use_ssl", cfg.S3UseSSL),
	)

	// 6. Издатель событий (опционально: без IM_KAFKA_BROKERS события отключены)
	var publisher service.Publisher
	var kafkaPublisher *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher = events.New(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaTimeout, logger)
		publisher = kafkaPublisher
		defer kafkaPublisher.Close()
		logger.Info("Издатель событий создан",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.KafkaTopic),
		)
	} else {
		logger.Info("IM_KAFKA_BROKERS не задана, публикация событий отключена")
	}

	// 7. Repository и сервисный слой
	imageRepo := repository.NewImageRepository(pool)
	cache := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)
	imageSvc := service.NewImageService(cfg, imageRepo, store, publisher, cache, logger)

	// 8. Фоновая очистка неподтверждённых записей
	expireSvc := service.NewExpireService(imageRepo, cfg.SweepInterval, logger)
	expireSvc.Start(ctx)

	// 9. topologymetrics — мониторинг зависимостей (PostgreSQL + объектное хранилище)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"image-manager",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		store.HealthURL(),
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 10. Handlers
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), store)
	apiHandler := handlers.NewAPIHandler(healthHandler, imageSvc, logger)

	openapiHandler, err := handlers.NewOpenAPIHandler()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 11. Middleware арендатора.
	// С IM_JWT_JWKS_URL подпись токена проверяется через JWKS;
	// без него токен разбирается без проверки (валидация на API Gateway).
	var tenantAuth *middleware.TenantAuth
	if cfg.JWTJWKSURL != "" {
		tenantAuth, err = middleware.NewTenantAuth(
			cfg.JWTJWKSURL,
			cfg.JWTIssuer,
			cfg.JWTLeeway,
			cfg.JWKSRefreshInterval,
			tenantExclusions,
			logger,
		)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		tenantAuth = middleware.NewTenantAuthUnverified(tenantExclusions, logger)
		logger.Info("IM_JWT_JWKS_URL не задана, подпись JWT не проверяется (валидация на API Gateway)")
	}

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, openapiHandler, tenantAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	expireSvc.Stop()

	logger.Info("Image Manager остановлен")
}
