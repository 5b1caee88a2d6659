// expire.go — сервис фоновой очистки неподтверждённых записей.
//
// Запись, созданная без последующей загрузки бинарного файла, имеет
// дедлайн подтверждения (expires_at). Sweep периодически удаляет записи
// с истёкшим дедлайном одним DELETE-запросом; условие confirmed = FALSE
// входит в сам запрос, поэтому гонка с параллельным подтверждением
// разрешается на стороне БД.
//
// Запускается как горутина с периодическим тикером (IM_SWEEP_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagestore/internal/repository"
)

// Prometheus метрики sweep
var (
	// expireRunsTotal — количество запусков sweep.
	expireRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_expire_runs_total",
		Help: "Общее количество запусков очистки неподтверждённых записей",
	})

	// imagesExpiredTotal — количество удалённых просроченных записей.
	imagesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_images_expired_total",
		Help: "Общее количество записей, удалённых по истечении дедлайна подтверждения",
	})

	// expireDurationSeconds — длительность выполнения sweep.
	expireDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_expire_duration_seconds",
		Help:    "Длительность выполнения очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)

// ExpireResult — результат одного запуска sweep.
type ExpireResult struct {
	// DeletedCount — количество удалённых записей
	DeletedCount int
	// Duration — длительность выполнения
	Duration time.Duration
}

// ExpireService — сервис фоновой очистки просроченных pending записей.
type ExpireService struct {
	repo     repository.ImageRepository
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex // защита от параллельного запуска RunOnce
	running bool       // флаг работы фонового процесса
	cancel  context.CancelFunc
}

// NewExpireService создаёт сервис очистки.
func NewExpireService(repo repository.ImageRepository, interval time.Duration, logger *slog.Logger) *ExpireService {
	return &ExpireService{
		repo:     repo,
		interval: interval,
		logger:   logger.With(slog.String("component", "expire")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
// Вызывается один раз при старте приложения.
func (e *ExpireService) Start(ctx context.Context) {
	expCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	go e.run(expCtx)

	e.logger.Info("Очистка неподтверждённых записей запущена",
		slog.String("interval", e.interval.String()),
	)
}

// Stop останавливает фоновый процесс очистки.
func (e *ExpireService) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.running = false
	e.logger.Info("Очистка остановлена")
}

// run — основной цикл фоновой горутины.
func (e *ExpireService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	e.RunOnce(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (e *ExpireService) RunOnce(ctx context.Context) *ExpireResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	result := &ExpireResult{}

	deleted, err := e.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		e.logger.Error("Ошибка очистки просроченных записей",
			slog.String("error", err.Error()),
		)
	}
	result.DeletedCount = deleted
	result.Duration = time.Since(start)

	expireRunsTotal.Inc()
	imagesExpiredTotal.Add(float64(deleted))
	expireDurationSeconds.Observe(result.Duration.Seconds())

	if deleted > 0 {
		e.logger.Info("Очистка завершена",
			slog.Int("deleted", result.DeletedCount),
			slog.Duration("duration", result.Duration),
		)
	} else {
		e.logger.Debug("Очистка завершена, просроченных записей нет",
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}
