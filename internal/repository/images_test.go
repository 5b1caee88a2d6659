package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/imagestore/internal/config"
	"github.com/bigkaa/imagestore/internal/database"
	"github.com/bigkaa/imagestore/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; контейнер останавливается через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("imagestore_test"),
		postgres.WithUsername("imagestore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("IM_DB_HOST", host)
	os.Setenv("IM_DB_PORT", port.Port())
	os.Setenv("IM_DB_NAME", "imagestore_test")
	os.Setenv("IM_DB_USER", "imagestore")
	os.Setenv("IM_DB_PASSWORD", "test-password")
	os.Setenv("IM_DB_SSL_MODE", "disable")
	os.Setenv("IM_S3_ENDPOINT", "localhost:9000")
	os.Setenv("IM_S3_ACCESS_KEY", "test")
	os.Setenv("IM_S3_SECRET_KEY", "test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newPendingImage создаёт pending запись с дедлайном подтверждения.
func newPendingImage(tenant string, window time.Duration) *model.Image {
	expiresAt := time.Now().UTC().Add(window)
	return &model.Image{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		Label:     "ExampleFW",
		FwVersion: "1.0.0",
		HwVersion: "revA",
		SHA1:      "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		ExpiresAt: &expiresAt,
	}
}

func TestImageCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewImageRepository(pool)

	img := newPendingImage("admin", 5*time.Minute)

	// Insert
	if err := repo.Insert(ctx, img); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Повторная вставка того же id — конфликт
	if err := repo.Insert(ctx, img); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Insert: хотели ErrConflict, получили %v", err)
	}

	// GetByID
	got, err := repo.GetByID(ctx, "admin", img.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Label != img.Label || got.Confirmed {
		t.Errorf("GetByID: неожиданная запись %+v", got)
	}
	if got.ExpiresAt == nil {
		t.Error("у pending записи должен быть expires_at")
	}

	// Изоляция арендаторов
	if _, err := repo.GetByID(ctx, "other", img.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("чужой арендатор: хотели ErrNotFound, получили %v", err)
	}

	// Update
	got.Label = "UpdatedFW"
	got.FwVersion = "2.0.0"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, _ := repo.GetByID(ctx, "admin", img.ID)
	if updated.Label != "UpdatedFW" || updated.FwVersion != "2.0.0" {
		t.Errorf("Update не применился: %+v", updated)
	}

	// Delete
	if err := repo.Delete(ctx, "admin", img.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, "admin", img.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("после Delete: хотели ErrNotFound, получили %v", err)
	}
	if err := repo.Delete(ctx, "admin", img.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Delete: хотели ErrNotFound, получили %v", err)
	}
}

func TestImageConfirmCAS(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewImageRepository(pool)

	img := newPendingImage("admin", 5*time.Minute)
	if err := repo.Insert(ctx, img); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Первое подтверждение
	if err := repo.Confirm(ctx, "admin", img.ID, "hex"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	got, _ := repo.GetByID(ctx, "admin", img.ID)
	if !got.Confirmed {
		t.Error("запись должна быть подтверждена")
	}
	if got.Extension == nil || *got.Extension != "hex" {
		t.Errorf("extension: хотели hex, получили %v", got.Extension)
	}
	if got.ExpiresAt != nil {
		t.Error("expires_at должен быть сброшен при подтверждении")
	}

	// Повторное подтверждение — проигравший CAS получает конфликт
	if err := repo.Confirm(ctx, "admin", img.ID, "hex"); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Confirm: хотели ErrConflict, получили %v", err)
	}

	// Confirm несуществующей записи
	if err := repo.Confirm(ctx, "admin", uuid.New().String(), "hex"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Confirm несуществующей: хотели ErrNotFound, получили %v", err)
	}

	// Unconfirm возвращает в pending
	if err := repo.Unconfirm(ctx, "admin", img.ID); err != nil {
		t.Fatalf("Unconfirm: %v", err)
	}
	got, _ = repo.GetByID(ctx, "admin", img.ID)
	if got.Confirmed || got.Extension != nil {
		t.Errorf("после Unconfirm: %+v", got)
	}

	// Повторный Unconfirm — конфликт
	if err := repo.Unconfirm(ctx, "admin", img.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Unconfirm: хотели ErrConflict, получили %v", err)
	}
}

func TestImageListAndCount(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewImageRepository(pool)

	for i := 0; i < 5; i++ {
		if err := repo.Insert(ctx, newPendingImage("list-tenant", 5*time.Minute)); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}
	if err := repo.Insert(ctx, newPendingImage("other-tenant", 5*time.Minute)); err != nil {
		t.Fatalf("Insert other: %v", err)
	}

	count, err := repo.Count(ctx, "list-tenant")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Errorf("Count: хотели 5, получили %d", count)
	}

	page, err := repo.List(ctx, "list-tenant", 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("List limit=2: хотели 2, получили %d", len(page))
	}

	rest, err := repo.List(ctx, "list-tenant", 10, 4)
	if err != nil {
		t.Fatalf("List offset=4: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("List offset=4: хотели 1, получили %d", len(rest))
	}
}

func TestDeleteExpired(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewImageRepository(pool)

	// Просроченная pending запись
	expired := newPendingImage("exp-tenant", -time.Hour)
	if err := repo.Insert(ctx, expired); err != nil {
		t.Fatalf("Insert expired: %v", err)
	}

	// Свежая pending запись
	fresh := newPendingImage("exp-tenant", time.Hour)
	if err := repo.Insert(ctx, fresh); err != nil {
		t.Fatalf("Insert fresh: %v", err)
	}

	// Подтверждённая запись с истёкшим в прошлом дедлайном — не удаляется:
	// Confirm сбрасывает expires_at.
	confirmed := newPendingImage("exp-tenant", -time.Hour)
	if err := repo.Insert(ctx, confirmed); err != nil {
		t.Fatalf("Insert confirmed: %v", err)
	}
	if err := repo.Confirm(ctx, "exp-tenant", confirmed.ID, "hex"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	deleted, err := repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteExpired: хотели 1, получили %d", deleted)
	}

	if _, err := repo.GetByID(ctx, "exp-tenant", expired.ID); !errors.Is(err, ErrNotFound) {
		t.Error("просроченная запись должна быть удалена")
	}
	if _, err := repo.GetByID(ctx, "exp-tenant", fresh.ID); err != nil {
		t.Errorf("свежая запись не должна удаляться: %v", err)
	}
	if _, err := repo.GetByID(ctx, "exp-tenant", confirmed.ID); err != nil {
		t.Errorf("подтверждённая запись не должна удаляться: %v", err)
	}
}
