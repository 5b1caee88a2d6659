// Пакет objectstore — клиент объектного хранилища (Minio/S3) для бинарных
// файлов образов. Один bucket на арендатора, ключ объекта — {id}.{extension}.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bigkaa/imagestore/internal/config"
)

// ErrObjectNotFound — объект отсутствует в хранилище.
var ErrObjectNotFound = errors.New("объект не найден в хранилище")

// Client — обёртка над minio.Client с per-call таймаутами
// и автоматическим созданием bucket'а арендатора.
type Client struct {
	mc      *minio.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New создаёт клиент объектного хранилища.
// Подключение ленивое: доступность проверяется первой операцией
// (или readiness probe), а не в конструкторе.
func New(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента объектного хранилища: %w", err)
	}

	return &Client{
		mc:      mc,
		timeout: cfg.S3Timeout,
		logger:  logger.With(slog.String("component", "objectstore")),
	}, nil
}

// EnsureBucket проверяет существование bucket'а арендатора и создаёт его
// при отсутствии. Гонка двух параллельных создателей разрешается повторной
// проверкой существования после ошибки MakeBucket.
func (c *Client) EnsureBucket(ctx context.Context, tenant string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	exists, err := c.mc.BucketExists(ctx, tenant)
	if err != nil {
		return fmt.Errorf("ошибка проверки bucket %s: %w", tenant, err)
	}
	if exists {
		return nil
	}

	if err := c.mc.MakeBucket(ctx, tenant, minio.MakeBucketOptions{}); err != nil {
		if exists, checkErr := c.mc.BucketExists(ctx, tenant); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("ошибка создания bucket %s: %w", tenant, err)
	}

	c.logger.Info("Bucket арендатора создан", slog.String("tenant", tenant))
	return nil
}

// Put записывает объект в bucket арендатора.
func (c *Client) Put(ctx context.Context, tenant, key string, r io.Reader, size int64, contentType string) error {
	if err := c.EnsureBucket(ctx, tenant); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.mc.PutObject(ctx, tenant, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("ошибка записи объекта %s/%s: %w", tenant, key, err)
	}
	return nil
}

// Get открывает объект для чтения. Вызывающий код обязан закрыть ReadCloser.
// Таймаут не навешивается: поток читается за пределами этого вызова.
func (c *Client) Get(ctx context.Context, tenant, key string) (io.ReadCloser, int64, error) {
	obj, err := c.mc.GetObject(ctx, tenant, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка открытия объекта %s/%s: %w", tenant, key, err)
	}

	// GetObject ленивый: отсутствие объекта обнаруживается только Stat'ом.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, 0, ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("ошибка получения объекта %s/%s: %w", tenant, key, err)
	}

	return obj, info.Size, nil
}

// Delete удаляет объект из bucket'а арендатора.
// Удаление отсутствующего объекта не считается ошибкой (идемпотентность).
func (c *Client) Delete(ctx context.Context, tenant, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.mc.RemoveObject(ctx, tenant, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("ошибка удаления объекта %s/%s: %w", tenant, key, err)
	}
	return nil
}

// List возвращает имена всех объектов в bucket'е арендатора.
func (c *Client) List(ctx context.Context, tenant string) ([]string, error) {
	if err := c.EnsureBucket(ctx, tenant); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var names []string
	for obj := range c.mc.ListObjects(ctx, tenant, minio.ListObjectsOptions{}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("ошибка листинга bucket %s: %w", tenant, obj.Err)
		}
		names = append(names, obj.Key)
	}
	return names, nil
}

// CheckReady — проверка готовности объектного хранилища для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
func (c *Client) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := c.mc.ListBuckets(ctx); err != nil {
		return "fail", fmt.Sprintf("объектное хранилище недоступно: %v", err)
	}
	return "ok", "подключение активно"
}

// HealthURL возвращает URL хранилища для мониторинга зависимостей.
func (c *Client) HealthURL() string {
	return c.mc.EndpointURL().String()
}

// isNotFound проверяет, является ли ошибка ответом NoSuchKey/NoSuchBucket.
func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
