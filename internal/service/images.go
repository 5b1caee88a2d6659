// Пакет service — бизнес-логика Image Manager.
// images.go — контроллер жизненного цикла образа: создание pending записи,
// загрузка и подтверждение бинарного файла, удаление, публикация событий.
package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagestore/internal/config"
	"github.com/bigkaa/imagestore/internal/domain/model"
	"github.com/bigkaa/imagestore/internal/events"
	"github.com/bigkaa/imagestore/internal/repository"
)

// idGenerationAttempts — предел попыток генерации уникального id.
const idGenerationAttempts = 10

// Prometheus бизнес-метрики.
var (
	// operationsTotal — количество операций жизненного цикла.
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_operations_total",
			Help: "Общее количество операций жизненного цикла образов",
		},
		[]string{"operation", "result"},
	)

	// uploadBytesTotal — объём принятых бинарных файлов.
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_upload_bytes_total",
		Help: "Суммарный объём принятых бинарных файлов в байтах",
	})
)

// BinaryStore — контракт объектного хранилища бинарных файлов.
// Реализуется objectstore.Client.
type BinaryStore interface {
	Put(ctx context.Context, tenant, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, tenant, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, tenant, key string) error
	List(ctx context.Context, tenant string) ([]string, error)
}

// Publisher — контракт издателя событий жизненного цикла.
// Реализуется events.KafkaPublisher. Может быть nil — публикация отключена.
type Publisher interface {
	Publish(ctx context.Context, event, imageID string, data any, meta map[string]any) error
}

// CreateImageInput — входные данные создания образа.
type CreateImageInput struct {
	Label     string
	FwVersion string
	HwVersion string
	SHA1      string
}

// UploadParams — параметры загрузки бинарного файла.
type UploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// Filename — оригинальное имя файла (источник расширения)
	Filename string
	// Size — размер файла из multipart заголовка
	Size int64
}

// Pagination — сведения о странице списка (формат ответа GET /image).
type Pagination struct {
	Page    int  `json:"page"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
	NextPage int `json:"next_page"`
}

// ImageService — контроллер жизненного цикла образов.
type ImageService struct {
	repo      repository.ImageRepository
	store     BinaryStore
	publisher Publisher
	cache     *CacheService

	allowedExts    map[string]struct{}
	sha1Validation bool
	maxFileSize    int64
	confirmWindow  time.Duration

	logger *slog.Logger
}

// NewImageService создаёт контроллер жизненного цикла образов.
// publisher может быть nil — события не публикуются.
func NewImageService(
	cfg *config.Config,
	repo repository.ImageRepository,
	store BinaryStore,
	publisher Publisher,
	cache *CacheService,
	logger *slog.Logger,
) *ImageService {
	exts := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, e := range cfg.AllowedExtensions {
		exts[e] = struct{}{}
	}

	return &ImageService{
		repo:           repo,
		store:          store,
		publisher:      publisher,
		cache:          cache,
		allowedExts:    exts,
		sha1Validation: cfg.SHA1Validation,
		maxFileSize:    cfg.MaxFileSize,
		confirmWindow:  cfg.ConfirmWindow,
		logger:         logger.With(slog.String("component", "image_service")),
	}
}

// Create создаёт pending запись образа и возвращает её.
// Идентификатор генерируется сервером; коллизия (нарушение уникальности
// при вставке) разрешается повторной генерацией, не более
// idGenerationAttempts попыток. Дедлайн подтверждения — now + ConfirmWindow.
func (s *ImageService) Create(ctx context.Context, tenant string, input CreateImageInput) (*model.Image, error) {
	if err := validateCreateInput(input, s.sha1Validation); err != nil {
		operationsTotal.WithLabelValues("create", "error").Inc()
		return nil, err
	}

	for attempt := 0; attempt < idGenerationAttempts; attempt++ {
		expiresAt := time.Now().UTC().Add(s.confirmWindow)
		img := &model.Image{
			ID:        uuid.New().String(),
			Tenant:    tenant,
			Label:     input.Label,
			FwVersion: input.FwVersion,
			HwVersion: input.HwVersion,
			SHA1:      strings.ToLower(input.SHA1),
			Confirmed: false,
			ExpiresAt: &expiresAt,
		}

		err := s.repo.Insert(ctx, img)
		if err == nil {
			s.cache.Set(img)
			operationsTotal.WithLabelValues("create", "success").Inc()

			s.logger.Info("Образ создан",
				slog.String("image_id", img.ID),
				slog.String("tenant", tenant),
				slog.String("label", img.Label),
				slog.Time("expires_at", expiresAt),
			)

			s.publish(ctx, events.EventCreate, img, map[string]any{"service": tenant})
			return img, nil
		}

		if errors.Is(err, repository.ErrConflict) {
			// Коллизия id с параллельным создателем — новая попытка.
			continue
		}

		operationsTotal.WithLabelValues("create", "error").Inc()
		return nil, err
	}

	operationsTotal.WithLabelValues("create", "error").Inc()
	return nil, fmt.Errorf("%w: исчерпаны %d попыток", ErrIDGeneration, idGenerationAttempts)
}

// Get возвращает образ по id (сначала из кэша, затем из БД).
func (s *ImageService) Get(ctx context.Context, tenant, id string) (*model.Image, error) {
	if img, ok := s.cache.Get(tenant, id); ok {
		return img, nil
	}

	img, err := s.repo.GetByID(ctx, tenant, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	s.cache.Set(img)
	return img, nil
}

// List возвращает страницу образов арендатора.
// page нумеруется с 1; perPage ограничен вызывающим кодом.
func (s *ImageService) List(ctx context.Context, tenant string, page, perPage int) ([]*model.Image, *Pagination, error) {
	offset := (page - 1) * perPage

	images, err := s.repo.List(ctx, tenant, perPage, offset)
	if err != nil {
		return nil, nil, err
	}

	count, err := s.repo.Count(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}

	totalPages := (count + perPage - 1) / perPage
	pg := &Pagination{
		Page:    page,
		Total:   totalPages,
		HasNext: page < totalPages,
	}
	if pg.HasNext {
		pg.NextPage = page + 1
	}

	return images, pg, nil
}

// Update заменяет изменяемые поля метаданных (label, версии, sha1),
// сохраняя id и состояние подтверждения. Публикует событие update.
func (s *ImageService) Update(ctx context.Context, tenant, id string, input CreateImageInput) (*model.Image, error) {
	if err := validateCreateInput(input, s.sha1Validation); err != nil {
		operationsTotal.WithLabelValues("update", "error").Inc()
		return nil, err
	}

	img, err := s.repo.GetByID(ctx, tenant, id)
	if err != nil {
		operationsTotal.WithLabelValues("update", "error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	img.Label = input.Label
	img.FwVersion = input.FwVersion
	img.HwVersion = input.HwVersion
	img.SHA1 = strings.ToLower(input.SHA1)

	if err := s.repo.Update(ctx, img); err != nil {
		operationsTotal.WithLabelValues("update", "error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	s.cache.Delete(tenant, id)
	operationsTotal.WithLabelValues("update", "success").Inc()

	s.logger.Info("Образ обновлён",
		slog.String("image_id", id),
		slog.String("tenant", tenant),
	)

	s.publish(ctx, events.EventUpdate, img, map[string]any{"service": tenant})
	return img, nil
}

// Delete удаляет образ: сначала бинарный объект (если подтверждён),
// затем запись метаданных. Возвращает удалённую запись.
func (s *ImageService) Delete(ctx context.Context, tenant, id string) (*model.Image, error) {
	img, err := s.repo.GetByID(ctx, tenant, id)
	if err != nil {
		operationsTotal.WithLabelValues("delete", "error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	if img.Confirmed {
		if err := s.store.Delete(ctx, tenant, img.BinaryKey()); err != nil {
			operationsTotal.WithLabelValues("delete", "error").Inc()
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	if err := s.repo.Delete(ctx, tenant, id); err != nil {
		operationsTotal.WithLabelValues("delete", "error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	s.cache.Delete(tenant, id)
	operationsTotal.WithLabelValues("delete", "success").Inc()

	s.logger.Info("Образ удалён",
		slog.String("image_id", id),
		slog.String("tenant", tenant),
		slog.Bool("had_binary", img.Confirmed),
	)

	s.publish(ctx, events.EventRemove, img, map[string]any{"service": tenant})
	return img, nil
}

// Upload принимает бинарный файл для pending записи и подтверждает её.
//
// Порядок обязателен: сначала объект записывается в хранилище, и только
// потом флаг confirmed переводится в TRUE (compare-and-set в БД).
// Запись никогда не выглядит подтверждённой при отсутствующем объекте.
// Проигравший гонку параллельный загрузчик получает ErrAlreadyConfirmed.
func (s *ImageService) Upload(ctx context.Context, tenant, id string, params UploadParams) error {
	img, err := s.repo.GetByID(ctx, tenant, id)
	if err != nil {
		operationsTotal.WithLabelValues("upload", "error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}

	// Гейт до чтения payload: подтверждённая запись отклоняется без побочных эффектов.
	if img.Confirmed {
		operationsTotal.WithLabelValues("upload", "conflict").Inc()
		return ErrAlreadyConfirmed
	}

	if params.Size > s.maxFileSize {
		operationsTotal.WithLabelValues("upload", "error").Inc()
		return fmt.Errorf("%w: размер файла %d байт превышает максимум %d байт",
			ErrValidation, params.Size, s.maxFileSize)
	}

	ext, err := s.extractExtension(params.Filename)
	if err != nil {
		operationsTotal.WithLabelValues("upload", "error").Inc()
		return err
	}

	// Спулим файл во временный файл, считая SHA-1 на лету:
	// до проверки контрольной суммы в объектное хранилище ничего не пишется.
	tmp, err := os.CreateTemp("", "imagestore-upload-*")
	if err != nil {
		operationsTotal.WithLabelValues("upload", "error").Inc()
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha1.New()
	size, err := io.Copy(tmp, io.TeeReader(io.LimitReader(params.Reader, s.maxFileSize+1), hasher))
	if err != nil {
		operationsTotal.WithLabelValues("upload", "error").Inc()
		return fmt.Errorf("ошибка чтения файла: %w", err)
	}
	if size > s.maxFileSize {
		operationsTotal.WithLabelValues("upload", "error").Inc()
		return fmt.Errorf("%w: размер файла превышает максимум %d байт", ErrValidation, s.maxFileSize)
	}

	actualSHA1 := hex.EncodeToString(hasher.Sum(nil))
	if s.sha1Validation && actualSHA1 != strings.ToLower(img.SHA1) {
		operationsTotal.WithLabelValues("upload", "checksum_mismatch").Inc()
		s.logger.Warn("Контрольная сумма не совпала",
			slog.String("image_id", id),
			slog.String("declared", img.SHA1),
			slog.String("actual", actualSHA1),
		)
		return fmt.Errorf("%w: заявлено %s, получено %s", ErrChecksumMismatch, img.SHA1, actualSHA1)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		operationsTotal.WithLabelValues("upload", "error").Inc()
		return fmt.Errorf("ошибка перемотки временного файла: %w", err)
	}

	key := id + "." + ext
	if err := s.store.Put(ctx, tenant, key, tmp, size, "application/octet-stream"); err != nil {
		// Объект не записан — запись остаётся pending, состояние не менялось.
		operationsTotal.WithLabelValues("upload", "error").Inc()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Compare-and-set: подтверждаем только если запись всё ещё pending.
	if err := s.repo.Confirm(ctx, tenant, id, ext); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			operationsTotal.WithLabelValues("upload", "conflict").Inc()
			// Параллельный загрузчик выиграл гонку. Подтверждённая запись
			// владеет ровно одним объектом — ключом победителя; наш объект
			// оставляем только если ключи совпадают (содержимое при включённой
			// проверке SHA-1 идентично). Иначе удаляем, чтобы не осиротить.
			winner, getErr := s.repo.GetByID(ctx, tenant, id)
			if getErr != nil || winner.BinaryKey() != key {
				if delErr := s.store.Delete(ctx, tenant, key); delErr != nil {
					s.logger.Error("Не удалось удалить осиротевший объект",
						slog.String("key", key),
						slog.String("error", delErr.Error()),
					)
				}
			}
			return ErrAlreadyConfirmed
		case errors.Is(err, repository.ErrNotFound):
			operationsTotal.WithLabelValues("upload", "error").Inc()
			// Запись удалена (sweep или remove) между put и CAS — убираем объект.
			if delErr := s.store.Delete(ctx, tenant, key); delErr != nil {
				s.logger.Error("Не удалось удалить осиротевший объект",
					slog.String("key", key),
					slog.String("error", delErr.Error()),
				)
			}
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		default:
			operationsTotal.WithLabelValues("upload", "error").Inc()
			return err
		}
	}

	s.cache.Delete(tenant, id)
	operationsTotal.WithLabelValues("upload", "success").Inc()
	uploadBytesTotal.Add(float64(size))

	s.logger.Info("Бинарный файл загружен",
		slog.String("image_id", id),
		slog.String("tenant", tenant),
		slog.String("key", key),
		slog.Int64("size", size),
		slog.String("sha1", actualSHA1),
	)

	return nil
}

// GetBinary открывает бинарный файл подтверждённого образа для чтения.
// Вызывающий код обязан закрыть ReadCloser.
func (s *ImageService) GetBinary(ctx context.Context, tenant, id string) (io.ReadCloser, int64, *model.Image, error) {
	img, err := s.Get(ctx, tenant, id)
	if err != nil {
		return nil, 0, nil, err
	}

	if !img.Confirmed {
		return nil, 0, nil, ErrNoBinary
	}

	rc, size, err := s.store.Get(ctx, tenant, img.BinaryKey())
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return rc, size, img, nil
}

// DeleteBinary удаляет бинарный объект, сохраняя метаданные.
// Запись возвращается в pending состояние (compare-and-set TRUE → FALSE).
func (s *ImageService) DeleteBinary(ctx context.Context, tenant, id string) error {
	img, err := s.repo.GetByID(ctx, tenant, id)
	if err != nil {
		operationsTotal.WithLabelValues("delete_binary", "error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}

	if !img.Confirmed {
		operationsTotal.WithLabelValues("delete_binary", "error").Inc()
		return ErrNoBinary
	}

	if err := s.store.Delete(ctx, tenant, img.BinaryKey()); err != nil {
		operationsTotal.WithLabelValues("delete_binary", "error").Inc()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := s.repo.Unconfirm(ctx, tenant, id); err != nil {
		operationsTotal.WithLabelValues("delete_binary", "error").Inc()
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		case errors.Is(err, repository.ErrConflict):
			return ErrNoBinary
		default:
			return err
		}
	}

	s.cache.Delete(tenant, id)
	operationsTotal.WithLabelValues("delete_binary", "success").Inc()

	s.logger.Info("Бинарный файл удалён, метаданные сохранены",
		slog.String("image_id", id),
		slog.String("tenant", tenant),
	)

	return nil
}

// ListBinaries возвращает имена всех объектов в bucket'е арендатора.
func (s *ImageService) ListBinaries(ctx context.Context, tenant string) ([]string, error) {
	names, err := s.store.List(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return names, nil
}

// Configure пересылает конфигурационный payload как событие configure.
// Запись должна существовать; payload обязан содержать ключ "topic",
// который переносится в meta события.
func (s *ImageService) Configure(ctx context.Context, tenant, id string, payload map[string]any) error {
	if _, err := s.Get(ctx, tenant, id); err != nil {
		return err
	}

	topic, ok := payload["topic"].(string)
	if !ok || topic == "" {
		return fmt.Errorf("%w: payload должен содержать строковый ключ topic", ErrValidation)
	}
	delete(payload, "topic")

	s.publish(ctx, events.EventConfigure, payload, map[string]any{
		"service": tenant,
		"id":      id,
		"topic":   topic,
	})

	operationsTotal.WithLabelValues("configure", "success").Inc()
	return nil
}

// publish отправляет событие best-effort: ошибки логируются, не пробрасываются.
func (s *ImageService) publish(ctx context.Context, event string, data any, meta map[string]any) {
	if s.publisher == nil {
		return
	}

	imageID := ""
	if img, ok := data.(*model.Image); ok {
		imageID = img.ID
	} else if id, ok := meta["id"].(string); ok {
		imageID = id
	}

	if err := s.publisher.Publish(ctx, event, imageID, data, meta); err != nil {
		s.logger.Warn("Публикация события не удалась",
			slog.String("event", event),
			slog.String("image_id", imageID),
			slog.String("error", err.Error()),
		)
	}
}

// extractExtension извлекает расширение из имени файла и проверяет его
// по списку допустимых.
func (s *ImageService) extractExtension(filename string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return "", fmt.Errorf("%w: имя файла без расширения", ErrInvalidExtension)
	}
	if _, ok := s.allowedExts[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidExtension, ext)
	}
	return ext, nil
}

// validateCreateInput проверяет обязательные поля создания/обновления.
// sha1 обязателен только при включённой проверке контрольной суммы.
func validateCreateInput(input CreateImageInput, sha1Required bool) error {
	var missing []string
	if input.Label == "" {
		missing = append(missing, "label")
	}
	if input.FwVersion == "" {
		missing = append(missing, "fw_version")
	}
	if input.HwVersion == "" {
		missing = append(missing, "hw_version")
	}
	if sha1Required && input.SHA1 == "" {
		missing = append(missing, "sha1")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: отсутствуют обязательные поля: %s", ErrValidation, strings.Join(missing, ", "))
	}

	if input.SHA1 != "" {
		if len(input.SHA1) != 40 || !isHex(input.SHA1) {
			return fmt.Errorf("%w: sha1 должен быть 40-символьной hex-строкой", ErrValidation)
		}
	}
	return nil
}

// isHex проверяет, состоит ли строка только из hex-символов.
func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
