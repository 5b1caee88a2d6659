package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/imagestore/internal/domain/model"
)

// ImageRepository — интерфейс CRUD для таблицы images.
// Все операции ограничены арендатором (tenant).
type ImageRepository interface {
	// Insert создаёт новую запись. ErrConflict при дублирующемся id.
	Insert(ctx context.Context, img *model.Image) error
	// GetByID возвращает запись по id. ErrNotFound, если записи нет.
	GetByID(ctx context.Context, tenant, id string) (*model.Image, error)
	// List возвращает страницу записей арендатора (новые первыми).
	List(ctx context.Context, tenant string, limit, offset int) ([]*model.Image, error)
	// Count возвращает количество записей арендатора.
	Count(ctx context.Context, tenant string) (int, error)
	// Update заменяет изменяемые поля метаданных (label, версии, sha1).
	Update(ctx context.Context, img *model.Image) error
	// Delete удаляет запись. ErrNotFound, если записи нет.
	Delete(ctx context.Context, tenant, id string) error
	// Confirm — атомарный переход confirmed FALSE → TRUE (compare-and-set).
	// Устанавливает extension, очищает expires_at. ErrNotFound, если записи
	// нет; ErrConflict, если запись уже подтверждена.
	Confirm(ctx context.Context, tenant, id, extension string) error
	// Unconfirm — атомарный переход confirmed TRUE → FALSE.
	// Очищает extension. ErrNotFound, если записи нет; ErrConflict, если
	// бинарного файла и так нет.
	Unconfirm(ctx context.Context, tenant, id string) error
	// DeleteExpired удаляет неподтверждённые записи с истёкшим дедлайном.
	// Возвращает количество удалённых записей.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// imageRepo — реализация ImageRepository.
type imageRepo struct {
	db DBTX
}

// NewImageRepository создаёт репозиторий образов.
func NewImageRepository(db DBTX) ImageRepository {
	return &imageRepo{db: db}
}

func (r *imageRepo) Insert(ctx context.Context, img *model.Image) error {
	query := `
		INSERT INTO images (id, tenant, label, fw_version, hw_version, sha1,
			confirmed, extension, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		img.ID, img.Tenant, img.Label, img.FwVersion, img.HwVersion, img.SHA1,
		img.Confirmed, img.Extension, img.ExpiresAt,
	).Scan(&img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: образ с таким id уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания образа: %w", err)
	}
	return nil
}

func (r *imageRepo) GetByID(ctx context.Context, tenant, id string) (*model.Image, error) {
	query := `
		SELECT id, tenant, label, fw_version, hw_version, sha1,
			confirmed, extension, expires_at, created_at, updated_at
		FROM images
		WHERE tenant = $1 AND id = $2`

	img := &model.Image{}
	err := r.db.QueryRow(ctx, query, tenant, id).Scan(
		&img.ID, &img.Tenant, &img.Label, &img.FwVersion, &img.HwVersion, &img.SHA1,
		&img.Confirmed, &img.Extension, &img.ExpiresAt, &img.CreatedAt, &img.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения образа: %w", err)
	}
	return img, nil
}

func (r *imageRepo) List(ctx context.Context, tenant string, limit, offset int) ([]*model.Image, error) {
	query := `
		SELECT id, tenant, label, fw_version, hw_version, sha1,
			confirmed, extension, expires_at, created_at, updated_at
		FROM images
		WHERE tenant = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, tenant, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка образов: %w", err)
	}
	defer rows.Close()

	var result []*model.Image
	for rows.Next() {
		img := &model.Image{}
		if err := rows.Scan(
			&img.ID, &img.Tenant, &img.Label, &img.FwVersion, &img.HwVersion, &img.SHA1,
			&img.Confirmed, &img.Extension, &img.ExpiresAt, &img.CreatedAt, &img.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования образа: %w", err)
		}
		result = append(result, img)
	}
	return result, rows.Err()
}

func (r *imageRepo) Count(ctx context.Context, tenant string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM images WHERE tenant = $1`, tenant).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта образов: %w", err)
	}
	return count, nil
}

func (r *imageRepo) Update(ctx context.Context, img *model.Image) error {
	query := `
		UPDATE images
		SET label = $3, fw_version = $4, hw_version = $5, sha1 = $6,
			updated_at = now()
		WHERE tenant = $1 AND id = $2
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		img.Tenant, img.ID, img.Label, img.FwVersion, img.HwVersion, img.SHA1,
	).Scan(&img.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления образа: %w", err)
	}
	return nil
}

func (r *imageRepo) Delete(ctx context.Context, tenant, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM images WHERE tenant = $1 AND id = $2`, tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления образа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Confirm выполняет compare-and-set на флаге confirmed.
// Условие confirmed = FALSE в самом UPDATE закрывает гонку двух
// параллельных загрузок: ровно одна выигрывает, вторая получает ErrConflict.
func (r *imageRepo) Confirm(ctx context.Context, tenant, id, extension string) error {
	query := `
		UPDATE images
		SET confirmed = TRUE, extension = $3, expires_at = NULL, updated_at = now()
		WHERE tenant = $1 AND id = $2 AND confirmed = FALSE`

	tag, err := r.db.Exec(ctx, query, tenant, id, extension)
	if err != nil {
		return fmt.Errorf("ошибка подтверждения образа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Либо записи нет, либо она уже подтверждена — различаем перечитыванием.
		if _, getErr := r.GetByID(ctx, tenant, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: бинарный файл уже загружен", ErrConflict)
	}
	return nil
}

func (r *imageRepo) Unconfirm(ctx context.Context, tenant, id string) error {
	query := `
		UPDATE images
		SET confirmed = FALSE, extension = NULL, updated_at = now()
		WHERE tenant = $1 AND id = $2 AND confirmed = TRUE`

	tag, err := r.db.Exec(ctx, query, tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка сброса подтверждения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, tenant, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: у образа нет бинарного файла", ErrConflict)
	}
	return nil
}

// DeleteExpired удаляет просроченные pending записи.
// Условие confirmed = FALSE внутри DELETE гарантирует, что sweep,
// бегущий параллельно с подтверждением, не удалит подтверждённую запись.
func (r *imageRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		DELETE FROM images
		WHERE confirmed = FALSE AND expires_at IS NOT NULL AND expires_at <= $1`

	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления просроченных записей: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
