// images.go — обработчики CRUD образов и их бинарных файлов.
// Арендатор берётся из контекста запроса (middleware.TenantAuth).
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/imagestore/internal/api/errors"
	"github.com/bigkaa/imagestore/internal/api/middleware"
	"github.com/bigkaa/imagestore/internal/domain/model"
	"github.com/bigkaa/imagestore/internal/service"
)

// multipartMemoryLimit — порог буферизации multipart формы в памяти,
// остальное уходит во временные файлы.
const multipartMemoryLimit = 10 << 20

// imageRequest — тело запроса создания/обновления образа.
type imageRequest struct {
	Label     string          `json:"label"`
	FwVersion string          `json:"fw_version"`
	HwVersion string          `json:"hw_version"`
	SHA1      string          `json:"sha1"`
	Attrs     json.RawMessage `json:"attrs,omitempty"`
}

// createImageResponse — тело ответа POST /image.
type createImageResponse struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	PublishedAt string `json:"published_at"`
	URL         string `json:"url"`
}

// listImagesResponse — тело ответа GET /image.
type listImagesResponse struct {
	Pagination *service.Pagination `json:"pagination"`
	Images     []*model.Image      `json:"images"`
}

// deleteImageResponse — тело ответа DELETE /image/{id}.
type deleteImageResponse struct {
	Result       string       `json:"result"`
	RemovedImage *model.Image `json:"removed_image"`
}

// messageResponse — универсальное тело ответа с сообщением.
type messageResponse struct {
	Message string `json:"message"`
	Image   string `json:"image,omitempty"`
}

// CreateImage — POST /image. Создаёт pending запись, возвращает 201 + Location.
func (h *APIHandler) CreateImage(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())

	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}

	if len(req.Attrs) > 0 {
		apierrors.ValidationError(w, "Поле attrs не поддерживается при создании образа")
		return
	}

	img, err := h.images.Create(r.Context(), tenant, service.CreateImageInput{
		Label:     req.Label,
		FwVersion: req.FwVersion,
		HwVersion: req.HwVersion,
		SHA1:      req.SHA1,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	location := "/image/" + img.ID
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusCreated, createImageResponse{
		ID:          img.ID,
		Label:       img.Label,
		PublishedAt: img.CreatedAt.UTC().Format(time.RFC3339),
		URL:         location + "/binary",
	})
}

// ListImages — GET /image. Возвращает страницу образов арендатора.
func (h *APIHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	page, pageSize := paginationParams(r)

	images, pagination, err := h.images.List(r.Context(), tenant, page, pageSize)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if images == nil {
		images = []*model.Image{}
	}

	writeJSON(w, http.StatusOK, listImagesResponse{
		Pagination: pagination,
		Images:     images,
	})
}

// GetImage — GET /image/{id}. Возвращает метаданные образа.
func (h *APIHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	img, err := h.images.Get(r.Context(), tenant, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, img)
}

// UpdateImage — PUT /image/{id}. Заменяет изменяемые поля метаданных.
func (h *APIHandler) UpdateImage(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}

	if len(req.Attrs) > 0 {
		apierrors.ValidationError(w, "Поле attrs не поддерживается: используйте PUT /image/{id}/attrs")
		return
	}

	img, err := h.images.Update(r.Context(), tenant, id, service.CreateImageInput{
		Label:     req.Label,
		FwVersion: req.FwVersion,
		HwVersion: req.HwVersion,
		SHA1:      req.SHA1,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, img)
}

// DeleteImage — DELETE /image/{id}. Удаляет образ вместе с бинарным файлом.
func (h *APIHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	removed, err := h.images.Delete(r.Context(), tenant, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deleteImageResponse{
		Result:       "ok",
		RemovedImage: removed,
	})
}

// UploadBinary — POST /image/{id}/binary. Принимает multipart форму
// с ровно одним файлом в поле image и подтверждает запись.
func (h *APIHandler) UploadBinary(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		apierrors.ValidationError(w, "Некорректная multipart форма")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	files := r.MultipartForm.File["image"]
	if len(files) != 1 {
		apierrors.ValidationError(w, "Ожидается ровно один файл в поле image")
		return
	}

	fh := files[0]
	file, err := fh.Open()
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения загруженного файла")
		return
	}
	defer file.Close()

	err = h.images.Upload(r.Context(), tenant, id, service.UploadParams{
		Reader:   file,
		Filename: fh.Filename,
		Size:     fh.Size,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Message: "image uploaded",
		Image:   id,
	})
}

// GetBinary — GET /image/{id}/binary. Отдаёт бинарный файл потоком.
func (h *APIHandler) GetBinary(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	rc, size, img, err := h.images.GetBinary(r.Context(), tenant, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+img.BinaryKey()+`"`)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		// Заголовки уже отправлены, статус менять поздно.
		h.logger.Error("Ошибка отдачи бинарного файла",
			slog.String("image_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteBinary — DELETE /image/{id}/binary. Удаляет объект, метаданные остаются.
func (h *APIHandler) DeleteBinary(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.images.DeleteBinary(r.Context(), tenant, id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Message: "binary removed",
		Image:   id,
	})
}

// ListBinaries — GET /image/binary/. Возвращает имена объектов bucket'а арендатора.
func (h *APIHandler) ListBinaries(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())

	names, err := h.images.ListBinaries(r.Context(), tenant)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}

	writeJSON(w, http.StatusOK, names)
}

// ConfigureImage — PUT /image/{id}/attrs. Пересылает payload как событие configure.
func (h *APIHandler) ConfigureImage(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}

	if err := h.images.Configure(r.Context(), tenant, id, payload); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "configuration sent"})
}

// writeServiceError транслирует ошибку сервисного слоя в HTTP-ответ.
// Единственная точка маппинга бизнес-ошибок на статус-коды.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrNoBinary):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrAlreadyConfirmed):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrChecksumMismatch),
		errors.Is(err, service.ErrInvalidExtension):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrStoreUnavailable):
		apierrors.StoreUnavailable(w, err.Error())
	default:
		h.logger.Error("Внутренняя ошибка API",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
