// openapi.go — отдача OpenAPI контракта API.
// Контракт встроен в бинарник и валидируется при старте через kin-openapi:
// расхождение контракта с самим собой (битый YAML, неразрешённые $ref)
// обнаруживается до начала обслуживания запросов.
package handlers

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openapiSpec []byte

// OpenAPIHandler — обработчик GET /api-docs.
type OpenAPIHandler struct {
	doc *openapi3.T
}

// NewOpenAPIHandler загружает и валидирует встроенный OpenAPI контракт.
func NewOpenAPIHandler() (*OpenAPIHandler, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI контракта: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("валидация OpenAPI контракта: %w", err)
	}
	return &OpenAPIHandler{doc: doc}, nil
}

// ServeSpec — GET /api-docs. Отдаёт контракт в исходном YAML.
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapiSpec)
}
