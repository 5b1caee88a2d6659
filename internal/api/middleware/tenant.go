// tenant.go — JWT middleware мультиарендности Image Manager.
// Арендатор определяется claim'ом "service" из JWT (Bearer token).
//
// Два режима работы:
//   - с IM_JWT_JWKS_URL — полная валидация подписи (RS256) через JWKS
//     с фоновым обновлением ключей;
//   - без него — токен разбирается без проверки подписи: валидация
//     выполняется на API Gateway, сервису нужен только claim арендатора.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/imagestore/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyTenant — идентификатор арендатора в контексте запроса.
const ContextKeyTenant contextKey = "tenant"

// tenantClaims — claims JWT, нужные Image Manager.
type tenantClaims struct {
	jwt.RegisteredClaims
	// Service — идентификатор арендатора (claim dojot-совместимых шлюзов).
	Service string `json:"service"`
}

// TenantAuth — middleware извлечения арендатора из JWT.
type TenantAuth struct {
	jwks      keyfunc.Keyfunc // nil — подпись не проверяется
	issuer    string
	jwtLeeway time.Duration
	logger    *slog.Logger

	// exclusions — префиксы путей, не требующие токена.
	exclusions []string
}

// NewTenantAuth создаёт middleware с валидацией подписи через JWKS.
// jwksURL — URL JWKS endpoint'а, issuer — ожидаемый iss (пустой — не проверяется).
func NewTenantAuth(
	jwksURL string,
	issuer string,
	jwtLeeway time.Duration,
	jwksRefreshInterval time.Duration,
	exclusions []string,
	logger *slog.Logger,
) (*TenantAuth, error) {
	// JWKS Storage с фоновым обновлением.
	// NoErrorReturnFirstHTTPReq — стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &TenantAuth{
		jwks:       k,
		issuer:     issuer,
		jwtLeeway:  jwtLeeway,
		exclusions: exclusions,
		logger:     logger.With(slog.String("component", "tenant_auth")),
	}, nil
}

// NewTenantAuthUnverified создаёт middleware без проверки подписи.
// Используется за API Gateway, который валидирует токен сам.
func NewTenantAuthUnverified(exclusions []string, logger *slog.Logger) *TenantAuth {
	return &TenantAuth{
		jwks:       nil,
		exclusions: exclusions,
		logger:     logger.With(slog.String("component", "tenant_auth")),
	}
}

// Middleware возвращает HTTP middleware: извлекает Bearer token,
// определяет арендатора и помещает его в контекст запроса.
func (a *TenantAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range a.exclusions {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := parts[1]
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			claims, err := a.parseToken(r.Context(), tokenString)
			if err != nil {
				a.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if claims.Service == "" {
				apierrors.Unauthorized(w, "Отсутствует claim service в токене")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyTenant, claims.Service)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseToken разбирает JWT в соответствии с режимом middleware.
func (a *TenantAuth) parseToken(ctx context.Context, tokenString string) (*tenantClaims, error) {
	claims := &tenantClaims{}

	if a.jwks == nil {
		// Подпись проверена на API Gateway — читаем только claims.
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
			return nil, err
		}
		return claims, nil
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.jwtLeeway),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, a.jwks.KeyfuncCtx(ctx), parserOpts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// TenantFromContext извлекает идентификатор арендатора из контекста запроса.
// Возвращает пустую строку, если арендатор не найден.
func TenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(ContextKeyTenant).(string)
	return tenant
}
