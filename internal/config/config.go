// Пакет config — загрузка и валидация конфигурации Image Manager
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Image Manager.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Объектное хранилище (S3/Minio) ---

	// Endpoint объектного хранилища (host:port, без схемы)
	S3Endpoint string
	// Access key
	S3AccessKey string
	// Secret key
	S3SecretKey string
	// Использовать TLS при подключении
	S3UseSSL bool
	// Таймаут операций с объектным хранилищем
	S3Timeout time.Duration

	// --- Kafka (Event Publisher, опционально) ---

	// Брокеры Kafka через запятую. Пустой список отключает публикацию событий.
	KafkaBrokers []string
	// Топик событий жизненного цикла образов
	KafkaTopic string
	// Таймаут публикации одного события
	KafkaTimeout time.Duration

	// --- JWT / tenant ---

	// URL JWKS endpoint для проверки подписи JWT.
	// Пустое значение — подпись не проверяется (доверенный API Gateway).
	JWTJWKSURL string
	// Ожидаемый issuer JWT (проверяется только при заданном JWKS URL)
	JWTIssuer string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration

	// --- Жизненный цикл образов ---

	// Допустимые расширения бинарных файлов (через запятую, нижний регистр)
	AllowedExtensions []string
	// Проверять SHA-1 загружаемого файла против заявленного в метаданных
	SHA1Validation bool
	// Максимальный размер бинарного файла в байтах
	MaxFileSize int64
	// Окно подтверждения: сколько pending запись ждёт загрузки бинарного файла
	ConfirmWindow time.Duration
	// Интервал sweep'а просроченных pending записей
	SweepInterval time.Duration

	// --- Кэш метаданных ---

	// Максимальное количество записей в LRU-кэше
	CacheSize int
	// TTL записи кэша
	CacheTTL time.Duration

	// --- Мониторинг зависимостей ---

	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// IM_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("IM_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("IM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("IM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// IM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IM_LOG_LEVEL: %w", err)
	}

	// IM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("IM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// IM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("IM_DB_HOST")
	if err != nil {
		return nil, err
	}

	// IM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("IM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IM_DB_PORT: %w", err)
	}

	// IM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("IM_DB_NAME")
	if err != nil {
		return nil, err
	}

	// IM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("IM_DB_USER")
	if err != nil {
		return nil, err
	}

	// IM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("IM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// IM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("IM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("IM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Объектное хранилище ---

	// IM_S3_ENDPOINT — обязательный (host:port)
	cfg.S3Endpoint, err = getEnvRequired("IM_S3_ENDPOINT")
	if err != nil {
		return nil, err
	}
	if strings.Contains(cfg.S3Endpoint, "://") {
		return nil, fmt.Errorf("IM_S3_ENDPOINT: ожидается host:port без схемы, получено %q", cfg.S3Endpoint)
	}

	// IM_S3_ACCESS_KEY — обязательный
	cfg.S3AccessKey, err = getEnvRequired("IM_S3_ACCESS_KEY")
	if err != nil {
		return nil, err
	}

	// IM_S3_SECRET_KEY — обязательный
	cfg.S3SecretKey, err = getEnvRequired("IM_S3_SECRET_KEY")
	if err != nil {
		return nil, err
	}

	// IM_S3_USE_SSL — TLS при подключении (по умолчанию false)
	cfg.S3UseSSL, err = getEnvBool("IM_S3_USE_SSL", false)
	if err != nil {
		return nil, fmt.Errorf("IM_S3_USE_SSL: %w", err)
	}

	// IM_S3_TIMEOUT — таймаут операций (по умолчанию 30s)
	cfg.S3Timeout, err = getEnvDuration("IM_S3_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_S3_TIMEOUT: %w", err)
	}

	// --- Kafka ---

	// IM_KAFKA_BROKERS — брокеры через запятую (пусто — публикация отключена)
	cfg.KafkaBrokers = parseCSV(getEnvDefault("IM_KAFKA_BROKERS", ""))

	// IM_KAFKA_TOPIC — топик событий (по умолчанию image-manager.images)
	cfg.KafkaTopic = getEnvDefault("IM_KAFKA_TOPIC", "image-manager.images")

	// IM_KAFKA_TIMEOUT — таймаут публикации (по умолчанию 10s)
	cfg.KafkaTimeout, err = getEnvDuration("IM_KAFKA_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_KAFKA_TIMEOUT: %w", err)
	}

	// --- JWT ---

	// IM_JWT_JWKS_URL — опциональный; пусто — подпись не проверяется
	cfg.JWTJWKSURL = getEnvDefault("IM_JWT_JWKS_URL", "")

	// IM_JWT_ISSUER — ожидаемый issuer (опционально)
	cfg.JWTIssuer = getEnvDefault("IM_JWT_ISSUER", "")

	// IM_JWT_LEEWAY — допустимое отклонение времени (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("IM_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_JWT_LEEWAY: %w", err)
	}

	// IM_JWKS_REFRESH_INTERVAL — интервал обновления ключей (по умолчанию 5m)
	cfg.JWKSRefreshInterval, err = getEnvDuration("IM_JWKS_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// --- Жизненный цикл образов ---

	// IM_ALLOWED_EXTENSIONS — допустимые расширения (по умолчанию hex)
	cfg.AllowedExtensions = parseCSV(strings.ToLower(getEnvDefault("IM_ALLOWED_EXTENSIONS", "hex")))
	if len(cfg.AllowedExtensions) == 0 {
		return nil, fmt.Errorf("IM_ALLOWED_EXTENSIONS: список расширений не может быть пустым")
	}

	// IM_SHA1_VALIDATION — проверка контрольной суммы (по умолчанию true)
	cfg.SHA1Validation, err = getEnvBool("IM_SHA1_VALIDATION", true)
	if err != nil {
		return nil, fmt.Errorf("IM_SHA1_VALIDATION: %w", err)
	}

	// IM_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 64 MiB)
	cfg.MaxFileSize, err = getEnvInt64("IM_MAX_FILE_SIZE", 64<<20)
	if err != nil {
		return nil, fmt.Errorf("IM_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize < 1 {
		return nil, fmt.Errorf("IM_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// IM_CONFIRM_WINDOW — окно подтверждения (по умолчанию 5m)
	cfg.ConfirmWindow, err = getEnvDuration("IM_CONFIRM_WINDOW", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_CONFIRM_WINDOW: %w", err)
	}

	// IM_SWEEP_INTERVAL — интервал sweep'а (по умолчанию 1m)
	cfg.SweepInterval, err = getEnvDuration("IM_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_SWEEP_INTERVAL: %w", err)
	}

	// --- Кэш метаданных ---

	// IM_CACHE_SIZE — размер LRU-кэша (по умолчанию 1024)
	cfg.CacheSize, err = getEnvInt("IM_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("IM_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("IM_CACHE_SIZE: значение должно быть положительным")
	}

	// IM_CACHE_TTL — TTL записи кэша (по умолчанию 30s)
	cfg.CacheTTL, err = getEnvDuration("IM_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_CACHE_TTL: %w", err)
	}

	// --- Мониторинг зависимостей ---

	// IM_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию imagestore)
	cfg.DephealthGroup = getEnvDefault("IM_DEPHEALTH_GROUP", "imagestore")

	// IM_DEPHEALTH_CHECK_INTERVAL — интервал проверки (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("IM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// IM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("IM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL
// (для лейблов topologymetrics, не для подключения).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (используйте true/false)", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
