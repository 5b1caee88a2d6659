package config

import (
	"log/slog"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения (очистка через t.Setenv).
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"IM_DB_HOST":       "localhost",
		"IM_DB_NAME":       "imagestore",
		"IM_DB_USER":       "imagestore",
		"IM_DB_PASSWORD":   "secret",
		"IM_S3_ENDPOINT":   "minio:9000",
		"IM_S3_ACCESS_KEY": "access",
		"IM_S3_SECRET_KEY": "secret",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	// Проверяем значения по умолчанию
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, ожидается 8000", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.DBSSLMode != "disable" {
		t.Errorf("DBSSLMode = %q, ожидается disable", cfg.DBSSLMode)
	}
	if cfg.S3UseSSL {
		t.Error("S3UseSSL = true, ожидается false")
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("KafkaBrokers = %v, ожидается пустой список", cfg.KafkaBrokers)
	}
	if cfg.KafkaTopic != "image-manager.images" {
		t.Errorf("KafkaTopic = %q, ожидается image-manager.images", cfg.KafkaTopic)
	}
	if len(cfg.AllowedExtensions) != 1 || cfg.AllowedExtensions[0] != "hex" {
		t.Errorf("AllowedExtensions = %v, ожидается [hex]", cfg.AllowedExtensions)
	}
	if !cfg.SHA1Validation {
		t.Error("SHA1Validation = false, ожидается true по умолчанию")
	}
	if cfg.ConfirmWindow != 5*time.Minute {
		t.Errorf("ConfirmWindow = %v, ожидается 5m", cfg.ConfirmWindow)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, ожидается 1m", cfg.SweepInterval)
	}
	if cfg.CacheSize != 1024 {
		t.Errorf("CacheSize = %d, ожидается 1024", cfg.CacheSize)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	envs := minimalEnvs()
	delete(envs, "IM_DB_HOST")
	setEnvs(t, envs)
	t.Setenv("IM_DB_HOST", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() без IM_DB_HOST должен вернуть ошибку")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("IM_PORT", "99999")

	if _, err := Load(); err == nil {
		t.Fatal("Load() с портом вне диапазона должен вернуть ошибку")
	}
}

func TestLoad_EndpointWithScheme(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("IM_S3_ENDPOINT", "http://minio:9000")

	if _, err := Load(); err == nil {
		t.Fatal("Load() с IM_S3_ENDPOINT со схемой должен вернуть ошибку")
	}
}

func TestLoad_KafkaBrokersCSV(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("IM_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092 ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("KafkaBrokers = %v, ожидается 2 брокера", cfg.KafkaBrokers)
	}
	if cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("KafkaBrokers[1] = %q, ожидается kafka-2:9092", cfg.KafkaBrokers[1])
	}
}

func TestLoad_AllowedExtensions(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("IM_ALLOWED_EXTENSIONS", "HEX,bin")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if len(cfg.AllowedExtensions) != 2 || cfg.AllowedExtensions[0] != "hex" || cfg.AllowedExtensions[1] != "bin" {
		t.Errorf("AllowedExtensions = %v, ожидается [hex bin] в нижнем регистре", cfg.AllowedExtensions)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("IM_CONFIRM_WINDOW", "пять минут")

	if _, err := Load(); err == nil {
		t.Fatal("Load() с некорректной длительностью должен вернуть ошибку")
	}
}

func TestDatabaseDSN(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	want := "host=localhost port=5432 dbname=imagestore user=imagestore password=secret sslmode=disable"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", got, want)
	}
}
