package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDSN         string
	ServerPort    string
	SessionSecret string

	// realtime
	TokenSecret    string
	TokenTTL       time.Duration
	RealtimeBuffer int

	// пусто: события живут только внутри процесса
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	BlobDriver    string
	BlobRoot      string
	BlobURLPrefix string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3PathStyle   bool

	// пусто: цепочка AWS по умолчанию
	S3AccessKeyID     string
	S3SecretAccessKey string

	LogLevel      slog.Level
	GormLogLevel  string
	RetentionTick time.Duration
}

// Load reads .env (if any) and the environment. Missing required values
// stop the process.
func Load() *Config {
	_ = godotenv.Load()

	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		DBDSN:         getenv("DB_DSN"),
		ServerPort:    getenv("SERVER_PORT"),
		SessionSecret: getenv("SESSION_SECRET"),
		TokenSecret:   getenv("TOKEN_SECRET"),
		RedisAddr:     getenv("REDIS_ADDR"),
		RedisPassword: getenv("REDIS_PASSWORD"),
		RedisChannel:  getenv("REDIS_CHANNEL"),
		BlobDriver:    getenv("BLOB_DRIVER"),
		BlobRoot:      getenv("BLOB_ROOT"),
		BlobURLPrefix: getenv("BLOB_URL_PREFIX"),
		S3Bucket:      getenv("S3_BUCKET"),
		S3Region:      getenv("S3_REGION"),
		S3Endpoint:    getenv("S3_ENDPOINT"),
		S3PathStyle:   strings.EqualFold(getenv("S3_PATH_STYLE"), "true"),
		GormLogLevel:  getenv("GORM_LOG_LEVEL"),

		S3AccessKeyID:     getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: getenv("S3_SECRET_ACCESS_KEY"),
	}

	if cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN is not set")
	}
	if cfg.SessionSecret == "" {
		return nil, errors.New("SESSION_SECRET is not set")
	}
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = cfg.SessionSecret
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = "fieldops:notifications"
	}
	if cfg.BlobDriver == "" {
		cfg.BlobDriver = "fs"
	}
	if cfg.BlobRoot == "" {
		cfg.BlobRoot = "./uploads"
	}
	if cfg.BlobURLPrefix == "" {
		cfg.BlobURLPrefix = "/uploads/"
	}
	if cfg.BlobDriver == "s3" && cfg.S3Bucket == "" {
		return nil, errors.New("S3_BUCKET is not set")
	}
	if cfg.GormLogLevel == "" {
		cfg.GormLogLevel = "warn"
	}

	var err error
	if cfg.TokenTTL, err = duration(getenv, "TOKEN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RetentionTick, err = duration(getenv, "RETENTION_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RealtimeBuffer, err = integer(getenv, "REALTIME_BUFFER", 64); err != nil {
		return nil, err
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	return cfg, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func integer(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return n, nil
}
