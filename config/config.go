package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds application configuration. Values come from defaults, then
// an optional TOML file, then the environment.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	JWT      JWTConfig      `toml:"jwt"`
	AWS      AWSConfig      `toml:"aws"`
	Audio    AudioConfig    `toml:"audio"`
	Worker   WorkerConfig   `toml:"worker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string `toml:"port"`
	ReadTimeout        int    `toml:"read_timeout_sec"`
	WriteTimeout       int    `toml:"write_timeout_sec"`
	CORSAllowedOrigins string `toml:"cors_allowed_origins"` // comma-separated, or "*"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `toml:"url"` // if set, used as-is
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"name"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int    `toml:"max_conns"`
}

// RedisConfig holds Redis connection settings. KeyPrefix namespaces the
// local key-value entries so several devices can share one server.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string `toml:"secret"`
	ExpireHours int    `toml:"expire_hours"`
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string `toml:"region"`
	AccessKeyID          string `toml:"access_key_id"`
	SecretAccessKey      string `toml:"secret_access_key"`
	Endpoint             string `toml:"endpoint"` // S3-compatible endpoint, optional
	RecordingsBucket     string `toml:"recordings_bucket"`
	PresignExpireMinutes int    `toml:"presign_expire_minutes"`
}

// AudioConfig holds capture and storage settings.
type AudioConfig struct {
	RecordingsDir string `toml:"recordings_dir"`
	InputFormat   string `toml:"input_format"` // ffmpeg -f, empty for the platform default
	InputDevice   string `toml:"input_device"` // ffmpeg -i, empty for the platform default
}

// WorkerConfig holds reconciliation worker settings.
type WorkerConfig struct {
	RepairGraceMinutes int `toml:"repair_grace_minutes"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8080",
			ReadTimeout:        30,
			WriteTimeout:       30,
			CORSAllowedOrigins: "*",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "postgres",
			DBName:   "echoes",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "echoes",
		},
		JWT: JWTConfig{
			Secret:      "change-me-in-production",
			ExpireHours: 24 * 30,
		},
		AWS: AWSConfig{
			Region:               "us-east-1",
			RecordingsBucket:     "echoes-recordings",
			PresignExpireMinutes: 7 * 24 * 60,
		},
		Audio: AudioConfig{
			RecordingsDir: defaultRecordingsDir(),
		},
		Worker: WorkerConfig{
			RepairGraceMinutes: 60,
		},
	}
}

// Load reads configuration: .env, then the TOML file named by ECHOES_CONFIG
// (default echoes.toml, skipped when missing), then environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	cfg := Default()
	path := getEnv("ECHOES_CONFIG", "echoes.toml")
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvInt("READ_TIMEOUT_SEC", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvInt("WRITE_TIMEOUT_SEC", cfg.Server.WriteTimeout)
	cfg.Server.CORSAllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", cfg.Server.CORSAllowedOrigins)

	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnv("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnv("DB_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", cfg.Database.MaxConns)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)

	cfg.JWT.Secret = getEnv("JWT_SECRET", cfg.JWT.Secret)
	cfg.JWT.ExpireHours = getEnvInt("JWT_EXPIRE_HOURS", cfg.JWT.ExpireHours)

	cfg.AWS.Region = getEnv("AWS_REGION", cfg.AWS.Region)
	cfg.AWS.AccessKeyID = getEnv("AWS_ACCESS_KEY_ID", cfg.AWS.AccessKeyID)
	cfg.AWS.SecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", cfg.AWS.SecretAccessKey)
	cfg.AWS.Endpoint = getEnv("AWS_S3_ENDPOINT", cfg.AWS.Endpoint)
	cfg.AWS.RecordingsBucket = getEnv("AWS_S3_RECORDINGS_BUCKET", cfg.AWS.RecordingsBucket)
	cfg.AWS.PresignExpireMinutes = getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", cfg.AWS.PresignExpireMinutes)

	cfg.Audio.RecordingsDir = getEnv("RECORDINGS_DIR", cfg.Audio.RecordingsDir)
	cfg.Audio.InputFormat = getEnv("AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = getEnv("AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)

	cfg.Worker.RepairGraceMinutes = getEnvInt("REPAIR_GRACE_MINUTES", cfg.Worker.RepairGraceMinutes)
}

func defaultRecordingsDir() string {
	if runtime.GOOS == "windows" {
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "echoes", "recordings")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".echoes", "recordings")
	}
	return filepath.Join(os.TempDir(), "echoes", "recordings")
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
