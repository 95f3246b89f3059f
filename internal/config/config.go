package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config структура конфигурации
type Config struct {
	TelegramBotToken string
	JWTSecret        string
	AppEnv           string // Окружение приложения: production или development
	HTTPAddr         string
	WSAddr           string
	StorageDriver    string // postgres или memory
	DatabaseURL      string
	DatabaseConfig   DatabaseConfig
	CloudinaryConfig CloudinaryConfig
	BusConfig        BusConfig
	ChatConfig       ChatConfig
}

// DatabaseConfig содержит конфигурацию базы данных
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// CloudinaryConfig содержит конфигурацию для Cloudinary
type CloudinaryConfig struct {
	CloudName    string
	APIKey       string
	APISecret    string
	UploadPreset string
	UploadFolder string
}

// Enabled сообщает, заданы ли ключи Cloudinary
func (c CloudinaryConfig) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// BusConfig описывает шину для доставки событий между инстансами
type BusConfig struct {
	Driver       string // none, redis или nats
	RedisAddr    string
	RedisChannel string
	NATSURL      string
	NATSSubject  string
}

// ChatConfig содержит параметры realtime-чата
type ChatConfig struct {
	PersistTimeout   time.Duration
	PreviewLength    int
	MaxMessageLength int
	MediaHosts       []string
	AllowedOrigins   []string // Разрешенные Origin для websocket; пусто = любой
}

// LoadConfig загружает переменные из .env и окружения
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ .env файл не найден, используем переменные окружения")
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("PGHOST", "localhost"),
		Port:     getEnv("PGPORT", "5432"),
		User:     getEnv("PGUSER", "flippy_user"),
		Password: getEnv("PGPASSWORD", "flippy_pass"),
		Name:     getEnv("PGDATABASE", "flippy"),
		SSLMode:  getEnv("PGSSLMODE", "disable"),
		MaxConns: int32(getEnvInt("PG_MAX_CONNS", 10)),
		MinConns: int32(getEnvInt("PG_MIN_CONNS", 2)),
	}

	// Формируем строку подключения, если DATABASE_URL не задан явно
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" {
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbConfig.User, dbConfig.Password, dbConfig.Host, dbConfig.Port, dbConfig.Name, dbConfig.SSLMode)
	}

	cfg := &Config{
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		AppEnv:           getEnv("APP_ENV", "production"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		WSAddr:           getEnv("WS_ADDR", ":8081"),
		StorageDriver:    strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),
		DatabaseURL:      dbURL,
		DatabaseConfig:   dbConfig,
		CloudinaryConfig: CloudinaryConfig{
			CloudName:    getEnv("CLOUDINARY_CLOUD_NAME", ""),
			APIKey:       getEnv("CLOUDINARY_API_KEY", ""),
			APISecret:    getEnv("CLOUDINARY_API_SECRET", ""),
			UploadPreset: getEnv("CLOUDINARY_UPLOAD_PRESET", "flippy_chat"),
			UploadFolder: getEnv("CLOUDINARY_UPLOAD_FOLDER", "chat"),
		},
		BusConfig: BusConfig{
			Driver:       strings.ToLower(getEnv("BUS_DRIVER", "none")),
			RedisAddr:    getEnv("REDIS_ADDR", ""),
			RedisChannel: getEnv("REDIS_CHANNEL", "chat-events"),
			NATSURL:      getEnv("NATS_URL", ""),
			NATSSubject:  getEnv("NATS_SUBJECT", "chat.events"),
		},
		ChatConfig: ChatConfig{
			PersistTimeout:   getEnvDuration("PERSIST_TIMEOUT", 5*time.Second),
			PreviewLength:    getEnvInt("PREVIEW_LENGTH", 80),
			MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", 4000),
			MediaHosts:       splitList(getEnv("MEDIA_HOSTS", "")),
			AllowedOrigins:   splitList(getEnv("WS_ALLOWED_ORIGINS", "")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет обязательные и взаимосвязанные параметры
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.StorageDriver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	switch c.BusConfig.Driver {
	case "none", "":
	case "redis":
		if c.BusConfig.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for redis bus"))
		}
	case "nats":
		if c.BusConfig.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required for nats bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BUS_DRIVER %q", c.BusConfig.Driver))
	}
	if c.ChatConfig.PersistTimeout <= 0 {
		errs = append(errs, errors.New("PERSIST_TIMEOUT must be positive"))
	}
	if c.ChatConfig.PreviewLength <= 0 {
		errs = append(errs, errors.New("PREVIEW_LENGTH must be positive"))
	}
	return errors.Join(errs...)
}

// IsDevelopment сообщает, запущено ли приложение в режиме разработки
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}

// getEnv получает переменную окружения или использует дефолтное значение
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return i
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
