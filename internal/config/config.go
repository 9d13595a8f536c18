package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// 存储与鉴权驱动的可选值。
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"

	StorageDriverLocal = "local"
	StorageDriverS3    = "s3"

	AuthModeNone     = "none"
	AuthModeAPIKey   = "apikey"
	AuthModeSupabase = "supabase"
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort           string        `env:"PORT" envDefault:"8080"`
	StorageDir         string        `env:"STORAGE_DIR" envDefault:"./data"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	RateLimitRequests  int           `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// 记录存储
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./data/whispshare.db"`
	DBHost      string `env:"DB_HOST" envDefault:"127.0.0.1"`
	DBPort      int    `env:"DB_PORT" envDefault:"5432"`
	DBUser      string `env:"DB_USER" envDefault:"whispshare"`
	DBPassword  string `env:"DB_PASSWORD" envDefault:"whispshare"`
	DBName      string `env:"DB_NAME" envDefault:"whispshare"`
	DBSSLMode   string `env:"DB_SSL_MODE" envDefault:"disable"`

	// 鉴权配置
	AuthMode              string   `env:"AUTH_MODE" envDefault:"none"`
	APIKeys               []string `env:"API_KEYS" envSeparator:","`
	SupabaseURL           string   `env:"SUPABASE_URL"`
	SupabaseAnonKey       string   `env:"SUPABASE_ANON_KEY"`
	SupabaseJWTSecret     string   `env:"SUPABASE_JWT_SECRET"`
	AllowAnonymousUploads bool     `env:"ALLOW_ANONYMOUS_UPLOADS" envDefault:"true"`

	// 存储配置
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"local"`
	S3Endpoint    string `env:"S3_ENDPOINT" envDefault:"localhost:9000"`
	S3AccessKey   string `env:"S3_ACCESS_KEY" envDefault:"minioadmin"`
	S3SecretKey   string `env:"S3_SECRET_KEY" envDefault:"minioadmin"`
	S3Bucket      string `env:"S3_BUCKET" envDefault:"whispshare"`
	S3Region      string `env:"S3_REGION" envDefault:"us-east-1"`
	S3UseSSL      bool   `env:"S3_USE_SSL" envDefault:"false"`
	S3PathStyle   bool   `env:"S3_PATH_STYLE" envDefault:"true"`

	// 分享规则
	ShareTTL              time.Duration `env:"SHARE_TTL" envDefault:"24h"`
	CodeLength            int           `env:"CODE_LENGTH" envDefault:"8"`
	CodeMaxAttempts       int           `env:"CODE_MAX_ATTEMPTS" envDefault:"5"`
	ProximityRadiusMeters float64       `env:"PROXIMITY_RADIUS_METERS" envDefault:"100000"`
	SearchLimit           int           `env:"SEARCH_LIMIT" envDefault:"20"`
	SearchCandidateLimit  int           `env:"SEARCH_CANDIDATE_LIMIT" envDefault:"200"`
	MaxUploadBytes        int64         `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`

	// 后台任务
	TaggingWorkers     int           `env:"TAGGING_WORKERS" envDefault:"2"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	SweepConsumedGrace time.Duration `env:"SWEEP_CONSUMED_GRACE" envDefault:"10m"`

	// 可观测性
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"whispshare"`
}

// Load 从 .env 与环境变量加载配置，并做基本校验。
func Load() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.StorageDriver == StorageDriverLocal {
		if err := ensureDir(cfg.StorageDir); err != nil {
			return nil, fmt.Errorf("确保存储目录失败: %w", err)
		}
	}

	cfg.CORSAllowedOrigins = trimList(cfg.CORSAllowedOrigins)
	cfg.APIKeys = trimList(cfg.APIKeys)
	if cfg.AuthMode == AuthModeAPIKey && len(cfg.APIKeys) == 0 {
		// 开发环境默认 key
		cfg.APIKeys = []string{"dev-api-key-123456"}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverSQLite:
	default:
		return fmt.Errorf("不支持的 STORE_DRIVER: %q", c.StoreDriver)
	}
	switch c.StorageDriver {
	case StorageDriverLocal, StorageDriverS3:
	default:
		return fmt.Errorf("不支持的 STORAGE_DRIVER: %q", c.StorageDriver)
	}
	switch c.AuthMode {
	case AuthModeNone, AuthModeAPIKey, AuthModeSupabase:
	default:
		return fmt.Errorf("不支持的 AUTH_MODE: %q", c.AuthMode)
	}

	switch {
	case c.ShareTTL <= 0:
		return fmt.Errorf("SHARE_TTL 必须为正数")
	case c.CodeLength < 8:
		return fmt.Errorf("CODE_LENGTH 不能小于 8")
	case c.CodeMaxAttempts <= 0:
		return fmt.Errorf("CODE_MAX_ATTEMPTS 必须为正数")
	case c.ProximityRadiusMeters <= 0:
		return fmt.Errorf("PROXIMITY_RADIUS_METERS 必须为正数")
	case c.SearchLimit <= 0 || c.SearchCandidateLimit < c.SearchLimit:
		return fmt.Errorf("SEARCH_LIMIT 必须为正数且不大于 SEARCH_CANDIDATE_LIMIT")
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("MAX_UPLOAD_BYTES 必须为正数")
	case c.SweepInterval < 0:
		return fmt.Errorf("SWEEP_INTERVAL 不能为负数")
	case c.SweepConsumedGrace < 0:
		return fmt.Errorf("SWEEP_CONSUMED_GRACE 不能为负数")
	}
	return nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func trimList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
