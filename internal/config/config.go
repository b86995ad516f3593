package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ストアのバックエンド種別。
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string

	// VAPID
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// 共有シークレット（未設定の場合は該当エンドポイントが500を返す）
	WebhookSecret string
	CronSecret    string
	AdminSecret   string

	// Push
	PushSendTimeout   time.Duration
	PushMaxConcurrent int
	PushTTL           int

	// Notification
	NotificationIcon  string
	NotificationBadge string

	// Sweep
	SweepRetention time.Duration
	SweepSchedule  string

	// CMS
	CMSBaseURL          string
	CMSAPIToken         string
	CMSTimeout          time.Duration
	WeeklyResetSchedule string

	// Feed watch
	FeedWatchURL      string
	FeedWatchInterval time.Duration

	// Rate Limit
	RateLimitSubscribe int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// STORE_BACKEND=postgres でDATABASE_URLが未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.StoreBackend = getEnvString("STORE_BACKEND", StoreBackendPostgres)
	switch cfg.StoreBackend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, cfg.StoreBackend)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreBackend == StoreBackendPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// リクエスト時に検証する項目
	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.CronSecret = os.Getenv("CRON_SECRET")
	cfg.AdminSecret = os.Getenv("ADMIN_SECRET")
	cfg.CMSBaseURL = os.Getenv("CMS_BASE_URL")
	cfg.CMSAPIToken = os.Getenv("CMS_API_TOKEN")
	cfg.FeedWatchURL = os.Getenv("FEED_WATCH_URL")

	// Optional fields with defaults
	cfg.VAPIDSubject = getEnvString("VAPID_SUBJECT", "mailto:admin@example.com")
	cfg.PushSendTimeout = getEnvDuration("PUSH_SEND_TIMEOUT", 5*time.Second)
	cfg.PushMaxConcurrent = getEnvInt("PUSH_MAX_CONCURRENT", 20)
	cfg.PushTTL = getEnvInt("PUSH_TTL", 86400)
	cfg.NotificationIcon = getEnvString("NOTIFICATION_ICON", "")
	cfg.NotificationBadge = getEnvString("NOTIFICATION_BADGE", "")
	cfg.SweepRetention = getEnvDuration("SWEEP_RETENTION", 720*time.Hour)
	cfg.SweepSchedule = getEnvString("SWEEP_SCHEDULE", "0 3 * * *")
	cfg.CMSTimeout = getEnvDuration("CMS_TIMEOUT", 10*time.Second)
	cfg.WeeklyResetSchedule = getEnvString("WEEKLY_RESET_SCHEDULE", "0 0 * * 1")
	cfg.FeedWatchInterval = getEnvDuration("FEED_WATCH_INTERVAL", 15*time.Minute)
	cfg.RateLimitSubscribe = getEnvInt("RATE_LIMIT_SUBSCRIBE", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	return cfg, nil
}

// VAPIDConfigured はVAPID鍵ペアが両方設定されているかを返す。
func (c *Config) VAPIDConfigured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// CMSConfigured はCMSのURLとトークンが両方設定されているかを返す。
func (c *Config) CMSConfigured() bool {
	return c.CMSBaseURL != "" && c.CMSAPIToken != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
