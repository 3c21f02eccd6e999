package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// キャッシュバックエンドの種類
const (
	CacheBackendMemory   = "memory"
	CacheBackendPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Gateway
	OriginURL   string
	UpstreamURL string
	ServerPort  string

	// Cache
	CacheAppName        string
	CacheVersion        string
	CacheBackend        string
	DatabaseURL         string
	ShellAssets         []string
	OfflinePage         string
	APIPrefix           string
	ListingPattern      string
	DevToolingMarkers   []string
	DiscoverShellAssets bool

	// Fetch
	FetchTimeout                time.Duration
	FetchMaxSize                int64
	PrecacheConcurrency         int
	InstallRetryInterval        time.Duration
	AllowCrossOriginPassthrough bool

	// Cleanup
	CacheMaxAge     time.Duration
	CleanupInterval time.Duration

	// Rate Limit
	RateLimitGeneral int

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string

	// Client (session manager / API client)
	FirebaseAPIKey       string
	APIBaseURL           string
	SessionStorePath     string
	TokenRefreshInterval time.Duration
	GoogleClientID       string
	GoogleClientSecret   string
	GoogleRedirectURL    string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.OriginURL = strings.TrimSuffix(os.Getenv("ORIGIN_URL"), "/")
	if cfg.OriginURL == "" {
		missing = append(missing, "ORIGIN_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := validateAbsoluteURL("ORIGIN_URL", cfg.OriginURL); err != nil {
		return nil, err
	}

	// Optional fields with defaults
	cfg.UpstreamURL = strings.TrimSuffix(os.Getenv("UPSTREAM_URL"), "/")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CacheAppName = getEnvString("CACHE_APP_NAME", "tujitume")
	cfg.CacheVersion = getEnvString("CACHE_VERSION", "v3")
	cfg.CacheBackend = strings.ToLower(getEnvString("CACHE_BACKEND", CacheBackendMemory))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.ShellAssets = getEnvList("SHELL_ASSETS", []string{"/", "/index.html", "/manifest.json", "/offline.html"})
	cfg.OfflinePage = getEnvString("OFFLINE_PAGE", "/offline.html")
	cfg.APIPrefix = getEnvString("API_PREFIX", "/api/")
	cfg.ListingPattern = getEnvString("LISTING_PATTERN", "/gigs")
	cfg.DevToolingMarkers = getEnvList("DEV_TOOLING_MARKERS", []string{"@vite", "@react-refresh", ".jsx"})
	cfg.DiscoverShellAssets = getEnvBool("DISCOVER_SHELL_ASSETS", false)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.PrecacheConcurrency = getEnvInt("PRECACHE_CONCURRENCY", 4)
	cfg.InstallRetryInterval = getEnvDuration("INSTALL_RETRY_INTERVAL", 30*time.Second)
	cfg.AllowCrossOriginPassthrough = getEnvBool("ALLOW_CROSS_ORIGIN_PASSTHROUGH", false)
	cfg.CacheMaxAge = getEnvDuration("CACHE_MAX_AGE", 30*24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 600)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.OriginURL)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.FirebaseAPIKey = os.Getenv("FIREBASE_API_KEY")
	cfg.APIBaseURL = strings.TrimSuffix(getEnvString("API_BASE_URL", cfg.OriginURL), "/")
	cfg.SessionStorePath = getEnvString("SESSION_STORE_PATH", defaultSessionStorePath())
	cfg.TokenRefreshInterval = getEnvDuration("TOKEN_REFRESH_INTERVAL", 50*time.Minute)
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")

	return cfg, nil
}

// ValidateGateway はゲートウェイ（serve）起動に必要な設定を検証する。
func (c *Config) ValidateGateway() error {
	var missing []string
	if c.UpstreamURL == "" {
		missing = append(missing, "UPSTREAM_URL")
	}
	if c.CacheBackend == CacheBackendPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := validateAbsoluteURL("UPSTREAM_URL", c.UpstreamURL); err != nil {
		return err
	}
	if c.CacheBackend != CacheBackendMemory && c.CacheBackend != CacheBackendPostgres {
		return fmt.Errorf("unsupported CACHE_BACKEND: %q (allowed: memory, postgres)", c.CacheBackend)
	}
	if c.CacheVersion == "" {
		return fmt.Errorf("CACHE_VERSION must not be empty")
	}
	return nil
}

// ValidateClient はクライアントコマンド（login, gigs 等）に必要な設定を検証する。
func (c *Config) ValidateClient() error {
	if c.FirebaseAPIKey == "" {
		return fmt.Errorf("required environment variables are not set: [FIREBASE_API_KEY]")
	}
	return nil
}

// ValidateDatabase はmigrateサブコマンドに必要な設定を検証する。
func (c *Config) ValidateDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
	}
	return nil
}

func validateAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: must be an absolute http(s) URL, got %q", name, raw)
	}
	return nil
}

func defaultSessionStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "tujitume", "session.json")
	}
	return filepath.Join(home, ".tujitume", "session.json")
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvList はカンマ区切りの環境変数を文字列スライスとして読み込む。
// 空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
