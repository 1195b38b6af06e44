// Package config は各サービスの設定をviperで読み込む。
//
// 環境変数を基本とし、カレントディレクトリの .env と config.yaml があれば併せて読み込む。
// 値の優先順位は 環境変数 > config.yaml > サービスごとの既定値。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// サービス名。既定のポートとデータベースパスの選択に使用する。
const (
	// ServiceNotification は通知サービス。
	ServiceNotification = "notification"
	// ServiceProgress は進捗サービス。
	ServiceProgress = "progress"
)

// Config はサービスの設定値。
type Config struct {
	// Service はサービス名。
	Service string
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// JWTSecret はJWT署名検証用のシークレット。
	JWTSecret string
	// InternalToken はサービス間の内部APIで使用する共有トークン。
	InternalToken string
	// StoreTimeout はストア操作1回あたりの上限時間。
	StoreTimeout time.Duration
	// Redis はプッシュ配信のインスタンス間中継の設定。
	Redis RedisConfig
	// Heartbeat はライブ接続のハートビート間隔。
	Heartbeat time.Duration
	// SubscriberBuffer は購読者ごとの配信キューの長さ。
	SubscriberBuffer int
	// ProgressServiceURL は進捗サービスのベースURL。
	ProgressServiceURL string
	// CourseServiceURL はコース構成を提供するサービスのベースURL。空の場合はローカルのカタログを使う。
	CourseServiceURL string
	// ProgressCacheSize は進捗サマリーキャッシュの最大エントリ数。
	ProgressCacheSize int
	// ProgressCacheTTL は進捗サマリーキャッシュの有効期間。外部のコース構成の変更はこの期間で反映される。
	ProgressCacheTTL time.Duration
	// Log はログ出力の設定。
	Log LogConfig
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
}

// RedisConfig はRedis Pub/Subの接続設定。Addrが空の場合は単一インスタンスで動作する。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	Level  string
	Format string
}

// serviceDefaults はサービスごとの既定値。
var serviceDefaults = map[string]struct {
	port   string
	dbPath string
}{
	ServiceNotification: {port: "8086", dbPath: "/data/notification.db"},
	ServiceProgress:     {port: "8087", dbPath: "/data/progress.db"},
}

// Load は .env と config.yaml と環境変数から設定を読み込む。
func Load(service string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config.yamlの読み込みに失敗: %w", err)
		}
	}
	return FromViper(v, service)
}

// FromViper は与えられたviperインスタンスから設定を構築する。
func FromViper(v *viper.Viper, service string) (*Config, error) {
	d, ok := serviceDefaults[service]
	if !ok {
		return nil, fmt.Errorf("未知のサービス名です: %q", service)
	}

	v.AutomaticEnv()
	v.SetDefault("port", d.port)
	v.SetDefault("database_path", d.dbPath)
	v.SetDefault("jwt_secret", "dev-secret-key")
	v.SetDefault("internal_token", "dev-internal-token")
	v.SetDefault("store_timeout", 5*time.Second)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_channel", "learnhub:notification:push")
	v.SetDefault("heartbeat_interval", 25*time.Second)
	v.SetDefault("subscriber_buffer", 16)
	v.SetDefault("progress_service_url", "http://localhost:8087")
	v.SetDefault("course_service_url", "")
	v.SetDefault("progress_cache_size", 1024)
	v.SetDefault("progress_cache_ttl", time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("allowed_origins", "http://localhost:3000")

	cfg := &Config{
		Service:       service,
		Port:          v.GetString("port"),
		DatabasePath:  v.GetString("database_path"),
		JWTSecret:     v.GetString("jwt_secret"),
		InternalToken: v.GetString("internal_token"),
		StoreTimeout:  v.GetDuration("store_timeout"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
			Channel:  v.GetString("redis_channel"),
		},
		Heartbeat:          v.GetDuration("heartbeat_interval"),
		SubscriberBuffer:   v.GetInt("subscriber_buffer"),
		ProgressServiceURL: v.GetString("progress_service_url"),
		CourseServiceURL:   v.GetString("course_service_url"),
		ProgressCacheSize:  v.GetInt("progress_cache_size"),
		ProgressCacheTTL:   v.GetDuration("progress_cache_ttl"),
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		AllowedOrigins: splitList(v.GetString("allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は設定値の整合性を検証する。
func (c *Config) validate() error {
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUTは正の値である必要があります: %s", c.StoreTimeout)
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVALは正の値である必要があります: %s", c.Heartbeat)
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("SUBSCRIBER_BUFFERは1以上である必要があります: %d", c.SubscriberBuffer)
	}
	if c.ProgressCacheSize < 1 {
		return fmt.Errorf("PROGRESS_CACHE_SIZEは1以上である必要があります: %d", c.ProgressCacheSize)
	}
	if c.ProgressCacheTTL <= 0 {
		return fmt.Errorf("PROGRESS_CACHE_TTLは正の値である必要があります: %s", c.ProgressCacheTTL)
	}
	return nil
}

// splitList はカンマ区切りの文字列を空要素を除いたスライスに変換する。
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
