// Package config 載入即時房間服務的配置
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tick     TickConfig     `yaml:"tick"`
	Room     RoomConfig     `yaml:"room"`
	Session  SessionConfig  `yaml:"session"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Auth     AuthConfig     `yaml:"auth"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig HTTP 伺服器配置
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxConnections  int           `yaml:"max_connections"` // 0 表示不限制
	AllowedOrigins  []string      `yaml:"allowed_origins"` // 空表示允許所有來源
}

// TickConfig Tick 驅動配置
type TickConfig struct {
	Period    time.Duration `yaml:"period"`
	SkinEvery int           `yaml:"skin_every"`
	Workers   int           `yaml:"workers"` // 0 表示 GOMAXPROCS
	SlowTick  time.Duration `yaml:"slow_tick"`
}

// RoomConfig 房間配置
type RoomConfig struct {
	MaxMembers      int           `yaml:"max_members"`
	DefaultRoom     string        `yaml:"default_room"`
	StaticRooms     []string      `yaml:"static_rooms"`
	IdleTicks       int           `yaml:"idle_ticks"` // 0 表示不踢除閒置成員
	GCEmpty         bool          `yaml:"gc_empty"`
	EmptyTTL        time.Duration `yaml:"empty_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	Shards          int           `yaml:"shards"`
}

// SessionConfig 連線配置
type SessionConfig struct {
	SendBuffer        int           `yaml:"send_buffer"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	WriteWait         time.Duration `yaml:"write_wait"`
	PongWait          time.Duration `yaml:"pong_wait"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	Burst             int           `yaml:"burst"`
	ChatCooldown      time.Duration `yaml:"chat_cooldown"`
}

// ProtocolConfig 協議配置
type ProtocolConfig struct {
	Codec             string `yaml:"codec"` // json 或 msgpack
	Compress          bool   `yaml:"compress"`
	CompressThreshold int    `yaml:"compress_threshold"`
}

// AuthConfig 身份驗證配置
type AuthConfig struct {
	Mode           string        `yaml:"mode"` // anonymous、session 或 jwt
	AllowAnonymous bool          `yaml:"allow_anonymous"`
	CookieName     string        `yaml:"cookie_name"`
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTIssuer      string        `yaml:"jwt_issuer"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	Migrate        bool          `yaml:"migrate"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
	URL      string `yaml:"url"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// NATSConfig NATS 配置
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Default 回傳預設配置
//
// 時間常數沿用既有客戶端的節奏：33ms 一個 tick，每 30 個 tick 廣播一次外觀。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":3080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Tick: TickConfig{
			Period:    33 * time.Millisecond,
			SkinEvery: 30,
			SlowTick:  25 * time.Millisecond,
		},
		Room: RoomConfig{
			MaxMembers:      64,
			DefaultRoom:     "lobby",
			StaticRooms:     []string{"lobby"},
			IdleTicks:       100,
			GCEmpty:         true,
			EmptyTTL:        5 * time.Minute,
			JanitorInterval: time.Minute,
			Shards:          32,
		},
		Session: SessionConfig{
			SendBuffer:        64,
			MaxMessageSize:    64 * 1024,
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			MessagesPerSecond: 90,
			Burst:             30,
			ChatCooldown:      3 * time.Second,
		},
		Protocol: ProtocolConfig{
			Codec:             "json",
			Compress:          true,
			CompressThreshold: 512,
		},
		Auth: AuthConfig{
			Mode:           "anonymous",
			AllowAnonymous: true,
			CookieName:     "session",
			CacheTTL:       5 * time.Minute,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			DBName:   "rooms",
			MaxConns: 10,
			MinConns: 2,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MinIdleConns: 2,
			MaxRetries:   3,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "rooms",
			ReconnectWait: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load 載入配置：預設值、檔案、環境變數，最後驗證
//
// path 為空時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	var problems []string

	if c.Tick.Period <= 0 {
		problems = append(problems, "tick.period must be positive")
	}
	if c.Tick.SkinEvery < 1 {
		problems = append(problems, "tick.skin_every must be at least 1")
	}
	if c.Tick.Workers < 0 {
		problems = append(problems, "tick.workers must not be negative")
	}
	if c.Room.MaxMembers < 1 {
		problems = append(problems, "room.max_members must be at least 1")
	}
	if c.Room.DefaultRoom == "" {
		problems = append(problems, "room.default_room must be set")
	}
	if c.Room.IdleTicks < 0 {
		problems = append(problems, "room.idle_ticks must not be negative")
	}
	if c.Session.SendBuffer < 1 {
		problems = append(problems, "session.send_buffer must be at least 1")
	}
	if c.Session.MaxMessageSize < 1 {
		problems = append(problems, "session.max_message_size must be positive")
	}
	if c.Session.PongWait <= 0 || c.Session.WriteWait <= 0 {
		problems = append(problems, "session.pong_wait and session.write_wait must be positive")
	}

	switch c.Protocol.Codec {
	case "json", "msgpack":
	default:
		problems = append(problems, fmt.Sprintf("protocol.codec %q is not supported", c.Protocol.Codec))
	}

	switch c.Auth.Mode {
	case "anonymous":
	case "session":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			problems = append(problems, "auth.jwt_secret is required in jwt mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("auth.mode %q is not supported", c.Auth.Mode))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}
