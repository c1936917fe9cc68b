package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`

	// PingTimeout bounds the reconnect probe made before a retry.
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// Migrate applies the schema at startup. CollaboratorTables also creates
	// machines/shift_teams for standalone deployments.
	Migrate            bool `yaml:"migrate"`
	CollaboratorTables bool `yaml:"collaborator_tables"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// KafkaConfig Kafka配置（仅用于实时事件广播）
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// AccumulatorConfig 实时产量累加配置
type AccumulatorConfig struct {
	TickInterval         time.Duration `yaml:"tick_interval"`
	MinElapsed           time.Duration `yaml:"min_elapsed"`
	Concurrency          int           `yaml:"concurrency"`
	ArchiveSweepInterval time.Duration `yaml:"archive_sweep_interval"`
	// RateAttribution: "end_of_interval" (default) or "segmented"
	RateAttribution string `yaml:"rate_attribution"`
}

// ShiftConfig 倒班配置
type ShiftConfig struct {
	Epoch          string         `yaml:"epoch"` // YYYY-MM-DD
	Timezone       string         `yaml:"timezone"`
	DayStartHour   int            `yaml:"day_start_hour"`
	NightStartHour int            `yaml:"night_start_hour"`
	TeamOffsets    map[string]int `yaml:"team_offsets"`
}

// ResilienceConfig 熔断与故障升级配置
type ResilienceConfig struct {
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerWindow    time.Duration `yaml:"breaker_window"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	ExitOnFault      bool          `yaml:"exit_on_fault"`
	ExitDelay        time.Duration `yaml:"exit_delay"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	KeyPrefix  string        `yaml:"key_prefix"`
	CurrentTTL time.Duration `yaml:"current_ttl"`
	StaleTTL   time.Duration `yaml:"stale_ttl"`
	RateTTL    time.Duration `yaml:"rate_ttl"`
}

// BroadcastConfig 实时事件广播配置
type BroadcastConfig struct {
	Transports    []string `yaml:"transports"` // redis, stream, mqtt, kafka
	ChannelPrefix string   `yaml:"channel_prefix"`
	StreamMaxLen  int64    `yaml:"stream_max_len"`
}

// Config 产量遥测服务配置
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Accumulator AccumulatorConfig `yaml:"accumulator"`
	Shift       ShiftConfig       `yaml:"shift"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Cache       CacheConfig       `yaml:"cache"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Log         struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in defaults before any file or env overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":8080"

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "shopfloor"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.PingTimeout = 2 * time.Second

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "shopfloor-telemetry"
	cfg.MQTT.TopicPrefix = "shopfloor"

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = "shopfloor.production"

	cfg.Accumulator.TickInterval = time.Second
	cfg.Accumulator.MinElapsed = 500 * time.Millisecond
	cfg.Accumulator.Concurrency = 16
	cfg.Accumulator.ArchiveSweepInterval = time.Minute
	cfg.Accumulator.RateAttribution = "end_of_interval"

	cfg.Shift.Epoch = "2024-01-01"
	cfg.Shift.Timezone = "Local"
	cfg.Shift.DayStartHour = 7
	cfg.Shift.NightStartHour = 19
	cfg.Shift.TeamOffsets = map[string]int{}

	cfg.Resilience.BreakerThreshold = 10
	cfg.Resilience.BreakerWindow = 60 * time.Second
	cfg.Resilience.BreakerCooldown = 60 * time.Second
	cfg.Resilience.ExitOnFault = true
	cfg.Resilience.ExitDelay = 5 * time.Second

	cfg.Cache.KeyPrefix = "shopfloor:"
	cfg.Cache.CurrentTTL = 5 * time.Second
	cfg.Cache.StaleTTL = 10 * time.Minute
	cfg.Cache.RateTTL = time.Minute

	cfg.Broadcast.Transports = []string{"redis"}
	cfg.Broadcast.ChannelPrefix = "shopfloor"
	cfg.Broadcast.StreamMaxLen = 10000

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置：默认值 -> 可选 YAML 文件 (CONFIG_PATH) -> 环境变量
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", cfg.Database.MaxIdle)
	cfg.Database.Migrate = getEnv("DB_MIGRATE", strconv.FormatBool(cfg.Database.Migrate)) == "true"
	cfg.Database.CollaboratorTables = getEnv("DB_COLLABORATOR_TABLES", strconv.FormatBool(cfg.Database.CollaboratorTables)) == "true"

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", cfg.MQTT.TopicPrefix)

	cfg.Kafka.Brokers = getEnvList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Accumulator.TickInterval = getEnvDuration("TICK_INTERVAL", cfg.Accumulator.TickInterval)
	cfg.Accumulator.MinElapsed = getEnvDuration("TICK_MIN_ELAPSED", cfg.Accumulator.MinElapsed)
	cfg.Accumulator.Concurrency = getEnvInt("TICK_CONCURRENCY", cfg.Accumulator.Concurrency)
	cfg.Accumulator.ArchiveSweepInterval = getEnvDuration("ARCHIVE_SWEEP_INTERVAL", cfg.Accumulator.ArchiveSweepInterval)
	cfg.Accumulator.RateAttribution = getEnv("RATE_ATTRIBUTION", cfg.Accumulator.RateAttribution)

	cfg.Shift.Epoch = getEnv("SHIFT_EPOCH", cfg.Shift.Epoch)
	cfg.Shift.Timezone = getEnv("SHIFT_TIMEZONE", cfg.Shift.Timezone)
	if v := os.Getenv("SHIFT_TEAM_OFFSETS"); v != "" {
		offsets, err := parseTeamOffsets(v)
		if err != nil {
			return nil, err
		}
		cfg.Shift.TeamOffsets = offsets
	}

	cfg.Resilience.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", cfg.Resilience.BreakerThreshold)
	cfg.Resilience.BreakerWindow = getEnvDuration("BREAKER_WINDOW", cfg.Resilience.BreakerWindow)
	cfg.Resilience.BreakerCooldown = getEnvDuration("BREAKER_COOLDOWN", cfg.Resilience.BreakerCooldown)
	cfg.Resilience.ExitOnFault = getEnv("EXIT_ON_FAULT", strconv.FormatBool(cfg.Resilience.ExitOnFault)) == "true"
	cfg.Resilience.ExitDelay = getEnvDuration("EXIT_DELAY", cfg.Resilience.ExitDelay)

	cfg.Cache.KeyPrefix = getEnv("CACHE_KEY_PREFIX", cfg.Cache.KeyPrefix)
	cfg.Cache.CurrentTTL = getEnvDuration("CACHE_CURRENT_TTL", cfg.Cache.CurrentTTL)
	cfg.Cache.StaleTTL = getEnvDuration("CACHE_STALE_TTL", cfg.Cache.StaleTTL)

	cfg.Broadcast.Transports = getEnvList("BROADCAST_TRANSPORTS", cfg.Broadcast.Transports)
	cfg.Broadcast.ChannelPrefix = getEnv("BROADCAST_CHANNEL_PREFIX", cfg.Broadcast.ChannelPrefix)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Accumulator.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.Accumulator.TickInterval)
	}
	if c.Accumulator.Concurrency <= 0 {
		return fmt.Errorf("tick concurrency must be positive, got %d", c.Accumulator.Concurrency)
	}
	switch c.Accumulator.RateAttribution {
	case "end_of_interval", "segmented":
	default:
		return fmt.Errorf("unsupported rate attribution: %s", c.Accumulator.RateAttribution)
	}
	if _, err := time.Parse("2006-01-02", c.Shift.Epoch); err != nil {
		return fmt.Errorf("invalid shift epoch %q: %w", c.Shift.Epoch, err)
	}
	if _, err := time.LoadLocation(c.Shift.Timezone); err != nil {
		return fmt.Errorf("invalid shift timezone %q: %w", c.Shift.Timezone, err)
	}
	if c.Shift.DayStartHour < 0 || c.Shift.DayStartHour > 23 || c.Shift.NightStartHour <= c.Shift.DayStartHour || c.Shift.NightStartHour > 23 {
		return fmt.Errorf("invalid shift hours: day=%d night=%d", c.Shift.DayStartHour, c.Shift.NightStartHour)
	}
	if c.Resilience.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive, got %d", c.Resilience.BreakerThreshold)
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// parseTeamOffsets parses "A:0,B:3,C:6".
func parseTeamOffsets(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid SHIFT_TEAM_OFFSETS entry %q", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid SHIFT_TEAM_OFFSETS entry %q: %w", part, err)
		}
		out[strings.TrimSpace(kv[0])] = n
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
