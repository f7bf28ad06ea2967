package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/window"
)

// ServerConfig holds the API server's configuration.
type ServerConfig struct {
	Port        string
	CORSOrigins []string

	InfluxDBURL    string
	InfluxDBToken  string
	InfluxDBOrg    string
	InfluxDBBucket string

	// Redis backs the uplink frame counter guard. Empty RedisAddr disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupTTL      time.Duration

	WebhookSecret string
	AdminUser     string
	AdminPass     string
	SessionSecret string
	SessionTTL    time.Duration
	CookieSecure  bool

	TTNRegion string
	TTNTenant string
	TTNAppID  string
	TTNAPIKey string
	// TTNMQTTURL enables the MQTT uplink integration, e.g. tls://nam1.cloud.thethings.network:8883.
	TTNMQTTURL string

	// KafkaBrokers enables mirroring accepted readings to KafkaTopic.
	KafkaBrokers []string
	KafkaTopic   string

	Log logging.Config
}

// DashboardConfig holds the terminal dashboard client's configuration.
type DashboardConfig struct {
	APIURL      string
	User        string
	Pass        string
	DeviceID    string
	HTTPTimeout time.Duration

	WindowCapacity int
	SnapshotLimit  int

	// StreamReconnectAttempts of 1 keeps the single-subscription behaviour; 0 retries forever.
	StreamReconnectAttempts uint64
	StreamBackoffMin        time.Duration
	StreamBackoffMax        time.Duration

	Log logging.Config
}

func loadEnvFile() {
	if err := godotenv.Load(); err != nil {
		logging.Debug().Msg("No .env file found, relying on system environment variables")
	}
}

// LoadServerConfig loads the server configuration from the environment.
func LoadServerConfig() (ServerConfig, error) {
	loadEnvFile()

	cfg := ServerConfig{
		Port:           getEnv("PORT", "8000"),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "*")),
		InfluxDBURL:    os.Getenv("INFLUXDB_URL"),
		InfluxDBToken:  os.Getenv("INFLUXDB_TOKEN"),
		InfluxDBOrg:    os.Getenv("INFLUXDB_ORG"),
		InfluxDBBucket: getEnv("INFLUXDB_BUCKET", "lorawan"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		AdminUser:      getEnv("ADMIN_USER", "admin"),
		AdminPass:      getEnv("ADMIN_PASS", "admin"),
		SessionSecret:  os.Getenv("SESSION_SECRET"),
		TTNRegion:      getEnv("TTN_REGION", "nam1"),
		TTNTenant:      getEnv("TTN_TENANT", "ttn"),
		TTNAppID:       os.Getenv("TTN_APP_ID"),
		TTNAPIKey:      os.Getenv("TTN_API_KEY"),
		TTNMQTTURL:     os.Getenv("TTN_MQTT_URL"),
		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "lorawan.readings"),
		Log:            loadLogConfig(),
	}
	if cfg.InfluxDBURL == "" || cfg.InfluxDBToken == "" || cfg.InfluxDBOrg == "" {
		return ServerConfig{}, fmt.Errorf("InfluxDB configuration is incomplete. Please set INFLUXDB_URL, INFLUXDB_TOKEN, and INFLUXDB_ORG environment variables")
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = cfg.WebhookSecret
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = "change-me"
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return ServerConfig{}, err
	}
	if cfg.DedupTTL, err = getDuration("DEDUP_TTL", 24*time.Hour); err != nil {
		return ServerConfig{}, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", 12*time.Hour); err != nil {
		return ServerConfig{}, err
	}
	if cfg.CookieSecure, err = getBool("COOKIE_SECURE", false); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadDashboardConfig loads the dashboard client configuration from the environment.
func LoadDashboardConfig() (DashboardConfig, error) {
	loadEnvFile()

	cfg := DashboardConfig{
		APIURL:   strings.TrimRight(getEnv("DASHBOARD_API_URL", "http://localhost:8000"), "/"),
		User:     os.Getenv("DASHBOARD_USER"),
		Pass:     os.Getenv("DASHBOARD_PASS"),
		DeviceID: os.Getenv("DASHBOARD_DEVICE"),
		Log:      loadLogConfig(),
	}

	var err error
	if cfg.HTTPTimeout, err = getDuration("DASHBOARD_HTTP_TIMEOUT", 10*time.Second); err != nil {
		return DashboardConfig{}, err
	}
	if cfg.WindowCapacity, err = getInt("WINDOW_CAPACITY", window.DefaultCapacity); err != nil {
		return DashboardConfig{}, err
	}
	if cfg.WindowCapacity < 0 {
		return DashboardConfig{}, fmt.Errorf("WINDOW_CAPACITY must be >= 0, got %d", cfg.WindowCapacity)
	}
	if cfg.SnapshotLimit, err = getInt("SNAPSHOT_LIMIT", cfg.WindowCapacity); err != nil {
		return DashboardConfig{}, err
	}
	attempts, err := getInt("STREAM_RECONNECT_ATTEMPTS", 1)
	if err != nil {
		return DashboardConfig{}, err
	}
	if attempts < 0 {
		return DashboardConfig{}, fmt.Errorf("STREAM_RECONNECT_ATTEMPTS must be >= 0, got %d", attempts)
	}
	cfg.StreamReconnectAttempts = uint64(attempts)
	if cfg.StreamBackoffMin, err = getDuration("STREAM_BACKOFF_MIN", time.Second); err != nil {
		return DashboardConfig{}, err
	}
	if cfg.StreamBackoffMax, err = getDuration("STREAM_BACKOFF_MAX", 30*time.Second); err != nil {
		return DashboardConfig{}, err
	}
	return cfg, nil
}

func loadLogConfig() logging.Config {
	return logging.Config{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
