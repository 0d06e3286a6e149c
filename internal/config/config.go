package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Postgres struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RateLimit struct {
	RedisAddr string `mapstructure:"redis_addr"`
	RPS       int    `mapstructure:"rps"`
	Burst     int    `mapstructure:"burst"`
}

type Config struct {
	Port              string    `mapstructure:"port"`
	LogLevel          string    `mapstructure:"log_level"`
	LogFormat         string    `mapstructure:"log_format"`
	DBDriver          string    `mapstructure:"db_driver"`
	SQLitePath        string    `mapstructure:"sqlite_path"`
	JWTPublicKeyPath  string    `mapstructure:"jwt_public_key_path"`
	MQTTBrokerURL     string    `mapstructure:"mqtt_broker_url"`
	DeviceStatePrefix string    `mapstructure:"device_state_prefix"`
	DeviceRegistryURL string    `mapstructure:"device_registry_url"`
	DeviceSync        bool      `mapstructure:"device_sync"`
	OTLPEndpoint      string    `mapstructure:"otlp_endpoint"`
	Postgres          Postgres  `mapstructure:"postgres"`
	RateLimit         RateLimit `mapstructure:"rate_limit"`
}

var defaults = map[string]any{
	"port":                  "8097",
	"log_level":             "info",
	"log_format":            "text",
	"db_driver":             "postgres",
	"sqlite_path":           "",
	"jwt_public_key_path":   "/app/keys/jwt_public.pem",
	"mqtt_broker_url":       "tcp://mosquitto:1883",
	"device_state_prefix":   "iot/device/state/",
	"device_registry_url":   "http://device-registry:8095",
	"device_sync":           true,
	"otlp_endpoint":         "",
	"postgres.user":         "postgres",
	"postgres.password":     "postgres",
	"postgres.db":           "iot",
	"postgres.host":         "postgres",
	"postgres.port":         "5432",
	"postgres.sslmode":      "disable",
	"rate_limit.redis_addr": "",
	"rate_limit.rps":        20,
	"rate_limit.burst":      40,
}

// Variables that keep their platform-wide names instead of the ASSET_SERVICE_ prefix.
var sharedEnv = map[string]string{
	"log_level":             "LOG_LEVEL",
	"log_format":            "LOG_FORMAT",
	"postgres.user":         "POSTGRES_USER",
	"postgres.password":     "POSTGRES_PASSWORD",
	"postgres.db":           "POSTGRES_DB",
	"postgres.host":         "POSTGRES_HOST",
	"postgres.port":         "POSTGRES_PORT",
	"postgres.sslmode":      "POSTGRES_SSLMODE",
	"jwt_public_key_path":   "JWT_PUBLIC_KEY_PATH",
	"mqtt_broker_url":       "MQTT_BROKER_URL",
	"rate_limit.redis_addr": "REDIS_ADDR",
	"otlp_endpoint":         "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads defaults, then the optional YAML file named by
// ASSET_SERVICE_CONFIG, then the environment. Service keys are read from
// ASSET_SERVICE_<KEY> (dots become underscores).
func Load() (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path := strings.TrimSpace(os.Getenv("ASSET_SERVICE_CONFIG")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("ASSET_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range sharedEnv {
		if err := v.BindEnv(key, "ASSET_SERVICE_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	return cfg, nil
}
