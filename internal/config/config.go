package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // sqlite or mongo
	SQLitePath    string `yaml:"sqlite_path"`
	MongoURI      string `yaml:"mongo_uri,omitempty"`
	MongoDatabase string `yaml:"mongo_database,omitempty"`
}

// RedisConfig enables cross-instance event fan-out when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer,omitempty"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type ServerConfig struct {
	Name        string          `yaml:"name"`
	Port        string          `yaml:"port,omitempty"` // e.g. ":8080"
	LogLevel    string          `yaml:"log_level"`
	LogFormat   string          `yaml:"log_format"` // json or console
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Auth        AuthConfig      `yaml:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() ServerConfig {
	return ServerConfig{
		Name:      "kite",
		Port:      ":8080",
		LogLevel:  "info",
		LogFormat: "json",
		Database: DatabaseConfig{
			Driver:        DriverSQLite,
			SQLitePath:    "data/kite.db",
			MongoDatabase: "kite",
		},
		Redis: RedisConfig{
			Channel: "kite:events",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             20,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies KITE_*
// environment overrides. An empty path skips the file.
func Load(path string) (ServerConfig, error) {
	conf := Default()
	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return conf, err
		}
		if err := yaml.Unmarshal(f, &conf); err != nil {
			return conf, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&conf); err != nil {
		return conf, err
	}
	fillDefaults(&conf)
	return conf, conf.Validate()
}

func applyEnv(conf *ServerConfig) error {
	strs := map[string]*string{
		"KITE_PORT":           &conf.Port,
		"KITE_LOG_LEVEL":      &conf.LogLevel,
		"KITE_LOG_FORMAT":     &conf.LogFormat,
		"KITE_DB_DRIVER":      &conf.Database.Driver,
		"KITE_SQLITE_PATH":    &conf.Database.SQLitePath,
		"KITE_MONGO_URI":      &conf.Database.MongoURI,
		"KITE_MONGO_DATABASE": &conf.Database.MongoDatabase,
		"KITE_REDIS_ADDR":     &conf.Redis.Addr,
		"KITE_REDIS_PASSWORD": &conf.Redis.Password,
		"KITE_JWT_SECRET":     &conf.Auth.JWTSecret,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("KITE_RATE_LIMIT_RPM"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KITE_RATE_LIMIT_RPM: %w", err)
		}
		conf.RateLimit.RequestsPerMinute = n
	}
	return nil
}

func fillDefaults(conf *ServerConfig) {
	def := Default()
	if conf.Port == "" {
		conf.Port = def.Port
	}
	if conf.Database.Driver == "" {
		conf.Database.Driver = def.Database.Driver
	}
	if conf.Database.SQLitePath == "" {
		conf.Database.SQLitePath = def.Database.SQLitePath
	}
	if conf.Database.MongoDatabase == "" {
		conf.Database.MongoDatabase = def.Database.MongoDatabase
	}
	if conf.Redis.Channel == "" {
		conf.Redis.Channel = def.Redis.Channel
	}
	if conf.RateLimit.RequestsPerMinute <= 0 {
		conf.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	if conf.RateLimit.Burst <= 0 {
		conf.RateLimit.Burst = def.RateLimit.Burst
	}
}

func (c ServerConfig) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverMongo:
		if c.Database.MongoURI == "" {
			return fmt.Errorf("database.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// Save writes the configuration to path.
func Save(path string, conf ServerConfig) error {
	data, err := yaml.Marshal(&conf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
