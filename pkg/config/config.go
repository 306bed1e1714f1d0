package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"

	AuthModeJWT  = "jwt"
	AuthModeNone = "none"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8000"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	DBHost              string `env:"DB_HOST" envDefault:"localhost"`
	DBPort              string `env:"DB_PORT" envDefault:"5432"`
	DBUser              string `env:"DB_USER" envDefault:"user"`
	DBPassword          string `env:"DB_PASSWORD" envDefault:"password"`
	DBName              string `env:"DB_NAME" envDefault:"dbname"`
	DatabaseURL         string `env:"DATABASE_URL"`
	DatabaseConnections int    `env:"DATABASE_CONNECTIONS" envDefault:"10"`

	SQLitePath    string `env:"SQLITE_PATH" envDefault:"tabletop.db"`
	BoltPath      string `env:"BOLT_PATH" envDefault:"tabletop.bolt"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"tabletop"`

	JWTSecret string `env:"JWT_SECRET"`
	AuthMode  string `env:"AUTH_MODE" envDefault:"jwt"`

	FlushInterval    time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`
	FlushConcurrency int           `env:"FLUSH_CONCURRENCY" envDefault:"2"`
	JoinChunkSize    int           `env:"JOIN_CHUNK_SIZE" envDefault:"50"`
	CodecWorkers     int           `env:"CODEC_WORKERS" envDefault:"0"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	ActionRate     float64  `env:"ACTION_RATE" envDefault:"50"`
	ActionBurst    int      `env:"ACTION_BURST" envDefault:"100"`
}

// secretKeys are never echoed when their default is applied.
var secretKeys = map[string]bool{
	"DB_PASSWORD":  true,
	"JWT_SECRET":   true,
	"DATABASE_URL": true,
}

// LoadConfig reads the configuration from environment variables and
// validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		OnSet: func(tag string, value any, isDefault bool) {
			if !isDefault || secretKeys[tag] {
				return
			}
			log.Printf("Environment variable %s not set, using default value: %v", tag, value)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite, DriverBolt, DriverMongo, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of postgres, sqlite, bolt, mongo, memory", c.StoreDriver))
	}
	switch c.AuthMode {
	case AuthModeJWT:
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required when AUTH_MODE is jwt"))
		}
	case AuthModeNone:
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE %q is not one of jwt, none", c.AuthMode))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("FLUSH_INTERVAL must be positive"))
	}
	if c.FlushConcurrency <= 0 {
		errs = append(errs, errors.New("FLUSH_CONCURRENCY must be positive"))
	}
	if c.JoinChunkSize <= 0 {
		errs = append(errs, errors.New("JOIN_CHUNK_SIZE must be positive"))
	}
	if c.DatabaseConnections <= 0 {
		errs = append(errs, errors.New("DATABASE_CONNECTIONS must be positive"))
	}
	if c.ActionRate <= 0 || c.ActionBurst <= 0 {
		errs = append(errs, errors.New("ACTION_RATE and ACTION_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// PostgresDSN returns DATABASE_URL, or a DSN assembled from the DB_* keys
// when it is empty.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
