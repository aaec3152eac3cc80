/*
config.go - Process configuration

PURPOSE:
  Reads an optional .env file, then LEADVAULT_* environment variables.
  Real environment values win over .env values (godotenv never
  overwrites). Commands apply their own flag overrides on top.

KEYS (prefix LEADVAULT_):
  HTTP_ADDR        listen address                       :8080
  LOG_MODE         development | production              development
  DB_DRIVER        sqlite | postgres                     sqlite
  DB_PATH          sqlite file (":memory:" allowed)      leadvault.db
  DATABASE_URL     postgres DSN
  JWT_SECRET       HS256 secret (required by serve)
  TOKEN_TTL        dev token lifetime                    12h
  REDIS_ADDR       enables the Redis locker when set
  LOCK_TTL         Redis lock lease                      15s
  ARCHIVE_DRIVER   none | memory | fs | s3               none
  ARCHIVE_DIR      root for the fs archive
  S3_BUCKET, S3_REGION, S3_ENDPOINT, S3_PATH_STYLE
  REQUIRED_FIELDS  required column groups                company_name;validated_corporate_email|phone_number
  PHONE_REGION     enables phone validation (e.g. US)
  CORS_ORIGINS     comma separated allowed origins
  CHUNK_SIZE       staging insert / merge chunk          250

SEE ALSO:
  - cmd/leadvault/app.go: turns a Config into wired services
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/verifiedmeasure/leadvault/archive"
	"github.com/verifiedmeasure/leadvault/staging"
)

const Prefix = "LEADVAULT_"

type Config struct {
	HTTPAddr string `validate:"required"`
	LogMode  string

	DBDriver    string `validate:"oneof=sqlite postgres"`
	DBPath      string `validate:"required_if=DBDriver sqlite"`
	DatabaseURL string `validate:"required_if=DBDriver postgres"`

	JWTSecret string
	TokenTTL  time.Duration `validate:"gt=0"`

	RedisAddr string
	LockTTL   time.Duration `validate:"gt=0"`

	Archive archive.Config

	RequiredFields string
	PhoneRegion    string
	CORSOrigins    []string
	ChunkSize      int `validate:"gt=0"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddr:       ":8080",
		LogMode:        "development",
		DBDriver:       "sqlite",
		DBPath:         "leadvault.db",
		TokenTTL:       12 * time.Hour,
		LockTTL:        15 * time.Second,
		Archive:        archive.Config{Driver: archive.DriverNone},
		RequiredFields: staging.DefaultRequired,
		ChunkSize:      staging.DefaultChunkSize,
	}
}

// Load reads files (default ".env", missing files are ignored) into the
// environment and parses a Config from it. The result is not validated so
// callers can apply overrides first; call Validate afterwards.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Parse(os.LookupEnv)
}

// FromEnv parses and validates a Config from a lookup function.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg, err := Parse(lookup)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse reads every known key through lookup on top of Defaults.
func Parse(lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	r := reader{lookup: lookup}

	r.str("HTTP_ADDR", &cfg.HTTPAddr)
	r.str("LOG_MODE", &cfg.LogMode)
	r.str("DB_DRIVER", &cfg.DBDriver)
	r.str("DB_PATH", &cfg.DBPath)
	r.str("DATABASE_URL", &cfg.DatabaseURL)
	r.str("JWT_SECRET", &cfg.JWTSecret)
	r.duration("TOKEN_TTL", &cfg.TokenTTL)
	r.str("REDIS_ADDR", &cfg.RedisAddr)
	r.duration("LOCK_TTL", &cfg.LockTTL)

	var driver string
	if r.str("ARCHIVE_DRIVER", &driver) {
		cfg.Archive.Driver = archive.Driver(strings.ToLower(driver))
	}
	r.str("ARCHIVE_DIR", &cfg.Archive.Dir)
	r.str("S3_BUCKET", &cfg.Archive.S3.Bucket)
	r.str("S3_REGION", &cfg.Archive.S3.Region)
	r.str("S3_ENDPOINT", &cfg.Archive.S3.Endpoint)
	r.boolean("S3_PATH_STYLE", &cfg.Archive.S3.PathStyle)

	r.str("REQUIRED_FIELDS", &cfg.RequiredFields)
	r.str("PHONE_REGION", &cfg.PhoneRegion)
	var origins string
	if r.str("CORS_ORIGINS", &origins) {
		cfg.CORSOrigins = splitList(origins)
	}
	r.integer("CHUNK_SIZE", &cfg.ChunkSize)

	cfg.DBDriver = strings.ToLower(cfg.DBDriver)
	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints. serve additionally requires JWTSecret.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := staging.ParseRequired(c.RequiredFields); err != nil {
		return fmt.Errorf("invalid config: %s: %w", Prefix+"REQUIRED_FIELDS", err)
	}
	switch c.Archive.Driver {
	case archive.DriverNone, "", archive.DriverMemory:
	case archive.DriverFS:
		if c.Archive.Dir == "" {
			return fmt.Errorf("invalid config: %sARCHIVE_DIR is required for the fs archive", Prefix)
		}
	case archive.DriverS3:
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("invalid config: %sS3_BUCKET is required for the s3 archive", Prefix)
		}
	default:
		return fmt.Errorf("invalid config: unknown archive driver %q", c.Archive.Driver)
	}
	return nil
}

// =============================================================================
// ENV READER
// =============================================================================

type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(Prefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) str(key string, dst *string) bool {
	v, ok := r.get(key)
	if ok {
		*dst = v
	}
	return ok
}

func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok || r.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", Prefix, key, err)
		return
	}
	*dst = d
}

func (r *reader) integer(key string, dst *int) {
	v, ok := r.get(key)
	if !ok || r.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", Prefix, key, err)
		return
	}
	*dst = n
}

func (r *reader) boolean(key string, dst *bool) {
	v, ok := r.get(key)
	if !ok || r.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", Prefix, key, err)
		return
	}
	*dst = b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
