package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every setting read from the environment.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	LogMode      string `envconfig:"LOG_MODE" default:"production"`
	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Registry (clinicaltrials.gov classic API)
	RegistryBaseURL string        `envconfig:"REGISTRY_BASE_URL" default:"https://clinicaltrials.gov/api"`
	SourceSchema    string        `envconfig:"SOURCE_SCHEMA" default:"v2"`
	PageSize        int           `envconfig:"PAGE_SIZE" default:"100"`
	MaxPagesPerRun  int           `envconfig:"MAX_PAGES_PER_RUN" default:"0"`
	ThrottleBackoff time.Duration `envconfig:"THROTTLE_BACKOFF" default:"600s"`
	ServerBackoff   time.Duration `envconfig:"SERVER_BACKOFF" default:"60s"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"10"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`

	// Translation
	SourceLocale     string `envconfig:"SOURCE_LOCALE" default:"en"`
	TargetLocale     string `envconfig:"TARGET_LOCALE" default:"ko"`
	TranslatorURL    string `envconfig:"TRANSLATOR_URL" default:"http://localhost:5000"`
	TranslatorAPIKey string `envconfig:"TRANSLATOR_API_KEY"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 3 * * *"`

	// Raw document archive (S3 compatible)
	ArchiveEnabled  bool   `envconfig:"ARCHIVE_ENABLED" default:"false"`
	ArchiveS3Key    string `envconfig:"ARCHIVE_S3_KEY"`
	ArchiveS3Secret string `envconfig:"ARCHIVE_S3_SECRET"`
	ArchiveS3URL    string `envconfig:"ARCHIVE_S3_URL"`
	ArchiveS3Region string `envconfig:"ARCHIVE_S3_REGION" default:"us-east-1"`
	ArchiveS3Bucket string `envconfig:"ARCHIVE_S3_BUCKET"`
}

// DSN returns the data source name for the PostgreSQL connection.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Validate checks the settings envconfig cannot express.
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.SourceLocale == c.TargetLocale {
		return fmt.Errorf("SOURCE_LOCALE and TARGET_LOCALE must differ (both %q)", c.SourceLocale)
	}
	if c.ArchiveEnabled && (c.ArchiveS3URL == "" || c.ArchiveS3Bucket == "") {
		return fmt.Errorf("ARCHIVE_ENABLED requires ARCHIVE_S3_URL and ARCHIVE_S3_BUCKET")
	}
	return nil
}

// Load reads the configuration from the environment, honouring a local .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
