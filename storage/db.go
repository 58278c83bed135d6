package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trial-sync/config"
	"trial-sync/models"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint. Callers treat it as
// "another run already handled this record".
var ErrDuplicate = errors.New("duplicate record")

// Open connects to PostgreSQL and migrates the schema.
func Open(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info("Successfully connected to database.", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))

	log.Info("Running database auto-migration...")
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the sync engine uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Study{},
		&models.Intervention{},
		&models.Eligibility{},
		&models.Condition{},
		&models.ConditionTranslation{},
		&models.ConfigurationVariable{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err comes from a unique index.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// translateErr maps unique violations onto ErrDuplicate and leaves other errors untouched.
func translateErr(err error) error {
	if err == nil || errors.Is(err, ErrDuplicate) {
		return err
	}
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
