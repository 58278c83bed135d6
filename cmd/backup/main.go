package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"trial-sync/config"
	"trial-sync/storage"
)

const backupPrefix = "backups/"

type backupConfig struct {
	KeepBackups int `envconfig:"KEEP_BACKUPS" default:"4"`
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't initialize zap logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(context.Background(), logger); err != nil {
		logger.Fatal("Backup failed", zap.Error(err))
	}
	logger.Info("Backup completed")
}

func run(ctx context.Context, logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var bcfg backupConfig
	if err := envconfig.Process("", &bcfg); err != nil {
		return fmt.Errorf("load backup config: %w", err)
	}
	if cfg.ArchiveS3URL == "" || cfg.ArchiveS3Bucket == "" {
		return fmt.Errorf("ARCHIVE_S3_URL and ARCHIVE_S3_BUCKET are required")
	}

	dump, err := createDump(ctx, cfg)
	if err != nil {
		return fmt.Errorf("pg_dump: %w", err)
	}

	archive, err := storage.NewS3Archive(ctx, cfg)
	if err != nil {
		return err
	}
	key := backupPrefix + fmt.Sprintf("backup-%s.sql.gz", time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	link, err := archive.Upload(ctx, key, "application/gzip", dump)
	if err != nil {
		return err
	}
	logger.Info("Backup uploaded", zap.String("link", link), zap.Int("bytes", len(dump)))

	deleted, err := archive.Prune(ctx, backupPrefix, bcfg.KeepBackups)
	if err != nil {
		return fmt.Errorf("rotate backups: %w", err)
	}
	for _, k := range deleted {
		logger.Info("Deleted old backup", zap.String("key", k))
	}
	return nil
}

func createDump(ctx context.Context, cfg *config.Config) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", cfg.DBHost,
		"-p", strconv.Itoa(cfg.DBPort),
		"-U", cfg.DBUser,
		"-d", cfg.DBName,
		"-w",
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.DBPassword)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := io.Copy(gz, stdout); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
