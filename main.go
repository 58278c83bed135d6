package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trial-sync/config"
	"trial-sync/providers/clinicaltrials"
	"trial-sync/providers/translation"
	"trial-sync/services"
	"trial-sync/storage"
)

// stage is one orchestrator entry point selectable from the command line.
type stage struct {
	flag  string
	usage string
	run   func(*services.SyncService, context.Context) (*services.Stats, error)
}

var stages = []stage{
	{"sync", "page through the whole catalog: save, convert and translate", (*services.SyncService).SyncAll},
	{"save", "page through the whole catalog and only store raw documents", (*services.SyncService).SaveAll},
	{"convert", "convert one page of RAW studies", (*services.SyncService).ConvertPending},
	{"translate", "translate one page of NORMALIZED studies", (*services.SyncService).TranslatePending},
	{"sync-new", "save, convert and translate identifiers not seen before", (*services.SyncService).SyncNew},
	{"save-new", "store raw documents for identifiers not seen before", (*services.SyncService).SaveNew},
	{"update", "detect changed documents of known studies and clone them", (*services.SyncService).UpdateSweep},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	selected := make(map[string]*bool, len(stages))
	var serve bool

	cmd := &cobra.Command{
		Use:           "trial-sync",
		Short:         "Synchronize clinical-trial records and their translations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.logger.Sync()

			if serve {
				return app.serve(cmd.Context())
			}
			for _, s := range stages {
				if *selected[s.flag] {
					return app.runStage(cmd.Context(), s)
				}
			}
			return nil
		},
	}

	names := make([]string, 0, len(stages)+1)
	for _, s := range stages {
		selected[s.flag] = cmd.Flags().Bool(s.flag, false, s.usage)
		names = append(names, s.flag)
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "run the full sync on CRON_SCHEDULE and serve /metrics, /healthz and /progress")
	names = append(names, "serve")
	cmd.MarkFlagsMutuallyExclusive(names...)
	cmd.MarkFlagsOneRequired(names...)
	return cmd
}

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	sync    *services.SyncService
	cursors *storage.CursorStore
	studies *storage.StudyStore
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := storage.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	converter, err := services.NewConverter(services.SchemaVersion(cfg.SourceSchema))
	if err != nil {
		return nil, err
	}

	var archive services.RawArchive
	if cfg.ArchiveEnabled {
		a, err := storage.NewS3Archive(ctx, cfg)
		if err != nil {
			return nil, err
		}
		archive = a
		logger.Info("Raw document archive enabled", zap.String("bucket", cfg.ArchiveS3Bucket))
	}

	studies := storage.NewStudyStore(db, logger, cfg.SourceLocale)
	cursors := storage.NewCursorStore(db)
	translations := services.NewTranslationService(studies, translation.NewFetcher(cfg, logger), cfg.TargetLocale, logger)
	syncService := services.NewSyncService(cfg, clinicaltrials.NewFetcher(cfg, logger), studies, cursors,
		converter, translations, archive, logger)

	return &app{cfg: cfg, logger: logger, sync: syncService, cursors: cursors, studies: studies}, nil
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runStage runs one entry point. Failures are logged with a stack trace before the process exits
// non-zero; success prints nothing beyond the stage log.
func (a *app) runStage(ctx context.Context, s stage) error {
	st, err := s.run(a.sync, ctx)
	if err != nil {
		a.logger.Error("Stage aborted", zap.String("stage", s.flag), zap.Error(err), zap.Stack("stack"))
		return fmt.Errorf("%s: %w", s.flag, err)
	}
	a.logger.Debug("Stage finished", zap.String("stage", s.flag), zap.Int("processed", st.Processed), zap.Int("failed", st.Failed))
	return nil
}
