package clinicaltrials

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"trial-sync/config"
	"trial-sync/providers"
)

// Fetcher implements providers.Source for the clinicaltrials.gov classic API.
type Fetcher struct {
	Config  *config.Config
	Logger  *zap.Logger
	client  *resty.Client
	backoff providers.Backoff
}

// NewFetcher creates a registry fetcher from the configuration.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	client := resty.New().
		SetBaseURL(cfg.RegistryBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")

	return &Fetcher{
		Config: cfg,
		Logger: logger.With(zap.String("provider", "clinicaltrials")),
		client: client,
		backoff: providers.Backoff{
			ThrottleDelay: cfg.ThrottleBackoff,
			ServerDelay:   cfg.ServerBackoff,
			MaxAttempts:   cfg.MaxAttempts,
		},
	}
}

// Name returns the provider name.
func (f *Fetcher) Name() string {
	return "clinicaltrials"
}

// Count returns the number of studies the registry currently holds.
func (f *Fetcher) Count(ctx context.Context) (int, error) {
	resp, err := f.backoff.Do(ctx, f.Logger, func() (*resty.Response, error) {
		return f.client.R().
			SetContext(ctx).
			SetQueryParam("fmt", "json").
			Get("/info/study_statistics")
	})
	if err != nil {
		return 0, fmt.Errorf("study statistics: %w", err)
	}

	var stats statisticsResponse
	if err := json.Unmarshal(resp.Body(), &stats); err != nil {
		return 0, fmt.Errorf("decode study statistics: %w", err)
	}
	n, err := stats.StudyStatistics.ElmtDefs.Study.NInstances.Int64()
	if err != nil {
		return 0, fmt.Errorf("study statistics: invalid nInstances %q: %w", stats.StudyStatistics.ElmtDefs.Study.NInstances, err)
	}
	return int(n), nil
}

// Page fetches the studies ranked start..end.
func (f *Fetcher) Page(ctx context.Context, start, end int) ([]providers.Document, error) {
	log := f.Logger.With(zap.Int("min_rnk", start), zap.Int("max_rnk", end))
	log.Debug("Fetching registry page")

	resp, err := f.backoff.Do(ctx, log, func() (*resty.Response, error) {
		return f.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"fmt":     "json",
				"min_rnk": strconv.Itoa(start),
				"max_rnk": strconv.Itoa(end),
			}).
			Get("/query/full_studies")
	})
	if err != nil {
		return nil, fmt.Errorf("full studies %d-%d: %w", start, end, err)
	}

	var page fullStudiesResponse
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, fmt.Errorf("decode full studies %d-%d: %w", start, end, err)
	}
	if page.FullStudiesResponse.NStudiesFound == 0 {
		return nil, nil
	}

	docs := make([]providers.Document, 0, len(page.FullStudiesResponse.FullStudies))
	for i, fs := range page.FullStudiesResponse.FullStudies {
		rank := fs.Rank
		if rank == 0 {
			rank = start + i
		}
		docs = append(docs, providers.Document{Rank: rank, Payload: fs.Study})
	}
	log.Debug("Registry page fetched", zap.Int("count", len(docs)))
	return docs, nil
}
