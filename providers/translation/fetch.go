package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"trial-sync/config"
	"trial-sync/providers"
)

// request is the body of a LibreTranslate-compatible /translate call.
type request struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type response struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

// Fetcher implements providers.Translator against a LibreTranslate-compatible service.
type Fetcher struct {
	Config  *config.Config
	Logger  *zap.Logger
	client  *resty.Client
	backoff providers.Backoff
}

// NewFetcher creates a translator client from the configuration.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	client := resty.New().
		SetBaseURL(cfg.TranslatorURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Fetcher{
		Config: cfg,
		Logger: logger.With(zap.String("provider", "translator"), zap.String("target", cfg.TargetLocale)),
		client: client,
		backoff: providers.Backoff{
			ThrottleDelay: cfg.ThrottleBackoff,
			ServerDelay:   cfg.ServerBackoff,
			MaxAttempts:   cfg.MaxAttempts,
		},
	}
}

// Translate returns text in the target locale. Nil stays nil and blank text is returned as is,
// neither reaches the provider.
func (f *Fetcher) Translate(ctx context.Context, text *string) (*string, error) {
	if text == nil {
		return nil, nil
	}
	if strings.TrimSpace(*text) == "" {
		out := *text
		return &out, nil
	}

	body := request{
		Q:      *text,
		Source: f.Config.SourceLocale,
		Target: f.Config.TargetLocale,
		Format: "text",
		APIKey: f.Config.TranslatorAPIKey,
	}
	resp, err := f.backoff.Do(ctx, f.Logger, func() (*resty.Response, error) {
		return f.client.R().
			SetContext(ctx).
			SetBody(body).
			Post("/translate")
	})
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	var out response
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode translation: %w", err)
	}
	if out.Error != "" {
		return nil, errors.New("translator: " + out.Error)
	}
	return &out.TranslatedText, nil
}
