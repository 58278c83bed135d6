package providers

import (
	"context"
	"encoding/json"
	"errors"
)

// Outbound errors. ErrNotFound is never retried; ErrRateLimited and ErrServer are returned once
// the retry budget is spent. ErrUnavailable marks a request that never got a response.
var (
	ErrNotFound    = errors.New("registry resource not found")
	ErrRateLimited = errors.New("rate limited")
	ErrServer      = errors.New("server error")
	ErrUnavailable = errors.New("service unavailable")
)

// Document is one raw study as delivered by a source, with its 1-based rank in the catalog.
type Document struct {
	Rank    int
	Payload json.RawMessage
}

// Source is the paginated registry every sync stage reads from.
type Source interface {
	// Name returns the unique name of the source (e.g. "clinicaltrials").
	Name() string

	// Count returns the total number of studies in the catalog.
	Count(ctx context.Context) (int, error)

	// Page returns the documents ranked start..end (inclusive), in source order.
	Page(ctx context.Context, start, end int) ([]Document, error)
}

// Translator translates text into the deployment's target locale.
// A nil text yields nil without calling the provider.
type Translator interface {
	Translate(ctx context.Context, text *string) (*string, error)
}
