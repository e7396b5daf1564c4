package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves the raw markup of one URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extractor parses fetched markup into a PageRecord. The returned record is
// always usable; a non-nil error is a *ParseError describing degraded output.
type Extractor interface {
	Extract(url string, markup []byte, fetchedAt time.Time) (PageRecord, error)
}

// Embedder turns one text unit into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// BatchEmbedder is implemented by embedders that accept several texts per
// call. Output order matches input order.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer answers a prompt given a system instruction.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Publisher pushes snapshot events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
