package crawler

import (
	"context"
	"time"
)

// Clock returns the current time and performs cancellable sleeps (fakeable in tests).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Transport performs a single HTTP GET.
type Transport interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Querier issues one logical API query. A nil body with a nil error means the
// API answered but had no data for the request.
type Querier interface {
	Query(ctx context.Context, url string) ([]byte, error)
}

// Governor bounds the number of in-flight query-bearing operations.
type Governor interface {
	Acquire(ctx context.Context) error
	Release()
}

// Journal is an append-only, human-readable audit sink.
type Journal interface {
	WriteLine(line string) error
}

// RecordWriter appends one structured record per line.
type RecordWriter interface {
	WriteRecord(fields ...string) error
}

// Store mirrors qualified players and registered games to a database.
type Store interface {
	SavePlayer(ctx context.Context, player PlayerRecord) error
	SaveGame(ctx context.Context, game GameRecord) error
}

// Publisher pushes registration events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces crawl run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
