// Package source fetches stations, traffic and weather from external systems.
//
// Every upstream is exposed through the same capability, Source, so the
// pipeline can pick an implementation from configuration.
package source

import (
	"context"
	"time"
)

// Query selects the records a Fetch returns. Start and End are inclusive
// calendar days. StationIDs is ignored by sources that are not per-station.
type Query struct {
	Start      time.Time
	End        time.Time
	StationIDs []string
}

type Source[T any] interface {
	Fetch(ctx context.Context, q Query) ([]T, error)
}

// Func adapts a plain function to Source.
type Func[T any] func(ctx context.Context, q Query) ([]T, error)

func (f Func[T]) Fetch(ctx context.Context, q Query) ([]T, error) {
	return f(ctx, q)
}

// Archiver receives every raw response body fetched from an upstream.
// Implementations must not fail the fetch; they log their own errors.
type Archiver interface {
	Archive(ctx context.Context, source, endpoint string, stationID *string, body []byte)
}

type nopArchiver struct{}

func (nopArchiver) Archive(context.Context, string, string, *string, []byte) {}

func archiverOrNop(a Archiver) Archiver {
	if a == nil {
		return nopArchiver{}
	}
	return a
}
