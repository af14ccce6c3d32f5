package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/store"
)

// Archiver stores raw upstream bodies against the run that fetched them.
// It satisfies source.Archiver.
type Archiver struct {
	store  *store.Store
	logger *zap.Logger
}

func NewArchiver(st *store.Store, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: st, logger: logger.Named("archive")}
}

func (a *Archiver) Archive(ctx context.Context, source, endpoint string, stationID *string, body []byte) {
	if len(body) == 0 {
		return
	}
	id, err := a.store.StoreRawPayload(ctx, RunID(ctx), source, endpoint, stationID, body)
	if err != nil {
		a.logger.Warn("failed to archive raw payload",
			zap.String("source", source),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return
	}
	if id == 0 {
		a.logger.Debug("raw payload unchanged", zap.String("source", source), zap.String("endpoint", endpoint))
	}
}
