package sqlite

import (
	"context"
	"database/sql"

	"github.com/grantflow/download_manager/internal/download"
	"github.com/grantflow/download_manager/internal/telemetry"
)

// InstrumentedQueueRepository wraps QueueRepository with telemetry.
type InstrumentedQueueRepository struct {
	repo      *QueueRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedQueueRepository creates a new instrumented queue repository.
func NewInstrumentedQueueRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedQueueRepository {
	return &InstrumentedQueueRepository{
		repo:      NewQueueRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedQueueRepository) SaveQueue(ctx context.Context, records []*download.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_queue", func(ctx context.Context) error {
		return r.repo.SaveQueue(ctx, records)
	})
}

func (r *InstrumentedQueueRepository) LoadQueue(ctx context.Context) ([]*download.Record, error) {
	var result []*download.Record

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "load_queue", func(ctx context.Context) error {
		result, err = r.repo.LoadQueue(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// InstrumentedChunkRepository wraps ChunkRepository with telemetry.
type InstrumentedChunkRepository struct {
	repo      *ChunkRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedChunkRepository creates a new instrumented chunk repository.
func NewInstrumentedChunkRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedChunkRepository {
	return &InstrumentedChunkRepository{
		repo:      NewChunkRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedChunkRepository) GetChunks(ctx context.Context, id string) ([][]byte, error) {
	var result [][]byte

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_chunks", func(ctx context.Context) error {
		result, err = r.repo.GetChunks(ctx, id)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedChunkRepository) AppendChunk(ctx context.Context, id string, seq int, data []byte) error {
	err := r.telemetry.InstrumentDBOperation(ctx, "append_chunk", func(ctx context.Context) error {
		return r.repo.AppendChunk(ctx, id, seq, data)
	})

	if err == nil {
		r.telemetry.RecordChunk(len(data))
	}

	return err
}

func (r *InstrumentedChunkRepository) DeleteChunks(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_chunks", func(ctx context.Context) error {
		return r.repo.DeleteChunks(ctx, id)
	})
}
