package storage

import (
	"context"

	"github.com/grantflow/download_manager/internal/download"
)

// QueueRepository persists the whole visible download list. The queue writes
// it on every mutation and reads it once at startup.
type QueueRepository interface {
	SaveQueue(ctx context.Context, records []*download.Record) error
	LoadQueue(ctx context.Context) ([]*download.Record, error)
}

// ChunkRepository stores the ordered byte chunks of a partial transfer,
// keyed by download id. AppendChunk must make the chunk durable before it
// returns: the queue only advances its byte counter after a successful
// append, which is what keeps Range resumes exact.
type ChunkRepository interface {
	GetChunks(ctx context.Context, id string) ([][]byte, error)
	AppendChunk(ctx context.Context, id string, seq int, data []byte) error
	DeleteChunks(ctx context.Context, id string) error
}
