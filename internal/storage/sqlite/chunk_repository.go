package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ChunkRepository stores the received byte chunks of partial transfers.
// Chunks are appended in receive order and read back ordered by sequence
// number, so a rehydrated transfer sees exactly the prefix it had persisted.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(dbConn *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: dbConn}
}

func (r *ChunkRepository) GetChunks(ctx context.Context, id string) ([][]byte, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM chunks WHERE download_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks for %q: %w", id, err)
	}
	defer rows.Close()

	var chunks [][]byte

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan chunk for %q: %w", id, err)
		}

		chunks = append(chunks, data)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks for %q: %w", id, err)
	}

	return chunks, nil
}

// AppendChunk durably stores one chunk. An insert with an already-used
// sequence number overwrites it, which makes a retried append after a
// crash-and-resume harmless.
func (r *ChunkRepository) AppendChunk(ctx context.Context, id string, seq int, data []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chunks (download_id, seq, data) VALUES (?, ?, ?)
		ON CONFLICT(download_id, seq) DO UPDATE SET data = excluded.data`,
		id, seq, data)
	if err != nil {
		return fmt.Errorf("failed to append chunk %d for %q: %w", seq, id, err)
	}

	return nil
}

func (r *ChunkRepository) DeleteChunks(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE download_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chunks for %q: %w", id, err)
	}

	return nil
}
