package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/grantflow/download_manager/internal/delivery"
	"github.com/grantflow/download_manager/internal/download"
	"github.com/grantflow/download_manager/internal/fetch"
	"github.com/grantflow/download_manager/internal/logctx"
)

const defaultContentType = "application/octet-stream"

// runTransfer executes the transfer protocol for the admitted record. It
// never panics the loop: every outcome settles the record into a terminal or
// resumable status and re-schedules the drive after the settle delay.
//
// gen is the admission generation this goroutine owns. A pause or cancel can
// land while a read is blocked; by the time the goroutine observes it and
// settles, the record may already have been resumed and re-admitted. Every
// record mutation below is therefore gated on still owning the generation.
func (q *Queue) runTransfer(ctx context.Context, cancel context.CancelFunc, id string, gen uint64) {
	defer cancel()
	defer q.scheduleDrive()

	logger := logctx.LoggerFromContext(q.baseCtx).With("download_id", id)

	// idleTimedOut distinguishes a stalled-stream abort from a user abort:
	// both cancel the same context, but only the user outcome is "paused".
	var idleTimedOut atomic.Bool

	var idleTimer *time.Timer
	if q.idleReadTimeout > 0 {
		idleTimer = time.AfterFunc(q.idleReadTimeout, func() {
			idleTimedOut.Store(true)
			cancel()
		})
		defer idleTimer.Stop()
	}

	err := q.streamTransfer(ctx, id, gen, logger, idleTimer)
	if err == nil {
		return
	}

	aborted := errors.Is(err, context.Canceled) || ctx.Err() != nil

	q.mu.Lock()

	if !q.ownsLocked(id, gen) {
		// The record was re-admitted (or removed) while this goroutine was
		// winding down. Whoever owns it now settles it.
		q.mu.Unlock()

		return
	}

	rt := q.runtime[id]
	rt.cancel = nil

	rec := q.findLocked(id)
	if rec == nil || rec.Status.Terminal() {
		q.mu.Unlock()

		return
	}

	if aborted && !idleTimedOut.Load() {
		logger.Info("transfer paused", "received", humanize.Bytes(uint64(rec.ReceivedBytes)))

		rec.Status = download.StatusPaused
	} else {
		logger.Error("transfer failed", "err", err, "received", humanize.Bytes(uint64(rec.ReceivedBytes)))

		rec.Status = download.StatusFailed
		rec.LastError = err.Error()
	}

	q.persistLocked(q.baseCtx)
	settled := rec.Clone()
	q.mu.Unlock()

	if settled.Status == download.StatusFailed {
		q.emit(q.OnFailed, settled)
	}
}

// streamTransfer is steps 1-6 of the protocol: rehydrate, ranged fetch,
// chunk-by-chunk write-through, then finalize. The durable chunk entry is
// left in place on any error so the transfer stays resumable.
func (q *Queue) streamTransfer(ctx context.Context, id string, gen uint64, logger *slog.Logger, idleTimer *time.Timer) error {
	req, chunks, total, err := q.prepareTransfer(ctx, id, gen)
	if err != nil {
		return err
	}

	// Everything already durable: a previous attempt received the full body
	// and failed only at delivery. Requesting bytes=total- from the server
	// would get a 416, so go straight to finalization.
	if total > 0 && req.Offset == total {
		logger.Info("all bytes already durable, finalizing", "received", humanize.Bytes(uint64(total)))

		return q.finalize(ctx, id, gen, "")
	}

	logger.Info("starting transfer", "path", req.Path, "offset", req.Offset)

	resp, err := q.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.TotalBytes > 0 {
		q.mu.Lock()

		if rec := q.findLocked(id); rec != nil && q.ownsLocked(id, gen) {
			rec.TotalBytes = resp.TotalBytes
			rec.Progress = rec.ComputeProgress()
		}

		q.mu.Unlock()
	}

	buf := make([]byte, q.chunkSize)
	seq := len(chunks)

	for {
		n, readErr := resp.Body.Read(buf)

		if idleTimer != nil {
			idleTimer.Reset(q.idleReadTimeout)
		}

		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			// A read can hand back data after an abort was requested. Writing
			// it through would interleave with whichever transfer owns the
			// chunk sequence now, so check ownership first.
			q.mu.Lock()

			if !q.ownsLocked(id, gen) {
				q.mu.Unlock()

				return context.Canceled
			}

			q.mu.Unlock()

			// The chunk becomes durable before the byte counter moves.
			// Persisting in the other order could claim bytes the store
			// doesn't hold, which would poison the next Range resume.
			if err := q.chunkRepo.AppendChunk(q.baseCtx, id, seq, chunk); err != nil {
				return err
			}

			seq++

			q.mu.Lock()

			rec := q.findLocked(id)
			if rec == nil {
				// Cancelled while the chunk write was in flight. Re-purge so
				// the append above leaves no orphaned rows behind.
				q.mu.Unlock()
				_ = q.chunkRepo.DeleteChunks(q.baseCtx, id)

				return context.Canceled
			}

			if !q.ownsLocked(id, gen) {
				// The chunk store now belongs to a newer admission; leave it
				// alone and bow out.
				q.mu.Unlock()

				return context.Canceled
			}

			rt := q.ensureRuntimeLocked(id)
			rt.chunks = append(rt.chunks, chunk)

			rec.ReceivedBytes += int64(n)
			rec.Progress = rec.ComputeProgress()

			logger.Debug("received chunk",
				"seq", seq-1,
				"received", humanize.Bytes(uint64(rec.ReceivedBytes)),
				"total", humanize.Bytes(uint64(rec.TotalBytes)),
			)

			q.persistLocked(q.baseCtx)
			q.mu.Unlock()
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}

			return &download.NetworkError{Operation: "read_chunk", Err: readErr}
		}
	}

	return q.finalize(ctx, id, gen, resp.ContentType)
}

// prepareTransfer rehydrates the in-memory chunk sequence and computes the
// resume offset. Already-attached chunks (from a prior resume) win; else the
// durable store is consulted; else the transfer starts empty.
func (q *Queue) prepareTransfer(ctx context.Context, id string, gen uint64) (fetch.Request, [][]byte, int64, error) {
	q.mu.Lock()
	rt := q.ensureRuntimeLocked(id)
	chunks := rt.chunks
	q.mu.Unlock()

	if len(chunks) == 0 {
		stored, err := q.chunkRepo.GetChunks(ctx, id)
		if err != nil {
			return fetch.Request{}, nil, 0, err
		}

		chunks = stored
	}

	offset := chunksLen(chunks)

	q.mu.Lock()
	defer q.mu.Unlock()

	rec := q.findLocked(id)
	if rec == nil || !q.ownsLocked(id, gen) {
		return fetch.Request{}, nil, 0, context.Canceled
	}

	rt = q.ensureRuntimeLocked(id)
	rt.chunks = chunks
	rec.ReceivedBytes = offset
	rec.Progress = rec.ComputeProgress()

	return fetch.Request{Path: rec.Path, Params: rec.Params, Offset: offset}, chunks, rec.TotalBytes, nil
}

// finalize assembles the chunk sequence into one blob, delivers it, purges
// the durable chunks, and marks the record completed.
func (q *Queue) finalize(ctx context.Context, id string, gen uint64, contentType string) error {
	q.mu.Lock()

	rec := q.findLocked(id)
	if rec == nil || !q.ownsLocked(id, gen) {
		q.mu.Unlock()

		return context.Canceled
	}

	rt := q.ensureRuntimeLocked(id)
	data := make([]byte, 0, chunksLen(rt.chunks))

	for _, chunk := range rt.chunks {
		data = append(data, chunk...)
	}

	blob := delivery.Blob{
		Filename: rec.Filename,
		Inline:   rec.OpenInline,
		Data:     data,
	}

	if rec.OpenInline {
		blob.ContentType = contentType
		if blob.ContentType == "" {
			blob.ContentType = defaultContentType
		}
	}

	q.mu.Unlock()

	if err := q.sink.Deliver(ctx, blob); err != nil {
		return err
	}

	if err := q.chunkRepo.DeleteChunks(q.baseCtx, id); err != nil {
		return err
	}

	q.mu.Lock()

	rec = q.findLocked(id)
	if rec == nil || !q.ownsLocked(id, gen) {
		q.mu.Unlock()

		return nil
	}

	rec.Status = download.StatusCompleted
	rec.Progress = 100
	rec.LastError = ""
	rec.DeliveredAt = time.Now()
	delete(q.runtime, id)
	q.persistLocked(q.baseCtx)
	completed := rec.Clone()
	q.mu.Unlock()

	q.emit(q.OnCompleted, completed)

	return nil
}
