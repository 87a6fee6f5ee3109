package queue

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/grantflow/download_manager/internal/delivery"
	"github.com/grantflow/download_manager/internal/download"
	"github.com/grantflow/download_manager/internal/fetch"
	"github.com/grantflow/download_manager/internal/logctx"
	"github.com/grantflow/download_manager/internal/storage"
)

const defaultChunkSize = 256 * 1024

// Spec is an enqueue request.
type Spec struct {
	ID         string
	Filename   string
	Path       string
	Params     url.Values
	OpenInline bool
}

// Options tunes the worker loop.
type Options struct {
	// SettleDelay is how long to wait after a transfer settles before
	// admitting the next queued record. Keeps the loop from re-entering
	// tightly and gives the store a moment to settle writes.
	SettleDelay time.Duration
	// IdleReadTimeout aborts a transfer whose stream stalls for this long.
	// Zero disables the timeout.
	IdleReadTimeout time.Duration
	// ChunkSize is the read buffer size, and therefore the granularity of
	// durable chunk writes.
	ChunkSize int
}

// runtimeState holds the per-record fields that never survive a restart: the
// live cancel function of an active transfer and the in-memory chunk
// sequence. Keeping them out of download.Record means persistence never has
// to strip fields.
//
// gen identifies which admitted transfer currently owns the record. Each
// admission gets a fresh generation and an abort zeroes it, so a transfer
// goroutine that settles late can detect that the record was re-admitted
// underneath it and must not touch any state.
type runtimeState struct {
	cancel context.CancelFunc
	chunks [][]byte
	gen    uint64
}

// Queue is the registry of download records and the only place transfer
// admission decisions are made. At most one record is in-progress at any
// instant; every mutation is serialized under one mutex and snapshotted to
// the queue repository.
type Queue struct {
	mu      sync.Mutex
	records []*download.Record // most recent enqueue first
	runtime map[string]*runtimeState
	nextGen uint64 // admission counter, never reused

	fetcher   fetch.Fetcher
	queueRepo storage.QueueRepository
	chunkRepo storage.ChunkRepository
	sink      delivery.Sink

	settleDelay     time.Duration
	idleReadTimeout time.Duration
	chunkSize       int

	baseCtx context.Context

	// Terminal-transfer events. Sends are non-blocking: a slow or absent
	// consumer drops notifications, never stalls the worker loop.
	OnCompleted chan *download.Record
	OnFailed    chan *download.Record
}

// New restores the visible list from the queue repository and returns a
// queue ready to drive. Restored records never come back in-progress (the
// repository demotes them to paused), so the admission guard starts clean.
func New(
	ctx context.Context,
	fetcher fetch.Fetcher,
	queueRepo storage.QueueRepository,
	chunkRepo storage.ChunkRepository,
	sink delivery.Sink,
	opts Options,
) (*Queue, error) {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 200 * time.Millisecond
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	records, err := queueRepo.LoadQueue(ctx)
	if err != nil {
		return nil, err
	}

	return &Queue{
		records:         records,
		runtime:         make(map[string]*runtimeState),
		fetcher:         fetcher,
		queueRepo:       queueRepo,
		chunkRepo:       chunkRepo,
		sink:            sink,
		settleDelay:     opts.SettleDelay,
		idleReadTimeout: opts.IdleReadTimeout,
		chunkSize:       opts.ChunkSize,
		baseCtx:         ctx,
		OnCompleted:     make(chan *download.Record, 16),
		OnFailed:        make(chan *download.Record, 16),
	}, nil
}

// Close releases the event channels. Call only after all transfers settled.
func (q *Queue) Close() {
	close(q.OnCompleted)
	close(q.OnFailed)
}

// Start admits the first queued record, if any. Call once after New to pick
// up restored work; later mutations drive the loop themselves.
func (q *Queue) Start() {
	q.drive()
}

// Enqueue adds a new record at the front of the visible list and triggers
// the worker loop. Reusing a live id is rejected.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) error {
	q.mu.Lock()

	if q.findLocked(spec.ID) != nil {
		q.mu.Unlock()

		return &download.DuplicateIDError{ID: spec.ID}
	}

	rec := &download.Record{
		ID:         spec.ID,
		Filename:   spec.Filename,
		Path:       spec.Path,
		Params:     spec.Params,
		OpenInline: spec.OpenInline,
		Status:     download.StatusQueued,
		EnqueuedAt: time.Now(),
	}

	q.records = append([]*download.Record{rec}, q.records...)
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.drive()

	return nil
}

// Pause aborts the in-flight request for id, if any, and parks the record.
// Unknown ids and terminal records are ignored.
func (q *Queue) Pause(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := q.findLocked(id)
	if rec == nil || rec.Status.Terminal() {
		return
	}

	if rt := q.runtime[id]; rt != nil {
		if rt.cancel != nil {
			rt.cancel()
			rt.cancel = nil
		}

		// Revoke ownership so the aborted goroutine, which may still be
		// draining a blocked read, can never settle this record again.
		rt.gen = 0
	}

	rec.Status = download.StatusPaused
	q.persistLocked(ctx)
}

// Resume rehydrates the durable chunks for id, re-queues the record, and
// triggers the worker loop. Unknown ids and non-resumable records are
// ignored.
func (q *Queue) Resume(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx)

	chunks, err := q.chunkRepo.GetChunks(ctx, id)
	if err != nil {
		logger.Error("failed to rehydrate chunks", "download_id", id, "err", err)

		return
	}

	q.mu.Lock()

	rec := q.findLocked(id)
	if rec == nil || (rec.Status != download.StatusPaused && rec.Status != download.StatusFailed) {
		q.mu.Unlock()

		return
	}

	rt := q.ensureRuntimeLocked(id)
	rt.chunks = chunks

	// The durably stored prefix is the ground truth for the Range offset: a
	// crash between a chunk write and the snapshot write can leave the
	// persisted counter behind the chunk store, never ahead of it.
	rec.ReceivedBytes = chunksLen(chunks)
	rec.Progress = rec.ComputeProgress()
	rec.Status = download.StatusQueued
	rec.LastError = ""
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.drive()
}

// Cancel aborts any in-flight request for id, removes the record from the
// visible list, and purges its durable chunks. Unknown ids are ignored.
func (q *Queue) Cancel(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx)

	q.mu.Lock()

	rec := q.findLocked(id)
	if rec == nil {
		q.mu.Unlock()

		return
	}

	if rt := q.runtime[id]; rt != nil && rt.cancel != nil {
		rt.cancel()
	}

	delete(q.runtime, id)
	q.removeLocked(id)
	q.persistLocked(ctx)
	q.mu.Unlock()

	if err := q.chunkRepo.DeleteChunks(ctx, id); err != nil {
		logger.Error("failed to purge chunks", "download_id", id, "err", err)
	}
}

// ClearCompleted removes every completed record from the visible list.
func (q *Queue) ClearCompleted(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.records[:0]

	for _, rec := range q.records {
		if rec.Status != download.StatusCompleted {
			kept = append(kept, rec)
		}
	}

	q.records = kept
	q.persistLocked(ctx)
}

// ClearAll aborts anything in flight, empties the visible list, and purges
// every record's durable chunks.
func (q *Queue) ClearAll(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	q.mu.Lock()

	ids := make([]string, 0, len(q.records))
	for _, rec := range q.records {
		ids = append(ids, rec.ID)
	}

	for _, rt := range q.runtime {
		if rt.cancel != nil {
			rt.cancel()
		}
	}

	q.runtime = make(map[string]*runtimeState)
	q.records = nil
	q.persistLocked(ctx)
	q.mu.Unlock()

	for _, id := range ids {
		if err := q.chunkRepo.DeleteChunks(ctx, id); err != nil {
			logger.Error("failed to purge chunks", "download_id", id, "err", err)
		}
	}
}

// Records returns a snapshot of the visible list, most recent enqueue first.
func (q *Queue) Records() []*download.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*download.Record, 0, len(q.records))
	for _, rec := range q.records {
		out = append(out, rec.Clone())
	}

	return out
}

// Get returns a snapshot of one record, or nil if the id is unknown.
func (q *Queue) Get(id string) *download.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if rec := q.findLocked(id); rec != nil {
		return rec.Clone()
	}

	return nil
}

// drive admits at most one transfer. Safe to call from anywhere at any time:
// the in-progress guard makes it re-entrant and enforces the single
// concurrent transfer policy.
func (q *Queue) drive() {
	q.mu.Lock()

	for _, rec := range q.records {
		if rec.Status == download.StatusInProgress {
			q.mu.Unlock()

			return
		}
	}

	var next *download.Record

	for _, rec := range q.records {
		if rec.Status == download.StatusQueued {
			next = rec

			break
		}
	}

	if next == nil {
		q.mu.Unlock()

		return
	}

	next.Status = download.StatusInProgress

	ctx, cancel := context.WithCancel(q.baseCtx)
	rt := q.ensureRuntimeLocked(next.ID)
	rt.cancel = cancel

	q.nextGen++
	rt.gen = q.nextGen
	gen := rt.gen

	id := next.ID
	q.persistLocked(q.baseCtx)
	q.mu.Unlock()

	go q.runTransfer(ctx, cancel, id, gen)
}

// scheduleDrive re-invokes the loop after the settle delay.
func (q *Queue) scheduleDrive() {
	time.AfterFunc(q.settleDelay, q.drive)
}

func (q *Queue) findLocked(id string) *download.Record {
	for _, rec := range q.records {
		if rec.ID == id {
			return rec
		}
	}

	return nil
}

func (q *Queue) removeLocked(id string) {
	for i, rec := range q.records {
		if rec.ID == id {
			q.records = append(q.records[:i], q.records[i+1:]...)

			return
		}
	}
}

// ownsLocked reports whether the transfer admitted with generation gen still
// owns the record. False once the record was aborted, removed, or re-admitted.
func (q *Queue) ownsLocked(id string, gen uint64) bool {
	rt := q.runtime[id]

	return rt != nil && rt.gen == gen
}

func (q *Queue) ensureRuntimeLocked(id string) *runtimeState {
	rt := q.runtime[id]
	if rt == nil {
		rt = &runtimeState{}
		q.runtime[id] = rt
	}

	return rt
}

// persistLocked snapshots the visible list. Persistence failures are logged,
// not propagated: the worker loop never throws, and the in-memory state is
// still the source of truth for this process.
func (q *Queue) persistLocked(ctx context.Context) {
	if err := q.queueRepo.SaveQueue(ctx, q.records); err != nil {
		logctx.LoggerFromContext(q.baseCtx).Error("failed to persist queue snapshot", "err", err)
	}
}

func (q *Queue) emit(ch chan *download.Record, rec *download.Record) {
	select {
	case ch <- rec:
	default:
	}
}

func chunksLen(chunks [][]byte) int64 {
	var n int64
	for _, c := range chunks {
		n += int64(len(c))
	}

	return n
}
