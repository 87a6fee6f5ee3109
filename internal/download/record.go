package download

import (
	"math"
	"net/url"
	"time"
)

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is one the worker loop never leaves on
// its own. A terminal record only changes through an explicit user action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record represents one requested transfer. Only durable fields live here;
// runtime state (cancel function, in-memory chunks) is tracked separately by
// the queue so a persisted record never needs field stripping.
type Record struct {
	ID            string     `json:"id"`
	Filename      string     `json:"filename"`
	Path          string     `json:"path"`
	Params        url.Values `json:"params,omitempty"`
	OpenInline    bool       `json:"open_inline"`
	Progress      int        `json:"progress"`
	Status        Status     `json:"status"`
	ReceivedBytes int64      `json:"received_bytes"`
	TotalBytes    int64      `json:"total_bytes"`
	LastError     string     `json:"last_error,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	DeliveredAt   time.Time  `json:"delivered_at"`
}

// ComputeProgress derives the visible percentage from the byte counters.
// It intentionally never returns 100 on its own: completion is assigned
// explicitly when the stream is exhausted, so rounding near end-of-stream
// cannot show a finished bar for an unfinished transfer.
func (r *Record) ComputeProgress() int {
	if r.TotalBytes <= 0 {
		return 0
	}

	p := int(math.Round(float64(r.ReceivedBytes) / float64(r.TotalBytes) * 100))
	if p > 99 {
		p = 99
	}

	return p
}

// Clone returns a copy safe to hand to callers outside the queue lock.
func (r *Record) Clone() *Record {
	c := *r

	if r.Params != nil {
		c.Params = make(url.Values, len(r.Params))
		for k, v := range r.Params {
			c.Params[k] = append([]string(nil), v...)
		}
	}

	return &c
}
