package fetch

import (
	"context"
	"io"
	"net/url"
)

// Request describes one streamed GET against the admin API.
type Request struct {
	// Path is the logical resource path, resolved against the client's base URL.
	Path string
	// Params are serialized as the query string.
	Params url.Values
	// Offset, when positive, asks the server to resume the transfer with a
	// Range: bytes=<Offset>- header.
	Offset int64
}

// Response is a streamed fetch result. Body must be closed by the caller.
type Response struct {
	Body io.ReadCloser
	// TotalBytes is the total resource size: the total of a Content-Range
	// header when present, else Content-Length, else 0 (unknown).
	TotalBytes  int64
	ContentType string
}

// Fetcher performs an authenticated streamed GET. Implementations observe
// context cancellation at read boundaries, which is how pause and cancel
// abort an active transfer.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// CredentialSource supplies bearer tokens for the admin API and supports a
// forced refresh after an authentication failure.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}
