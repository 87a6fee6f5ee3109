package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/grantflow/download_manager/internal/download"
	"github.com/grantflow/download_manager/internal/logctx"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Blob is an assembled download ready for delivery.
type Blob struct {
	Filename    string
	ContentType string
	Inline      bool
	Data        []byte
}

// Sink receives finished downloads. Inline blobs go to a viewing location,
// everything else to the save-as location.
type Sink interface {
	Deliver(ctx context.Context, blob Blob) error
}

// FileSink writes finished downloads to local directories: saveDir for
// save-as deliveries and inlineDir for inline viewing.
type FileSink struct {
	saveDir   string
	inlineDir string
}

func NewFileSink(saveDir, inlineDir string) *FileSink {
	return &FileSink{saveDir: saveDir, inlineDir: inlineDir}
}

func (s *FileSink) Deliver(ctx context.Context, blob Blob) error {
	logger := logctx.LoggerFromContext(ctx)

	dir := s.saveDir
	if blob.Inline {
		dir = s.inlineDir
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &download.DeliveryError{Filename: blob.Filename, Err: fmt.Errorf("failed to create delivery directory: %w", err)}
	}

	// Base strips any path separators a hostile filename could smuggle in.
	target := filepath.Join(dir, filepath.Base(blob.Filename))

	tmp := target + ".part"
	if err := os.WriteFile(tmp, blob.Data, filePerm); err != nil {
		return &download.DeliveryError{Filename: blob.Filename, Err: err}
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)

		return &download.DeliveryError{Filename: blob.Filename, Err: err}
	}

	logger.Info("delivered file",
		"target", target,
		"size", humanize.Bytes(uint64(len(blob.Data))),
		"content_type", blob.ContentType,
		"inline", blob.Inline,
	)

	return nil
}
