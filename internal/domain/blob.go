package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter pushes archive snapshots into object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver copies settled ledger records to cold storage. Records are never
// deleted from the ledger; archiving only snapshots them.
type Archiver interface {
	ArchivePayouts(ctx context.Context, before time.Time) (int64, error)
	ArchiveTradeRequests(ctx context.Context, before time.Time) (int64, error)
}
