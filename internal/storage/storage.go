package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no transfer was recorded for a URL.
var ErrNotFound = errors.New("transfer not found")

// Transfer statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// TransferRecord is the history entry of one finished transfer.
type TransferRecord struct {
	ID         int64
	URL        string
	Cached     bool
	Path       string // cache file path, empty when the body was returned in memory
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the transfer took.
func (r TransferRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TransferRepository stores the history of finished transfers.
type TransferRepository interface {
	RecordTransfer(ctx context.Context, rec TransferRecord) (int64, error)
	ListTransfers(ctx context.Context, limit int) ([]TransferRecord, error)
	LastTransfer(ctx context.Context, url string) (TransferRecord, error)
}
