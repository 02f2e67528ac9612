package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/filecache/internal/storage"
	"github.com/italolelis/filecache/internal/telemetry"
)

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTransferRepository creates a new instrumented transfer repository.
func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(dbConn),
		telemetry: tel,
	}
}

// RecordTransfer stores a finished transfer with telemetry.
func (r *InstrumentedTransferRepository) RecordTransfer(ctx context.Context, rec storage.TransferRecord) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "record_transfer", func(ctx context.Context) error {
		var err error

		id, err = r.repo.RecordTransfer(ctx, rec)

		return err
	})

	return id, err
}

// ListTransfers lists recent transfers with telemetry.
func (r *InstrumentedTransferRepository) ListTransfers(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_transfers", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListTransfers(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// LastTransfer looks up the latest transfer of a URL with telemetry.
func (r *InstrumentedTransferRepository) LastTransfer(ctx context.Context, url string) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "last_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.repo.LastTransfer(ctx, url)

		return err
	})

	return result, err
}
