package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/filecache/internal/storage"
)

// Timestamps are stored as unix nanoseconds so they sort numerically.
const selectTransfer = `SELECT id, url, cached, path, status, error, started_at, finished_at FROM transfers`

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(dbConn *sql.DB) *TransferRepository {
	return &TransferRepository{db: dbConn}
}

// RecordTransfer stores rec and returns its row ID.
func (r *TransferRepository) RecordTransfer(ctx context.Context, rec storage.TransferRecord) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO transfers (url, cached, path, status, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.URL, rec.Cached, nullString(rec.Path), rec.Status, nullString(rec.Error),
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transfer: %w", err)
	}

	return res.LastInsertId()
}

// ListTransfers returns the most recently finished transfers first.
func (r *TransferRepository) ListTransfers(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectTransfer+` ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var records []storage.TransferRecord

	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// LastTransfer returns the latest transfer of url or storage.ErrNotFound.
func (r *TransferRepository) LastTransfer(ctx context.Context, url string) (storage.TransferRecord, error) {
	row := r.db.QueryRowContext(ctx, selectTransfer+` WHERE url = ? ORDER BY finished_at DESC, id DESC LIMIT 1`, url)

	rec, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TransferRecord{}, storage.ErrNotFound
	}

	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (storage.TransferRecord, error) {
	var (
		rec                   storage.TransferRecord
		path, errMsg          sql.NullString
		startedAt, finishedAt int64
	)

	if err := s.Scan(&rec.ID, &rec.URL, &rec.Cached, &path, &rec.Status, &errMsg, &startedAt, &finishedAt); err != nil {
		return rec, err
	}

	rec.Path = path.String
	rec.Error = errMsg.String
	rec.StartedAt = time.Unix(0, startedAt).UTC()
	rec.FinishedAt = time.Unix(0, finishedAt).UTC()

	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
