package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/queue"
	"go.uber.org/zap"
)

const recordColumns = `
	id, seq, message_id, remote_location, kind, destination, status,
	attempt_count, last_error, error_kind, local_path, file_size, mime_type,
	created_at, updated_at, completed_at
`

// RecordRepository is a queue.Store backed by the attachment_records table
type RecordRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db *sql.DB, logger *zap.Logger) *RecordRepository {
	return &RecordRepository{
		db:     db,
		logger: logger,
	}
}

var _ queue.Store = (*RecordRepository)(nil)

// Get retrieves a record by attachment ID
func (r *RecordRepository) Get(id string) (*entity.AttachmentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attachment_records WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("Failed to get attachment record", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get attachment record: %w", err)
	}
	return rec, nil
}

// Upsert inserts the record or replaces the row with the same ID
func (r *RecordRepository) Upsert(rec *entity.AttachmentRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	query := `
		INSERT INTO attachment_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq,
			message_id = excluded.message_id,
			remote_location = excluded.remote_location,
			kind = excluded.kind,
			destination = excluded.destination,
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			error_kind = excluded.error_kind,
			local_path = excluded.local_path,
			file_size = excluded.file_size,
			mime_type = excluded.mime_type,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	var completedAt sql.NullTime
	if rec.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *rec.CompletedAt, Valid: true}
	}

	_, err := r.db.Exec(query,
		rec.ID,
		rec.Seq,
		rec.Descriptor.MessageID,
		rec.Descriptor.RemoteLocation,
		string(rec.Descriptor.Kind),
		rec.Descriptor.Destination,
		string(rec.Status),
		rec.AttemptCount,
		nullString(rec.LastError),
		nullString(rec.ErrorKind),
		nullString(rec.LocalPath),
		rec.FileSize,
		nullString(rec.MimeType),
		rec.CreatedAt,
		rec.UpdatedAt,
		completedAt,
	)
	if err != nil {
		r.logger.Error("Failed to upsert attachment record",
			zap.String("id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
		return fmt.Errorf("failed to upsert attachment record: %w", err)
	}
	return nil
}

// Remove deletes the record for id
func (r *RecordRepository) Remove(id string) error {
	if _, err := r.db.Exec(`DELETE FROM attachment_records WHERE id = ?`, id); err != nil {
		r.logger.Error("Failed to remove attachment record", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("failed to remove attachment record: %w", err)
	}
	return nil
}

// ListByStatus returns the records in status, oldest first
func (r *RecordRepository) ListByStatus(status entity.Status) ([]*entity.AttachmentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attachment_records WHERE status = ? ORDER BY seq ASC`
	return r.query(query, string(status))
}

// List returns every record, oldest first
func (r *RecordRepository) List() ([]*entity.AttachmentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attachment_records ORDER BY seq ASC`
	return r.query(query)
}

// CountByStatus tallies records per status in a single statement
func (r *RecordRepository) CountByStatus() (map[entity.Status]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM attachment_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count attachment records: %w", err)
	}
	defer rows.Close()

	counts := make(map[entity.Status]int, len(entity.AllStatuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[entity.Status(status)] = n
	}
	return counts, rows.Err()
}

// MaxSeq returns the highest stored sequence number
func (r *RecordRepository) MaxSeq() (int64, error) {
	var maxSeq int64
	if err := r.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM attachment_records`).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return maxSeq, nil
}

func (r *RecordRepository) query(query string, args ...interface{}) ([]*entity.AttachmentRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		r.logger.Error("Failed to list attachment records", zap.Error(err))
		return nil, fmt.Errorf("failed to list attachment records: %w", err)
	}
	defer rows.Close()

	var records []*entity.AttachmentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*entity.AttachmentRecord, error) {
	rec := &entity.AttachmentRecord{}
	var kind, status string
	var lastError, errorKind, localPath, mimeType sql.NullString
	var createdAt, updatedAt time.Time
	var completedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.Seq,
		&rec.Descriptor.MessageID,
		&rec.Descriptor.RemoteLocation,
		&kind,
		&rec.Descriptor.Destination,
		&status,
		&rec.AttemptCount,
		&lastError,
		&errorKind,
		&localPath,
		&rec.FileSize,
		&mimeType,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Descriptor.ID = rec.ID
	rec.Descriptor.Kind = entity.AttachmentKind(kind)
	rec.Status = entity.Status(status)
	rec.LastError = lastError.String
	rec.ErrorKind = errorKind.String
	rec.LocalPath = localPath.String
	rec.MimeType = mimeType.String
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
