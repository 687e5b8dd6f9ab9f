package report

import (
	"fmt"
	"io"
	"time"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/queue"
	"github.com/xuri/excelize/v2"
)

const (
	recordsSheet = "Attachments"
	summarySheet = "Summary"
	timeLayout   = "2006-01-02 15:04:05"
)

var recordHeader = []interface{}{
	"ID", "Message ID", "Kind", "Status", "Attempts", "Destination",
	"Local Path", "Size (bytes)", "MIME Type", "Error Kind", "Last Error",
	"Created At", "Updated At", "Completed At",
}

// WriteRecords renders records and the snapshot as an .xlsx workbook into w
func WriteRecords(w io.Writer, records []*entity.AttachmentRecord, snap queue.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", recordsSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	if err := f.SetSheetRow(recordsSheet, "A1", &recordHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := recordRow(rec)
		if err := f.SetSheetRow(recordsSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", rec.ID, err)
		}
	}

	if err := f.SetPanes(recordsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if err := writeSummary(f, snap); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func recordRow(rec *entity.AttachmentRecord) []interface{} {
	completedAt := ""
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.Format(timeLayout)
	}

	return []interface{}{
		rec.ID,
		rec.Descriptor.MessageID,
		string(rec.Descriptor.Kind),
		string(rec.Status),
		rec.AttemptCount,
		rec.Descriptor.Destination,
		rec.LocalPath,
		rec.FileSize,
		rec.MimeType,
		rec.ErrorKind,
		rec.LastError,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		completedAt,
	}
}

func writeSummary(f *excelize.File, snap queue.Snapshot) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}

	rows := [][]interface{}{
		{"Queued", snap.QueueCount},
		{"Processing", snap.ProcessingCount},
		{"Completed", snap.CompletedCount},
		{"Failed", snap.FailedCount},
		{"Total", snap.Total},
		{"Percent", snap.Percent},
		{"Processing Active", snap.IsProcessing},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}
