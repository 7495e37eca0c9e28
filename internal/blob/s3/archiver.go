package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hallgrove/marketd/internal/domain"
)

// Archiver exports sale history rows older than a retention cutoff to JSONL
// objects in S3 and prunes them from the primary store. The delete runs only
// after the upload succeeded, so a failed export never loses rows; a crash
// between upload and delete re-exports the same batch, which overwrites the
// same object key.
type Archiver struct {
	writer  *Writer
	history domain.HistoryStore
	logger  *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer *Writer, history domain.HistoryStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		history: history,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveHistory exports and prunes all sales recorded strictly before the
// cutoff. It returns the number of rows archived.
func (a *Archiver) ArchiveHistory(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.history.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history marshal: %w", err)
	}

	path := archivePath("history", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive history upload: %w", err)
	}

	deleted, err := a.history.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(recs)), fmt.Errorf("s3blob: archive history prune: %w", err)
	}

	a.logger.InfoContext(ctx, "history archived",
		slog.String("path", path),
		slog.Int("exported", len(recs)),
		slog.Int64("pruned", deleted),
	)
	return int64(len(recs)), nil
}

// RunRetention runs ArchiveHistory once a day with the given retention
// window until the context is cancelled.
func (a *Archiver) RunRetention(ctx context.Context, retention time.Duration) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if _, err := a.ArchiveHistory(ctx, time.Now().Add(-retention)); err != nil {
			a.logger.ErrorContext(ctx, "retention pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// marshalJSONL serializes records as newline-delimited JSON.
func marshalJSONL(recs []domain.SaleRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath builds the object key for a monthly archive batch.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}
