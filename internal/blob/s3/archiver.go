package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the transfer manager.
	multipartThreshold = 64 * 1024 * 1024
)

// TradeSource is the trade-history query the archiver needs.
type TradeSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
}

// TradePruner deletes archived rows.
type TradePruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver exports old trade history to archive/trades/YYYY-MM.jsonl, one
// object per calendar month of the rows' creation time. A month object
// that already exists is extended, not replaced. Rows are deleted from the
// database only when pruning is enabled and every upload succeeded.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	trades TradeSource
	pruner TradePruner // nil disables pruning
	audit  domain.AuditStore
	logger *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. pruner and audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, trades TradeSource, pruner TradePruner, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		trades: trades,
		pruner: pruner,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades exports every trade created before the cutoff and returns
// the number exported.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	months := make(map[string][]domain.TradeRecord)
	for _, t := range trades {
		key := t.CreatedAt.UTC().Format("2006-01")
		months[key] = append(months[key], t)
	}
	keys := make([]string, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var paths []string
	for _, month := range keys {
		path := archivePath("trades", month)
		if err := a.upload(ctx, path, months[month]); err != nil {
			return 0, err
		}
		paths = append(paths, path)
	}
	count := int64(len(trades))

	var pruned int64
	if a.pruner != nil {
		if pruned, err = a.pruner.DeleteBefore(ctx, before); err != nil {
			return count, fmt.Errorf("s3blob: prune archived trades: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "archive: trades exported",
		slog.Int64("count", count),
		slog.Int64("pruned", pruned),
		slog.Any("paths", paths),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.trades", map[string]any{
			"paths":  paths,
			"count":  count,
			"pruned": pruned,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive trades audit log: %w", err)
		}
	}
	return count, nil
}

// upload appends records to the JSONL object at path. Rows already present
// (same row id) are not written twice, so a rerun after a failed prune is
// harmless.
func (a *Archiver) upload(ctx context.Context, path string, records []domain.TradeRecord) error {
	existing, err := a.existing(ctx, path)
	if err != nil {
		return err
	}
	seen, err := rowIDs(existing)
	if err != nil {
		return fmt.Errorf("s3blob: parse existing %s: %w", path, err)
	}
	fresh := records[:0:0]
	for _, r := range records {
		if !seen[r.ID] {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	buf, err := marshalJSONL(fresh)
	if err != nil {
		return fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}
	body := append(existing, buf...)
	if len(body) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(body), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(body), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive trades upload: %w", err)
	}
	return nil
}

func (a *Archiver) existing(ctx context.Context, path string) ([]byte, error) {
	if a.reader == nil {
		return nil, nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil || !ok {
		return nil, err
	}
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	return data, nil
}

// Run archives rows older than retention every interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			if _, err := a.ArchiveTrades(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "archive: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

func archivePath(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func rowIDs(jsonl []byte) (map[int64]bool, error) {
	seen := make(map[int64]bool)
	dec := json.NewDecoder(bytes.NewReader(jsonl))
	for dec.More() {
		var row struct {
			ID int64 `json:"row_id"`
		}
		if err := dec.Decode(&row); err != nil {
			return nil, err
		}
		seen[row.ID] = true
	}
	return seen, nil
}
