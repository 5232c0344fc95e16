package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

var ErrWriterClosed = errors.New("batch writer is closed")

// BatchSummary describes a finalized batch file.
type BatchSummary struct {
	Path  string
	Games int
	Rows  int
	// Sources counts rows by TrainingRow.Source.
	Sources map[string]int
	// Digests lists the model digests seen, in the order they first appeared.
	Digests []string
}

// BatchWriter collects the rows of finished games into one parquet batch.
// The file is created under outDir/tmp on the first game and moved into
// outDir by Finalize, so readers only ever see complete batches.
type BatchWriter struct {
	outDir string
	file   *os.File
	writer *parquet.GenericWriter[TrainingRow]
	closed bool

	seen map[string]struct{}
	sum  BatchSummary
}

func NewBatchWriter(outDir string) (*BatchWriter, error) {
	if outDir == "" {
		return nil, errors.New("batch writer: output dir is required")
	}
	abs, err := filepath.Abs(outDir)
	if err != nil {
		return nil, fmt.Errorf("batch writer: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	return &BatchWriter{
		outDir: abs,
		seen:   make(map[string]struct{}),
		sum:    BatchSummary{Sources: make(map[string]int)},
	}, nil
}

// Games is the number of games written since the writer was opened.
func (b *BatchWriter) Games() int { return b.sum.Games }

func (b *BatchWriter) Rows() int { return b.sum.Rows }

// WriteGame appends the rows of one finished game. Every row must belong to
// the same game and carry a full 64-square policy, and a game may appear
// only once per batch. An empty game is ignored.
func (b *BatchWriter) WriteGame(rows []TrainingRow) error {
	if b.closed {
		return ErrWriterClosed
	}
	if len(rows) == 0 {
		return nil
	}
	id := rows[0].GameID
	for i, r := range rows {
		if r.GameID != id {
			return fmt.Errorf("game %s: row %d belongs to game %s", id, i, r.GameID)
		}
		if len(r.Policy) != 64 {
			return fmt.Errorf("game %s: row %d has %d policy entries", id, i, len(r.Policy))
		}
	}
	if _, dup := b.seen[id]; dup {
		return fmt.Errorf("game %s already in batch", id)
	}

	if b.writer == nil {
		if err := b.open(); err != nil {
			return err
		}
	}
	if _, err := b.writer.Write(rows); err != nil {
		return fmt.Errorf("write game %s: %w", id, err)
	}

	b.seen[id] = struct{}{}
	b.sum.Games++
	b.sum.Rows += len(rows)
	for _, r := range rows {
		b.sum.Sources[r.Source]++
	}
	if d := rows[0].ModelDigest; !slices.Contains(b.sum.Digests, d) {
		b.sum.Digests = append(b.sum.Digests, d)
	}
	return nil
}

func (b *BatchWriter) open() error {
	f, err := os.CreateTemp(filepath.Join(b.outDir, "tmp"), "batch-*.parquet")
	if err != nil {
		return fmt.Errorf("open tmp parquet: %w", err)
	}
	b.file = f
	b.writer = parquet.NewGenericWriter[TrainingRow](
		f,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("policy"),
		parquet.KeyValueMetadata("schema", trainingSchema),
	)
	return nil
}

// Finalize closes the batch and moves it into outDir. A writer that never
// received a game returns an empty summary and leaves no file behind.
// Further writes fail with ErrWriterClosed.
func (b *BatchWriter) Finalize() (BatchSummary, error) {
	if b.closed {
		return BatchSummary{}, nil
	}
	b.closed = true
	if b.writer == nil {
		return BatchSummary{}, nil
	}

	tmp := b.file.Name()
	err := b.writer.Close()
	if err == nil {
		err = b.file.Sync()
	}
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	b.writer, b.file = nil, nil
	if err != nil {
		_ = os.Remove(tmp)
		return BatchSummary{}, fmt.Errorf("close batch: %w", err)
	}

	path := filepath.Join(b.outDir, batchName())
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return BatchSummary{}, fmt.Errorf("rename batch: %w", err)
	}
	b.sum.Path = path
	return b.sum, nil
}
