package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

const trainingSchema = "reversi_training_row_v1"

// TrainingRow is a single training sample.
//
// Own and Enemy are the bitboards of the side to move and its opponent, after
// the symmetry transform named by Symmetry has been applied. Policy is the
// 64-entry search policy in the same frame. Value is the game outcome for the
// side to move: 1 win, -1 loss, 0 draw.
type TrainingRow struct {
	GameID      string    `parquet:"game_id,dict"`
	Turn        int32     `parquet:"turn"`
	Own         uint64    `parquet:"own"`
	Enemy       uint64    `parquet:"enemy"`
	Symmetry    int32     `parquet:"symmetry"`
	Policy      []float32 `parquet:"policy"`
	Value       float32   `parquet:"value"`
	Source      string    `parquet:"source,dict"`
	ModelDigest string    `parquet:"model_digest,dict"`
}

// WriteBatchParquetAtomic writes a Parquet file into outDir/tmp and then
// atomically moves it into outDir, so readers never observe partial files.
func WriteBatchParquetAtomic(outDir string, rows []TrainingRow) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	tmpDir := filepath.Join(outDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	name := batchName()
	finalPath := filepath.Join(outDir, name)
	tmpPath := filepath.Join(tmpDir, name+".tmp")
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", trainingSchema),
	); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename parquet: %w", err)
	}

	return finalPath, nil
}

func ReadRows(path string) ([]TrainingRow, error) {
	rows, err := parquet.ReadFile[TrainingRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}

// CountRows returns the number of rows in a parquet file from its footer.
func CountRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return pf.NumRows(), nil
}

// batchName sorts by creation time.
func batchName() string {
	return fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
}
