package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// DebugTurnRow captures the root statistics of one search for replay in
// external tools. Slices are indexed by square.
type DebugTurnRow struct {
	GameID   string    `parquet:"game_id,dict" json:"game_id"`
	Turn     int32     `parquet:"turn" json:"turn"`
	Black    uint64    `parquet:"black" json:"black"`
	White    uint64    `parquet:"white" json:"white"`
	Next     string    `parquet:"next,dict" json:"next"`
	Move     string    `parquet:"move" json:"move"`
	Prior    []float32 `parquet:"prior" json:"prior"`
	Visits   []float32 `parquet:"visits" json:"visits"`
	Q        []float32 `parquet:"q" json:"q"`
	Policy   []float32 `parquet:"policy" json:"policy"`
	Value    float32   `parquet:"value" json:"value"`
	Sims     int32     `parquet:"sims" json:"sims"`
	CPuct    float32   `parquet:"cpuct" json:"cpuct"`
	Resigned bool      `parquet:"resigned" json:"resigned"`
}

func WriteDebugGameParquet(outDir string, gameID string, rows []DebugTurnRow) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	name := fmt.Sprintf("debug_%s_%d.parquet", gameID, time.Now().UnixNano())
	finalPath := filepath.Join(outDir, name)
	tmpPath := finalPath + ".tmp"
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", "reversi_debug_game_v1"),
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
