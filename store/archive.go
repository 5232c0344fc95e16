package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

var archiveSeq atomic.Uint64

// WriteGGFArchive writes one GGF record per line into a zstd-compressed file
// under dir and returns its path.
func WriteGGFArchive(dir string, records []string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create ggf dir: %w", err)
	}
	name := fmt.Sprintf("ggf_%s_%04d.ggf.zst", time.Now().Format("20060102-150405.000000"), archiveSeq.Add(1)%10000)
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create ggf archive: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	for _, rec := range records {
		if _, err := enc.Write([]byte(rec + "\n")); err != nil {
			enc.Close()
			f.Close()
			_ = os.Remove(tmpPath)
			return "", fmt.Errorf("write ggf archive: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("flush ggf archive: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename ggf archive: %w", err)
	}
	return finalPath, nil
}

// ReadGGFArchive returns the non-empty lines of an archive.
func ReadGGFArchive(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []string
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ggf archive %s: %w", path, err)
	}
	return out, nil
}
