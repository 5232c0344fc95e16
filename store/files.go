package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// WriteIntAtomic replaces path with the decimal value v.
func WriteIntAtomic(path string, v int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(v)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ReadInt reads a decimal integer file. ok is false when the file is missing
// or does not hold an integer.
func ReadInt(path string) (v int, ok bool) {
	if path == "" {
		return 0, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err = strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return v, true
}

// ListBatches returns the parquet batches in dir, oldest first.
func ListBatches(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "batch_*.parquet"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// PruneBatches removes the oldest batches so that at most keep remain.
func PruneBatches(dir string, keep int) (removed []string, err error) {
	files, err := ListBatches(dir)
	if err != nil {
		return nil, err
	}
	if keep < 0 || len(files) <= keep {
		return nil, nil
	}
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove %s: %w", f, err)
		}
		removed = append(removed, f)
	}
	return removed, nil
}
