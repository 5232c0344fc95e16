package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brensch/reversi/game"
)

func sampleRows(gameID string, n int) []TrainingRow {
	rows := make([]TrainingRow, n)
	for i := range rows {
		policy := make([]float32, 64)
		policy[i%64] = 1
		rows[i] = TrainingRow{
			GameID:      gameID,
			Turn:        int32(i),
			Own:         game.InitialBlack,
			Enemy:       game.InitialWhite | 1<<63,
			Symmetry:    int32(i % game.NumSymmetries),
			Policy:      policy,
			Value:       -1,
			Source:      "selfplay",
			ModelDigest: "abc",
		}
	}
	return rows
}

func TestWriteBatchParquetAtomic(t *testing.T) {
	dir := t.TempDir()
	want := sampleRows("g1", 10)
	path, err := WriteBatchParquetAtomic(dir, want)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadRows(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d rows want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Own != want[i].Own || got[i].Enemy != want[i].Enemy || got[i].Turn != want[i].Turn ||
			got[i].Policy[i%64] != 1 || got[i].ModelDigest != "abc" {
			t.Fatalf("row %d: got %+v", i, got[i])
		}
	}
	if n, err := CountRows(path); err != nil || n != 10 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	if leftovers, _ := filepath.Glob(filepath.Join(dir, "tmp", "*")); len(leftovers) != 0 {
		t.Fatalf("tmp files left behind: %v", leftovers)
	}
}

func TestBatchWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBatchWriter(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.WriteGame(sampleRows("a", 3)); err != nil {
		t.Fatalf("write a: %v", err)
	}
	b := sampleRows("b", 4)
	for i := range b {
		b[i].Source, b[i].ModelDigest = "ggf", ""
	}
	if err := w.WriteGame(b); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if w.Games() != 2 || w.Rows() != 7 {
		t.Fatalf("buffered games=%d rows=%d", w.Games(), w.Rows())
	}
	if leftovers, _ := filepath.Glob(filepath.Join(dir, "*.parquet")); len(leftovers) != 0 {
		t.Fatalf("batch visible before finalize: %v", leftovers)
	}

	sum, err := w.Finalize()
	if err != nil || sum.Rows != 7 || sum.Games != 2 {
		t.Fatalf("finalize=%+v err=%v", sum, err)
	}
	if sum.Sources["selfplay"] != 3 || sum.Sources["ggf"] != 4 {
		t.Fatalf("sources=%v", sum.Sources)
	}
	if len(sum.Digests) != 2 || sum.Digests[0] != "abc" || sum.Digests[1] != "" {
		t.Fatalf("digests=%q", sum.Digests)
	}
	if filepath.Dir(sum.Path) != dir {
		t.Fatalf("batch written to %s", sum.Path)
	}
	if n, _ := CountRows(sum.Path); n != 7 {
		t.Fatalf("count=%d", n)
	}
	if leftovers, _ := filepath.Glob(filepath.Join(dir, "tmp", "*")); len(leftovers) != 0 {
		t.Fatalf("tmp files left behind: %v", leftovers)
	}
	if err := w.WriteGame(sampleRows("c", 1)); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("write after finalize: %v", err)
	}
}

func TestBatchWriterRejectsBadGames(t *testing.T) {
	w, err := NewBatchWriter(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	mixed := append(sampleRows("a", 2), sampleRows("b", 1)...)
	if err := w.WriteGame(mixed); err == nil {
		t.Fatalf("rows from two games accepted")
	}
	short := sampleRows("c", 1)
	short[0].Policy = short[0].Policy[:10]
	if err := w.WriteGame(short); err == nil {
		t.Fatalf("short policy accepted")
	}
	if err := w.WriteGame(sampleRows("d", 2)); err != nil {
		t.Fatalf("write d: %v", err)
	}
	if err := w.WriteGame(sampleRows("d", 2)); err == nil {
		t.Fatalf("duplicate game accepted")
	}
	if w.Games() != 1 || w.Rows() != 2 {
		t.Fatalf("games=%d rows=%d", w.Games(), w.Rows())
	}
}

func TestBatchWriterEmpty(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBatchWriter(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.WriteGame(nil); err != nil {
		t.Fatalf("write empty game: %v", err)
	}
	sum, err := w.Finalize()
	if err != nil || sum.Path != "" || sum.Rows != 0 || sum.Games != 0 {
		t.Fatalf("finalize=%+v err=%v", sum, err)
	}
	if files, _ := filepath.Glob(filepath.Join(dir, "tmp", "*")); len(files) != 0 {
		t.Fatalf("empty batch left %v", files)
	}
}

func TestMakeGGF(t *testing.T) {
	date := time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)
	s := MakeGGF("RAZ", "RAZ", date, []string{"F5/1.5/120", "PA", "D3/-2/40"}, "")
	want := "(;GM[Othello]PC[RAZSelf]DT[2024.03.01_12:30:05.UTC]PB[RAZ]PW[RAZ]RE[?]TI[1:0]TY[8]" +
		"BO[8 ---------------------------O*------*O--------------------------- *]" +
		"B[F5/1.5/120]W[PA]B[D3/-2/40];)"
	if s != want {
		t.Fatalf("MakeGGF=\n%s\nwant\n%s", s, want)
	}

	rec, err := ParseGGF(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rec.Moves) != 3 || rec.Moves[1] != (GGFMove{Color: "W", Move: "PA"}) {
		t.Fatalf("moves=%+v", rec.Moves)
	}
	if !rec.Date.Equal(date) || rec.ThinkTime != time.Minute || rec.BlackName != "RAZ" {
		t.Fatalf("header=%+v", rec)
	}
	black, white, err := BoardBits(rec.Board)
	if err != nil || black != game.InitialBlack || white != game.InitialWhite {
		t.Fatalf("board=(%#x,%#x) err=%v", black, white, err)
	}
}

func TestParseGGFExternalRecord(t *testing.T) {
	const rec = "(;GM[Othello]PC[NBoard]DT[2014-02-21 20:52:27 GMT]PB[./mEdax]PW[chris]RE[?]TI[15:00]TY[8]" +
		"BO[8 --*O-----------------------O*------*O--------------------------- *]" +
		"B[F5]W[F6]B[D3]W[C5]B[E6]W[F7]B[E7]W[F4];)"
	got, err := ParseGGF(rec)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.BoardColor != "*" || len(got.Board) != 64 || len(got.Moves) != 8 {
		t.Fatalf("record=%+v", got)
	}
	if got.Moves[0] != (GGFMove{"B", "F5"}) || got.Moves[1] != (GGFMove{"W", "F6"}) {
		t.Fatalf("moves=%+v", got.Moves[:2])
	}
	black, white, _ := BoardBits(got.Board)
	if black != game.InitialBlack|1<<2 || white != game.InitialWhite|1<<3 {
		t.Fatalf("board=(%#x,%#x)", black, white)
	}
	if got.ThinkTime != 15*time.Minute {
		t.Fatalf("think time=%v", got.ThinkTime)
	}
}

func TestGGFActions(t *testing.T) {
	rec, err := ParseGGF(MakeGGF("", "", time.Now(), []string{"F5/1.5/120", "PA", "D3"}, ""))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	black, white, actions, err := GGFActions(rec)
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if black != game.InitialBlack || white != game.InitialWhite {
		t.Fatalf("board=(%#x,%#x)", black, white)
	}
	want := []int{44, game.NoMove, 26}
	if len(actions) != 3 || actions[0] != want[0] || actions[1] != want[1] || actions[2] != want[2] {
		t.Fatalf("actions=%v want %v", actions, want)
	}

	rec.Moves = append(rec.Moves, GGFMove{"W", "Z9"})
	if _, _, _, err := GGFActions(rec); !errors.Is(err, ErrMalformedGGF) {
		t.Fatalf("err=%v want ErrMalformedGGF", err)
	}
}

func TestParseGGFWithoutBoard(t *testing.T) {
	if _, err := ParseGGF("(;GM[Othello]B[F5];)"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestGGFArchive(t *testing.T) {
	dir := t.TempDir()
	records := []string{
		MakeGGF("", "", time.Now(), []string{"F5"}, ""),
		MakeGGF("", "", time.Now(), []string{"F5", "F6"}, ""),
	}
	path, err := WriteGGFArchive(dir, records)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(path, ".ggf.zst") {
		t.Fatalf("path=%s", path)
	}
	got, err := ReadGGFArchive(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0] != records[0] || got[1] != records[1] {
		t.Fatalf("archive=%q", got)
	}
}

func TestIntFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "game_idx")
	if _, ok := ReadInt(path); ok {
		t.Fatalf("missing file read as ok")
	}
	if err := WriteIntAtomic(path, 42); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteIntAtomic(path, 43); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if v, ok := ReadInt(path); !ok || v != 43 {
		t.Fatalf("read=(%d,%v)", v, ok)
	}
	if err := os.WriteFile(path, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := ReadInt(path); ok {
		t.Fatalf("garbage read as ok")
	}
}

func TestPruneBatches(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"batch_1001.parquet", "batch_1002.parquet", "batch_1003.parquet", "batch_1004.parquet", "other.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := PruneBatches(dir, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 2 || filepath.Base(removed[0]) != "batch_1001.parquet" {
		t.Fatalf("removed=%v", removed)
	}
	left, _ := ListBatches(dir)
	if len(left) != 2 || filepath.Base(left[0]) != "batch_1003.parquet" {
		t.Fatalf("left=%v", left)
	}
	if _, err := os.Stat(filepath.Join(dir, "other.txt")); err != nil {
		t.Fatalf("non-batch file removed")
	}
}

func TestWriteDebugGameParquet(t *testing.T) {
	rows := []DebugTurnRow{{GameID: "g", Turn: 0, Black: game.InitialBlack, White: game.InitialWhite, Next: "black", Move: "F5",
		Prior: make([]float32, 64), Visits: make([]float32, 64), Q: make([]float32, 64), Policy: make([]float32, 64)}}
	path, err := WriteDebugGameParquet(t.TempDir(), "g", rows)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}
