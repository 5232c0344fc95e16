// archive2train converts GGF game archives into training parquet batches.
// Every move of a game becomes one record whose policy is the move played
// and whose value is the game result for the mover.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/brensch/reversi/executor/mcts"
	"github.com/brensch/reversi/executor/selfplay"
	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/logx"
	"github.com/brensch/reversi/rules"
	"github.com/brensch/reversi/store"
	"github.com/google/uuid"
)

var errNoResult = errors.New("game has no result")

func main() {
	inDir := flag.String("in-dir", "", "Directory containing .ggf or .ggf.zst archives")
	outDir := flag.String("out-dir", "", "Output directory for training parquet batches")
	gamesPerFile := flag.Int("games-per-file", 1000, "Games per output batch")
	augment := flag.Bool("augment", true, "Write all 8 board symmetries of every position")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logx.NewLogger(*level)
	if *inDir == "" || *outDir == "" {
		fmt.Fprintln(os.Stderr, "-in-dir and -out-dir are required")
		os.Exit(2)
	}
	absIn, _ := filepath.Abs(*inDir)
	absOut, _ := filepath.Abs(*outDir)
	if absIn == absOut {
		fmt.Fprintln(os.Stderr, "out-dir must be different from in-dir")
		os.Exit(2)
	}

	inputs := make([]string, 0, 1024)
	_ = filepath.WalkDir(absIn, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if strings.HasSuffix(name, ".ggf") || strings.HasSuffix(name, ".ggf.zst") {
			inputs = append(inputs, path)
		}
		return nil
	})
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "no ggf inputs found")
		os.Exit(1)
	}

	var (
		bw      *store.BatchWriter
		skipped int
		written int
	)
	flush := func() {
		if bw == nil {
			return
		}
		sum, err := bw.Finalize()
		bw = nil
		if err != nil {
			logger.Error().Err(err).Msg("parquet flush failed")
			return
		}
		if sum.Path != "" {
			logger.Info().Str("path", sum.Path).Int("games", sum.Games).Int("rows", sum.Rows).Msg("parquet flush ok")
		}
	}

	for _, in := range inputs {
		records, err := readRecords(in)
		if err != nil {
			logger.Warn().Err(err).Str("path", in).Msg("unreadable archive")
			continue
		}
		for i, text := range records {
			rows, err := ConvertGame(text, *augment)
			if err != nil {
				logger.Debug().Err(err).Str("path", in).Int("record", i).Msg("skipping game")
				skipped++
				continue
			}
			if bw == nil {
				if bw, err = store.NewBatchWriter(absOut); err != nil {
					logger.Fatal().Err(err).Msg("open batch writer")
				}
			}
			if err := bw.WriteGame(rows); err != nil {
				logger.Fatal().Err(err).Msg("write game")
			}
			written++
			if bw.Games() >= *gamesPerFile {
				flush()
			}
		}
	}
	flush()

	logger.Info().Int("games", written).Int("skipped", skipped).Int("archives", len(inputs)).Msg("conversion finished")
	if written == 0 {
		os.Exit(1)
	}
}

func readRecords(path string) ([]string, error) {
	if strings.HasSuffix(strings.ToLower(path), ".zst") {
		return store.ReadGGFArchive(path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// ConvertGame replays one GGF record and returns its training rows. Games
// that stop before the end need an RE property to be labelled.
func ConvertGame(text string, augment bool) ([]store.TrainingRow, error) {
	rec, err := store.ParseGGF(text)
	if err != nil {
		return nil, err
	}
	black, white, actions, err := store.GGFActions(rec)
	if err != nil {
		return nil, err
	}
	next := game.Black
	if rec.BoardColor == "O" {
		next = game.White
	}
	state := rules.Settle(rules.FromBoards(black, white, next))

	type move struct {
		mover  game.Color
		record mcts.MoveRecord
	}
	moves := make([]move, 0, len(actions))
	for i, a := range actions {
		if a == game.NoMove {
			continue
		}
		if state.Done {
			break
		}
		color := game.Black
		if rec.Moves[i].Color == "W" {
			color = game.White
		}
		own, enemy := state.OwnEnemy()
		if color != state.Next || game.Flips(a, own, enemy) == 0 {
			return nil, fmt.Errorf("%w: illegal move %s at turn %d", store.ErrMalformedGGF, rec.Moves[i].Move, state.Turn)
		}
		r := mcts.MoveRecord{Own: own, Enemy: enemy}
		r.Policy[a] = 1
		moves = append(moves, move{mover: color, record: r})
		state, _ = rules.ApplyMove(state, a)
	}

	blackZ, err := blackResult(rec.Result, state)
	if err != nil {
		return nil, err
	}
	records := make([]mcts.MoveRecord, len(moves))
	for i, m := range moves {
		records[i] = m.record
		records[i].Z = blackZ
		if m.mover == game.White {
			records[i].Z = -blackZ
		}
	}
	return selfplay.BuildRows(uuid.NewString(), "ggf", rec.Place, records, augment), nil
}

// blackResult reads the result from RE when present, otherwise from the
// replayed final position.
func blackResult(re string, final game.State) (float32, error) {
	switch {
	case strings.HasPrefix(re, "+"):
		return 1, nil
	case strings.HasPrefix(re, "-"):
		return -1, nil
	case re == "0" || strings.HasPrefix(re, "0."):
		return 0, nil
	case final.Done:
		return rules.Result(final), nil
	}
	return 0, errNoResult
}
