package selfplay

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/brensch/reversi/config"
	"github.com/brensch/reversi/executor/mcts"
	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/rules"
	"github.com/brensch/reversi/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GameResult summarises a finished game for the writer and the TUI. Rows is
// empty when the game was dropped.
type GameResult struct {
	GameID          string
	GameIdx         int
	Winner          game.Winner
	Turns           int
	Black           int
	White           int
	Resigned        bool
	ResignEnabled   bool
	FalsePositive   bool
	ResignThreshold float32
	Sims            int
	Duration        time.Duration
	Rows            []store.TrainingRow
}

// Game is one finished self-play game before it is written anywhere.
type Game struct {
	ID            string
	Final         game.State
	Outcome       rules.Outcome
	BlackMoves    []mcts.MoveRecord
	WhiteMoves    []mcts.MoveRecord
	History       MoveHistory
	FalsePositive bool
}

// Worker plays games one after another against itself.
type Worker struct {
	id        int
	cfg       config.Config
	predictor mcts.Predictor
	counter   *GameCounter
	resign    *ResignController
	table     *mcts.Table
	rng       *rand.Rand
	log       zerolog.Logger

	digest func() string
	onMove func()
	trace  bool

	localIdx  int
	ggfBuffer []string
}

type WorkerOptions struct {
	Digest func() string
	OnMove func()
	Trace  bool
}

func NewWorker(id int, cfg config.Config, predictor mcts.Predictor, counter *GameCounter, logger zerolog.Logger, opts WorkerOptions) *Worker {
	if opts.Digest == nil {
		opts.Digest = func() string { return "" }
	}
	if opts.OnMove == nil {
		opts.OnMove = func() {}
	}
	return &Worker{
		id:        id,
		cfg:       cfg,
		predictor: predictor,
		counter:   counter,
		resign:    NewResignController(cfg.Play.ResignThreshold, cfg.Play.FalsePositiveThreshold, cfg.Play.ResignThresholdDelta),
		table:     mcts.NewTable(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*1000003)),
		log:       logger.With().Int("worker", id).Logger(),
		digest:    opts.Digest,
		onMove:    opts.OnMove,
		trace:     opts.Trace,
	}
}

// Run plays games until ctx is done, sending each finished game to results.
// A search error abandons the game in progress and is returned.
func (w *Worker) Run(ctx context.Context, results chan<- GameResult) error {
	defer w.flushGGF()
	for ctx.Err() == nil {
		res, err := w.playOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case results <- res:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (w *Worker) playOne(ctx context.Context) (GameResult, error) {
	start := time.Now()
	sims := SimulationsFor(w.counter.Value(), w.cfg.Play.SimulationSchedule, w.cfg.Resource.ForceSimulationNumFile, w.cfg.Play.SimulationsPerMove)
	enableResign := w.cfg.Play.DisableResignationRate <= w.rng.Float64()

	table := w.table
	if !w.cfg.Play.ShareStats {
		table = mcts.NewTable()
	}
	g, err := w.PlayGame(ctx, table, sims, enableResign)
	if err != nil {
		return GameResult{}, err
	}
	w.localIdx++

	gameIdx, err := w.counter.Next()
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to persist game index")
	}

	threshold := w.resign.Threshold()
	if !enableResign {
		if old, updated, changed := w.resign.Record(g.FalsePositive); changed {
			w.log.Info().Float32("old", old).Float32("new", updated).Msg("resign threshold updated")
		}
	}

	b, wh := g.Final.Counts()
	res := GameResult{
		GameID:          g.ID,
		GameIdx:         gameIdx,
		Winner:          g.Final.Winner,
		Turns:           g.Final.Turn,
		Black:           b,
		White:           wh,
		Resigned:        g.Outcome == rules.Resigned,
		ResignEnabled:   enableResign,
		FalsePositive:   g.FalsePositive,
		Sims:            sims,
		Duration:        time.Since(start),
		ResignThreshold: threshold,
	}

	keep := g.Final.Winner != game.Draw || w.cfg.PlayData.DropDrawGameRate <= w.rng.Float64()
	if keep {
		records := append(append([]mcts.MoveRecord(nil), g.BlackMoves...), g.WhiteMoves...)
		res.Rows = BuildRows(g.ID, "selfplay", w.digest(), records, w.cfg.PlayData.AugmentSymmetries)
	}

	if w.cfg.PlayData.EnableGGF {
		w.ggfBuffer = append(w.ggfBuffer, g.History.GGF("RAZ", "RAZ", time.Now(), GGFResult(g.Final, g.Outcome)))
		if w.localIdx%max(w.cfg.PlayData.NbGameInGGFFile, 1) == 0 || w.localIdx <= 5 {
			w.flushGGF()
		}
	}

	if w.cfg.Play.ShareStats && w.cfg.Play.ResetStatsPerGame > 0 && w.localIdx%w.cfg.Play.ResetStatsPerGame == 0 {
		w.table.Reset()
	}

	w.log.Debug().
		Int("game_idx", gameIdx).
		Str("winner", res.Winner.String()).
		Int("turns", res.Turns).
		Int("black", b).
		Int("white", wh).
		Bool("resign_enabled", enableResign).
		Dur("took", res.Duration).
		Msg("game finished")
	return res, nil
}

func (w *Worker) flushGGF() {
	if len(w.ggfBuffer) == 0 {
		return
	}
	path, err := store.WriteGGFArchive(w.cfg.Resource.GGFDataDir, w.ggfBuffer)
	if err != nil {
		w.log.Error().Err(err).Msg("ggf write failed")
		return
	}
	w.log.Debug().Str("path", path).Int("games", len(w.ggfBuffer)).Msg("ggf written")
	w.ggfBuffer = w.ggfBuffer[:0]
}

// PlayGame plays one game from the opening. Both players share table.
func (w *Worker) PlayGame(ctx context.Context, table *mcts.Table, sims int, enableResign bool) (Game, error) {
	mcfg := w.cfg.MCTS()
	mcfg.SimulationsPerMove = sims
	mcfg.ResignThreshold = w.resign.Threshold()

	newPlayer := func() *mcts.Player {
		return mcts.NewPlayer(mcfg, w.predictor,
			mcts.WithTable(table),
			mcts.WithLogger(w.log),
			mcts.WithRand(rand.New(rand.NewSource(w.rng.Int63()))),
			mcts.WithResign(enableResign),
		)
	}
	players := map[game.Color]*mcts.Player{game.Black: newPlayer(), game.White: newPlayer()}

	g := Game{ID: uuid.NewString()}
	state := rules.Reset()
	outcome := rules.Moved
	for !state.Done {
		mover := state.Next
		d, err := players[mover].Action(ctx, state)
		if err != nil {
			if errors.Is(err, mcts.ErrNoLegalMoves) {
				state = rules.Settle(state)
				continue
			}
			return Game{}, err
		}
		g.History.Record(mover, d)
		state, outcome = rules.ApplyMove(state, d.Action)
		if w.trace {
			PrintBoard(w.log, state, d.Action)
		}
		w.onMove()
	}

	black, white := players[game.Black], players[game.White]
	var z float32
	switch state.Winner {
	case game.BlackWins:
		z = 1
		g.FalsePositive = black.Resigned()
	case game.WhiteWins:
		z = -1
		g.FalsePositive = white.Resigned()
	default:
		g.FalsePositive = black.Resigned() || white.Resigned()
	}
	black.FinishGame(z)
	white.FinishGame(-z)

	g.Final = state
	g.Outcome = outcome
	g.BlackMoves = black.Moves()
	g.WhiteMoves = white.Moves()
	return g, nil
}

// SimulationsFor picks the simulations per move for a game. An integer in
// forceFile wins; otherwise the last schedule step whose MinGameIdx is at
// most gameIdx applies, falling back to def.
func SimulationsFor(gameIdx int, schedule []config.SimulationStep, forceFile string, def int) int {
	if v, ok := store.ReadInt(forceFile); ok && v > 0 {
		return v
	}
	sims := def
	for _, s := range schedule {
		if gameIdx >= s.MinGameIdx {
			sims = s.Sims
		}
	}
	return sims
}
