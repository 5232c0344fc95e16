package selfplay

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/brensch/reversi/executor/mcts"
	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/rules"
	"github.com/brensch/reversi/store"
	"github.com/google/uuid"
)

// DebugGameResult holds a game played with full root statistics captured.
type DebugGameResult struct {
	GameID    string
	Turns     []store.DebugTurnRow
	Final     game.State
	TurnCount int
}

// DebugProgress is passed to the progress callback after each move.
type DebugProgress struct {
	Turn  int
	Mover game.Color
	Move  string
	Q     float32
	N     float32
}

// PlayDebugGame plays one game with resignation off and records the root
// statistics of every search. onProgress may be nil.
func PlayDebugGame(ctx context.Context, cfg mcts.Config, predictor mcts.Predictor, onProgress func(DebugProgress)) (*DebugGameResult, error) {
	table := mcts.NewTable()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	player := mcts.NewPlayer(cfg, predictor, mcts.WithTable(table), mcts.WithRand(rng), mcts.WithResign(false))

	result := &DebugGameResult{
		GameID: uuid.NewString(),
		Turns:  make([]store.DebugTurnRow, 0, 64),
	}
	state := rules.Reset()
	for !state.Done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := player.Action(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", state.Turn, err)
		}
		stats, _ := table.Get(state.Key())
		result.Turns = append(result.Turns, debugRow(result.GameID, state, d, stats, cfg))

		if onProgress != nil {
			onProgress(DebugProgress{Turn: state.Turn, Mover: state.Next, Move: game.ActionToMove(d.Action), Q: d.Q, N: d.N})
		}
		state, _ = rules.ApplyMove(state, d.Action)
	}
	result.Final = state
	result.TurnCount = state.Turn
	return result, nil
}

func debugRow(gameID string, s game.State, d mcts.Decision, stats mcts.NodeStats, cfg mcts.Config) store.DebugTurnRow {
	sign := float32(1)
	if s.Next == game.White {
		sign = -1
	}
	q := make([]float32, 64)
	for a := range q {
		q[a] = sign * stats.Q(a)
	}
	return store.DebugTurnRow{
		GameID:   gameID,
		Turn:     int32(s.Turn),
		Black:    s.Black,
		White:    s.White,
		Next:     s.Next.String(),
		Move:     game.ActionToMove(d.Action),
		Prior:    append([]float32(nil), stats.P[:]...),
		Visits:   append([]float32(nil), stats.N[:]...),
		Q:        q,
		Policy:   append([]float32(nil), d.Policy[:]...),
		Value:    d.Value,
		Sims:     int32(cfg.SimulationsPerMove),
		CPuct:    cfg.CPuct,
		Resigned: d.Resigned,
	}
}
