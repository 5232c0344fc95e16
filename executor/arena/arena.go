// Package arena plays evaluation matches between two models.
package arena

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/brensch/reversi/config"
	"github.com/brensch/reversi/executor/mcts"
	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/rules"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Result counts games from the candidate's side.
type Result struct {
	Wins   int
	Losses int
	Draws  int
	// Stopped is set when the match ended early because the candidate could
	// no longer reach the replace rate.
	Stopped bool
}

func (r Result) Games() int { return r.Wins + r.Losses + r.Draws }

// WinRate counts a draw as half a win.
func (r Result) WinRate() float64 {
	if r.Games() == 0 {
		return 0
	}
	return (float64(r.Wins) + 0.5*float64(r.Draws)) / float64(r.Games())
}

// Play runs games between best and candidate, alternating colours with the
// candidate taking Black in even games. Search uses cfg.EvalMCTS(). The
// match stops early once cfg.Eval.ReplaceRate is out of reach.
func Play(ctx context.Context, cfg config.Config, best, candidate mcts.Predictor, games int, logger zerolog.Logger) (Result, error) {
	mcfg := cfg.EvalMCTS()
	return runMatch(ctx, cfg.Eval.Workers, games, cfg.Eval.ReplaceRate, logger,
		func(ctx context.Context, candidateColor game.Color, rng *rand.Rand) (float32, error) {
			return playGame(ctx, mcfg, best, candidate, candidateColor, rng)
		})
}

// gameFunc plays one game and returns the result for the candidate.
type gameFunc func(ctx context.Context, candidateColor game.Color, rng *rand.Rand) (float32, error)

// lossLimit is the loss count at which a candidate can no longer reach rate
// over games. A rate of zero never stops a match.
func lossLimit(games int, rate float64) int {
	if rate <= 0 {
		return games + 1
	}
	// games*(1-rate) lands just below an integer for rates such as 0.55.
	return int(math.Floor(float64(games)*(1-rate)+1e-9)) + 1
}

func runMatch(ctx context.Context, workers, games int, rate float64, logger zerolog.Logger, play gameFunc) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxLosses := lossLimit(games, rate)

	var (
		mu  sync.Mutex
		res Result
	)
	next := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(next)
		for i := 0; i < games; i++ {
			select {
			case next <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < max(workers, 1); w++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
		g.Go(func() error {
			for i := range next {
				candidateColor := game.Black
				if i%2 == 1 {
					candidateColor = game.White
				}
				z, err := play(gctx, candidateColor, rng)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("game %d: %w", i, err)
				}

				mu.Lock()
				switch {
				case z > 0:
					res.Wins++
				case z < 0:
					res.Losses++
				default:
					res.Draws++
				}
				snapshot := res
				if res.Losses >= maxLosses && !res.Stopped {
					res.Stopped = true
					cancel()
				}
				mu.Unlock()

				logger.Debug().Int("game", i).Str("candidate", candidateColor.String()).Float32("z", z).
					Int("wins", snapshot.Wins).Int("losses", snapshot.Losses).Int("draws", snapshot.Draws).Msg("arena game finished")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if !res.Stopped {
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// playGame returns the result for the candidate: 1, -1 or 0.
func playGame(ctx context.Context, cfg mcts.Config, best, candidate mcts.Predictor, candidateColor game.Color, rng *rand.Rand) (float32, error) {
	players := map[game.Color]*mcts.Player{
		candidateColor: mcts.NewPlayer(cfg, candidate, mcts.WithRand(rand.New(rand.NewSource(rng.Int63()))), mcts.WithResign(true)),
		candidateColor.Opponent(): mcts.NewPlayer(cfg, best, mcts.WithRand(rand.New(rand.NewSource(rng.Int63()))), mcts.WithResign(true)),
	}
	state := rules.Reset()
	for !state.Done {
		d, err := players[state.Next].Action(ctx, state)
		if err != nil {
			return 0, err
		}
		state, _ = rules.ApplyMove(state, d.Action)
	}
	return rules.MoverResult(state, candidateColor), nil
}
