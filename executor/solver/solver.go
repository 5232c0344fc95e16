// Package solver computes endgame results by searching the full remaining
// game tree. Scores are stone differences.
package solver

import (
	"errors"
	"math/bits"
	"time"

	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/rules"
)

// ErrTimeout means the search ran past its deadline. Nothing found during
// the aborted search is cached.
var ErrTimeout = errors.New("solver timeout")

// DefaultMaxCacheEntries bounds the memo table of a Solver created by New.
const DefaultMaxCacheEntries = 4_000_000

const deadlineCheckMask = 1023

// Solution is a best move and the final stone difference it leads to, from
// the mover's perspective. Action is game.NoMove for finished positions.
type Solution struct {
	Action int
	Score  int
}

type Stats struct {
	Nodes     int64
	CacheSize int
}

// Solver memoizes results across calls. It is not safe for concurrent use.
type Solver struct {
	MaxCacheEntries int

	cache     map[game.NodeKey]Solution
	lastExact bool
	deadline  time.Time
	nodes     int64
}

func New() *Solver {
	return &Solver{
		MaxCacheEntries: DefaultMaxCacheEntries,
		cache:           make(map[game.NodeKey]Solution),
	}
}

func (s *Solver) Stats() Stats {
	return Stats{Nodes: s.nodes, CacheSize: len(s.cache)}
}

// Solve searches the position for the side next to move.
//
// With exact set every child is explored and the true minimax result is
// returned. Otherwise the search stops at the first child that already wins
// for the mover, which is enough to know the sign of the result but not its
// size. Entries cached in that mode are dropped before the next exact solve.
func (s *Solver) Solve(black, white uint64, next game.Color, timeout time.Duration, exact bool) (Solution, error) {
	if s.cache == nil {
		s.cache = make(map[game.NodeKey]Solution)
	}
	if exact && !s.lastExact {
		clear(s.cache)
	}
	s.lastExact = exact
	s.deadline = time.Now().Add(timeout)
	s.nodes = 0

	st := rules.Settle(rules.FromBoards(black, white, next))
	sol, err := s.search(st, exact)
	if err != nil {
		return Solution{Action: game.NoMove}, err
	}
	if st.Next != next && !st.Done {
		// The requested mover had to pass; it has no move of its own.
		sol.Action = game.NoMove
	}
	if next == game.White {
		sol.Score = -sol.Score
	}
	return sol, nil
}

// search returns the best action for st.Next and the final black-white difference.
func (s *Solver) search(st game.State, exact bool) (Solution, error) {
	if st.Done {
		b, w := st.Counts()
		return Solution{Action: game.NoMove, Score: b - w}, nil
	}
	s.nodes++
	if s.nodes&deadlineCheckMask == 0 && time.Now().After(s.deadline) {
		return Solution{}, ErrTimeout
	}

	key := st.Key()
	if sol, ok := s.cache[key]; ok {
		return sol, nil
	}

	best := Solution{Action: game.NoMove}
	first := true
	for moves := st.LegalMoves(); moves != 0; moves &= moves - 1 {
		action := trailingSquare(moves)
		child, _ := rules.ApplyMove(st, action)
		sub, err := s.search(child, exact)
		if err != nil {
			return Solution{}, err
		}
		if first || better(st.Next, sub.Score, best.Score) {
			best = Solution{Action: action, Score: sub.Score}
			first = false
		}
		if !exact && wins(st.Next, sub.Score) {
			break
		}
	}

	if s.MaxCacheEntries > 0 && len(s.cache) >= s.MaxCacheEntries {
		clear(s.cache)
	}
	s.cache[key] = best
	return best, nil
}

func better(mover game.Color, score, best int) bool {
	if mover == game.Black {
		return score > best
	}
	return score < best
}

func wins(mover game.Color, score int) bool {
	if mover == game.Black {
		return score > 0
	}
	return score < 0
}

func trailingSquare(x uint64) int {
	return bits.TrailingZeros64(x)
}
