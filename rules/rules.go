// Package rules is the Reversi state machine. ApplyMove is the only way a
// game.State advances.
package rules

import (
	"github.com/brensch/reversi/game"
	"github.com/rs/zerolog/log"
)

// Outcome describes what ApplyMove did.
type Outcome int

const (
	// Moved: the stone was placed and the opponent is to move.
	Moved Outcome = iota
	// Passed: the opponent had no legal move, the mover plays again.
	Passed
	// Finished: neither side can move; the winner is decided by stone count.
	Finished
	// Resigned: the mover gave up and the opponent wins.
	Resigned
	// IllegalMove: the move captured nothing and the mover forfeits.
	IllegalMove
)

func (o Outcome) String() string {
	switch o {
	case Moved:
		return "moved"
	case Passed:
		return "passed"
	case Finished:
		return "finished"
	case Resigned:
		return "resigned"
	case IllegalMove:
		return "illegal"
	default:
		return "unknown"
	}
}

// Reset returns the standard opening with Black to move.
func Reset() game.State {
	return game.State{
		Black: game.InitialBlack,
		White: game.InitialWhite,
		Next:  game.Black,
	}
}

// FromBoards builds an in-progress state, deriving Turn from the stone count.
func FromBoards(black, white uint64, next game.Color) game.State {
	return game.State{
		Black: black,
		White: white,
		Next:  next,
		Turn:  game.PopCount(black|white) - 4,
	}
}

// ApplyMove plays action for the side to move. game.NoMove resigns. A move
// that captures nothing is not an error: the mover loses the game.
// Terminal states are returned unchanged.
func ApplyMove(s game.State, action int) (game.State, Outcome) {
	if s.Done {
		return s, Finished
	}
	if action == game.NoMove {
		s.Done = true
		s.Winner = game.WinnerOf(s.Next.Opponent())
		return s, Resigned
	}

	own, enemy := s.OwnEnemy()
	flipped := game.Flips(action, own, enemy)
	if flipped == 0 {
		log.Warn().Int("action", action).Str("mover", s.Next.String()).Int("turn", s.Turn).Msg("illegal move, no stones flipped")
		s.Done = true
		s.Winner = game.WinnerOf(s.Next.Opponent())
		return s, IllegalMove
	}

	own ^= flipped
	own |= 1 << uint(action)
	enemy ^= flipped
	if s.Next == game.Black {
		s.Black, s.White = own, enemy
	} else {
		s.White, s.Black = own, enemy
	}
	s.Turn++

	switch {
	case game.LegalMoves(enemy, own) != 0:
		s.Next = s.Next.Opponent()
		return s, Moved
	case game.LegalMoves(own, enemy) != 0:
		return s, Passed
	default:
		s.Done = true
		s.Winner = countWinner(s)
		return s, Finished
	}
}

func countWinner(s game.State) game.Winner {
	b, w := s.Counts()
	switch {
	case b > w:
		return game.BlackWins
	case w > b:
		return game.WhiteWins
	default:
		return game.Draw
	}
}

// Settle resolves a state built with FromBoards whose mover cannot play:
// the turn passes to the opponent, or the game ends if neither side can move.
func Settle(s game.State) game.State {
	if s.Done || s.LegalMoves() != 0 {
		return s
	}
	own, enemy := s.OwnEnemy()
	if game.LegalMoves(enemy, own) != 0 {
		s.Next = s.Next.Opponent()
		return s
	}
	s.Done = true
	s.Winner = countWinner(s)
	return s
}

func IsGameOver(s game.State) bool {
	return s.Done
}

// Result is the final value from Black's perspective: 1, -1 or 0.
func Result(s game.State) float32 {
	switch s.Winner {
	case game.BlackWins:
		return 1
	case game.WhiteWins:
		return -1
	default:
		return 0
	}
}

// MoverResult is the final value from the perspective of color.
func MoverResult(s game.State, color game.Color) float32 {
	if color == game.Black {
		return Result(s)
	}
	return -Result(s)
}
