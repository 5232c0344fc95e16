package selfplay

import (
	"fmt"
	"strconv"
	"time"

	"github.com/brensch/reversi/executor/mcts"
	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/rules"
	"github.com/brensch/reversi/store"
)

// MoveHistory collects GGF move strings. Passes are written as "PA" so that
// moves keep alternating between Black and White.
type MoveHistory struct {
	moves []string
}

// Record notes the decision made by mover. Resignations are not recorded.
func (h *MoveHistory) Record(mover game.Color, d mcts.Decision) {
	if d.Action == game.NoMove {
		return
	}
	blackToWrite := len(h.moves)%2 == 0
	if blackToWrite != (mover == game.Black) {
		h.moves = append(h.moves, game.ActionToMove(game.NoMove))
	}
	h.moves = append(h.moves, fmt.Sprintf("%s/%s/%s",
		game.ActionToMove(d.Action),
		strconv.FormatFloat(float64(d.Q*10), 'g', 4, 32),
		strconv.FormatFloat(float64(d.N), 'g', -1, 32)))
}

func (h *MoveHistory) Moves() []string { return h.moves }

// GGF renders the game. result is from Black's side, see GGFResult.
func (h *MoveHistory) GGF(blackName, whiteName string, date time.Time, result string) string {
	return store.MakeGGF(blackName, whiteName, date, h.moves, result)
}

// GGFResult is the RE value of a finished game: the disc difference for
// Black ("+6", "-2", "0"), or "+R"/"-R" when the loser resigned.
func GGFResult(s game.State, outcome rules.Outcome) string {
	if !s.Done {
		return "?"
	}
	if outcome == rules.Resigned || outcome == rules.IllegalMove {
		if s.Winner == game.BlackWins {
			return "+R"
		}
		return "-R"
	}
	b, w := s.Counts()
	if b == w {
		return "0"
	}
	return fmt.Sprintf("%+d", b-w)
}
