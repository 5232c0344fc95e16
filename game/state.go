// Package game defines the Reversi board model: bitboards, the game state
// and the node key used to identify search positions.
//
// Squares are numbered 0 (top-left) to 63 (bottom-right) in row-major order
// and bit i of a bitboard is set when a stone occupies square i.
package game

// Color is the side to move.
type Color int8

const (
	Black Color = iota
	White
)

func (c Color) Opponent() Color {
	if c == Black {
		return White
	}
	return Black
}

func (c Color) String() string {
	if c == Black {
		return "black"
	}
	return "white"
}

// Winner is only meaningful once a state is Done.
type Winner int8

const (
	NoWinner Winner = iota
	BlackWins
	WhiteWins
	Draw
)

func (w Winner) String() string {
	switch w {
	case BlackWins:
		return "black"
	case WhiteWins:
		return "white"
	case Draw:
		return "draw"
	default:
		return "none"
	}
}

// WinnerOf returns the Winner value for a colour winning the game.
func WinnerOf(c Color) Winner {
	if c == Black {
		return BlackWins
	}
	return WhiteWins
}

// NoMove is the action used for resignation, and "PA" in move notation.
const NoMove = -1

// Initial stone placement.
const (
	InitialBlack uint64 = 0x10<<24 | 0x08<<32
	InitialWhite uint64 = 0x08<<24 | 0x10<<32
)

// State is an immutable game position. Black&White is always zero and Turn
// equals the number of stones on the board minus four.
type State struct {
	Black  uint64
	White  uint64
	Next   Color
	Turn   int
	Done   bool
	Winner Winner
}

// OwnEnemy returns the bitboards of the side to move and of its opponent.
func (s State) OwnEnemy() (own, enemy uint64) {
	if s.Next == Black {
		return s.Black, s.White
	}
	return s.White, s.Black
}

func (s State) LegalMoves() uint64 {
	own, enemy := s.OwnEnemy()
	return LegalMoves(own, enemy)
}

func (s State) Counts() (black, white int) {
	return PopCount(s.Black), PopCount(s.White)
}

func (s State) Key() NodeKey {
	return NodeKey{Black: s.Black, White: s.White, Next: s.Next}
}

// NodeKey identifies a search node. Two states with equal keys are the same
// node regardless of how they were reached.
type NodeKey struct {
	Black uint64
	White uint64
	Next  Color
}

// Mirror returns the key of the same physical position seen with the colours
// swapped: the side to move keeps the same stones but plays the other colour.
func (k NodeKey) Mirror() NodeKey {
	return NodeKey{Black: k.White, White: k.Black, Next: k.Next.Opponent()}
}

func (k NodeKey) OwnEnemy() (own, enemy uint64) {
	if k.Next == Black {
		return k.Black, k.White
	}
	return k.White, k.Black
}
