package solver

import (
	"errors"
	"testing"
	"time"

	"github.com/brensch/reversi/game"
)

// O is black, X is white.
const endgameWhiteToMove = `
##########
#XXXX    #
#XOXX    #
#XOXXOOOO#
#XOXOXOOO#
#XOXXOXOO#
#OOOOXOXO#
# OOOOOOO#
#  XXXXXO#
##########`

const endgameBlackToMove = `
##########
#XXXX    #
#XXXX X  #
#XXXXXXOO#
#XXXXXXOO#
#XXXXOXOO#
#OXOOXOXO#
# OOOOOOO#
#OOOOOOOO#
##########`

const endgameWhiteExact = `
##########
#  X OOO #
#X XOXO O#
#XXXXOXOO#
#XOXOOXXO#
#XOOOOXXO#
#XOOOXXXO#
# OOOOXX #
#  OOOOX #
##########`

func TestSolve(t *testing.T) {
	cases := []struct {
		name   string
		board  string
		next   game.Color
		exact  bool
		action int
		score  int
	}{
		{"white best effort", endgameWhiteToMove, game.White, false, 57, 2},
		{"white exact", endgameWhiteToMove, game.White, true, 57, 2},
		{"black best effort", endgameBlackToMove, game.Black, false, 4, -2},
		{"white exact second", endgameWhiteExact, game.White, true, 3, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			black, white := game.ParseBoard(tc.board)
			s := New()
			got, err := s.Solve(black, white, tc.next, time.Minute, tc.exact)
			if err != nil {
				t.Fatalf("solve: %v", err)
			}
			if got.Action != tc.action || got.Score != tc.score {
				t.Fatalf("solve=(%d,%+d) want (%d,%+d)", got.Action, got.Score, tc.action, tc.score)
			}
			t.Logf("nodes=%d cache=%d", s.Stats().Nodes, s.Stats().CacheSize)
		})
	}
}

func TestSolveSwitchToExactReusesSolver(t *testing.T) {
	black, white := game.ParseBoard(endgameWhiteToMove)
	s := New()
	if _, err := s.Solve(black, white, game.White, time.Minute, false); err != nil {
		t.Fatalf("best effort: %v", err)
	}
	got, err := s.Solve(black, white, game.White, time.Minute, true)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if got.Action != 57 || got.Score != 2 {
		t.Fatalf("solve=(%d,%+d) want (57,+2)", got.Action, got.Score)
	}
}

func TestSolveTimeout(t *testing.T) {
	black, white := game.ParseBoard(endgameWhiteToMove)
	s := New()
	_, err := s.Solve(black, white, game.White, 0, true)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout", err)
	}

	// A timeout does not poison later solves.
	got, err := s.Solve(black, white, game.White, time.Minute, true)
	if err != nil || got.Action != 57 || got.Score != 2 {
		t.Fatalf("after timeout solve=(%d,%+d) err=%v", got.Action, got.Score, err)
	}
}

func TestSolveFinishedPosition(t *testing.T) {
	// Full board, black has 40 stones and white 24.
	black := uint64(0xFFFFFFFFFF)
	white := ^black
	got, err := New().Solve(black, white, game.White, time.Second, true)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if got.Action != game.NoMove || got.Score != -16 {
		t.Fatalf("solve=(%d,%+d) want (none,-16)", got.Action, got.Score)
	}
}

func TestSolveCacheBound(t *testing.T) {
	black, white := game.ParseBoard(endgameWhiteToMove)
	s := New()
	s.MaxCacheEntries = 100
	got, err := s.Solve(black, white, game.White, time.Minute, false)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if got.Action != 57 || got.Score != 2 {
		t.Fatalf("solve=(%d,%+d)", got.Action, got.Score)
	}
	if n := s.Stats().CacheSize; n > 100 {
		t.Fatalf("cache size=%d exceeds bound", n)
	}
}
