package game

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func checkMoves(t *testing.T, board, want string, blackToMove bool) {
	t.Helper()
	black, white := ParseBoard(board)
	var moves uint64
	if blackToMove {
		moves = LegalMoves(black, white)
	} else {
		moves = LegalMoves(white, black)
	}
	got := BoardString(black, white, moves)
	if strings.TrimSpace(got) != strings.TrimSpace(want) {
		t.Fatalf("legal moves mismatch\n got:\n%s\nwant:\n%s", got, want)
	}
}

func TestLegalMoves_Black(t *testing.T) {
	board := `
##########
#OO      #
#XOO     #
#OXOOO   #
#  XOX   #
#   XXX  #
#  X     #
# X      #
#        #
##########`
	want := `
##########
#OO      #
#XOO     #
#OXOOO   #
#**XOX*  #
# **XXX  #
#  X**** #
# X      #
#        #
##########`
	checkMoves(t, board, want, true)
}

func TestLegalMoves_WhiteEdges(t *testing.T) {
	board := `
##########
#OOOOOXO #
#OOOOOXOO#
#OOOOOXOO#
#OXOXOXOO#
#OOXOXOXO#
#OOOOOOOO#
#XXXO   O#
#        #
##########`
	want := `
##########
#OOOOOXO*#
#OOOOOXOO#
#OOOOOXOO#
#OXOXOXOO#
#OOXOXOXO#
#OOOOOOOO#
#XXXO***O#
#   *    #
##########`
	checkMoves(t, board, want, false)
}

func TestLegalMoves_Corners(t *testing.T) {
	board := `
##########
#OOXXXXX #
#XOXXXXXX#
#XXXXXXXX#
#XOOXXXXX#
#OXXXOOOX#
#OXXOOOOX#
#OXXXOOOX#
# OOOOOOO#
##########`
	checkMoves(t, board, `
##########
#OOXXXXX #
#XOXXXXXX#
#XXXXXXXX#
#XOOXXXXX#
#OXXXOOOX#
#OXXOOOOX#
#OXXXOOOX#
#*OOOOOOO#
##########`, false)
	checkMoves(t, board, `
##########
#OOXXXXX*#
#XOXXXXXX#
#XXXXXXXX#
#XOOXXXXX#
#OXXXOOOX#
#OXXOOOOX#
#OXXXOOOX#
# OOOOOOO#
##########`, true)
}

func TestOpeningMoves(t *testing.T) {
	got := Squares(LegalMoves(InitialBlack, InitialWhite))
	want := []int{19, 26, 37, 44}
	if len(got) != len(want) {
		t.Fatalf("opening moves=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("opening moves=%v want=%v", got, want)
		}
	}
	if f := Flips(19, InitialBlack, InitialWhite); f != 1<<27 {
		t.Fatalf("flips(19)=%#x want=%#x", f, uint64(1)<<27)
	}
}

// A move is legal exactly when it flips something, on positions reached by random play.
func TestLegalIffFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for g := 0; g < 200; g++ {
		own, enemy := InitialBlack, InitialWhite
		for ply := 0; ply < 80; ply++ {
			legal := LegalMoves(own, enemy)
			for pos := 0; pos < 64; pos++ {
				bit := uint64(1) << uint(pos)
				if (own|enemy)&bit != 0 {
					continue
				}
				isLegal := legal&bit != 0
				hasFlips := Flips(pos, own, enemy) != 0
				if isLegal != hasFlips {
					t.Fatalf("pos=%d legal=%v flips=%v\n%s", pos, isLegal, hasFlips, BoardString(own, enemy, 0))
				}
			}
			if legal == 0 {
				if LegalMoves(enemy, own) == 0 {
					break
				}
				own, enemy = enemy, own
				continue
			}
			moves := Squares(legal)
			pos := moves[rng.Intn(len(moves))]
			f := Flips(pos, own, enemy)
			own ^= f | uint64(1)<<uint(pos)
			enemy ^= f
			if own&enemy != 0 {
				t.Fatalf("overlapping stones after move %d", pos)
			}
			own, enemy = enemy, own
		}
	}
}

func TestFlipsInvalidPositionPanics(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrInvalidPosition) {
			t.Fatalf("recover()=%v want ErrInvalidPosition", r)
		}
	}()
	Flips(64, InitialBlack, InitialWhite)
}

func TestTransformRoundTrips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		x := rng.Uint64()
		if got := Rotate90(Rotate90(Rotate90(Rotate90(x)))); got != x {
			t.Fatalf("rotate90^4(%#x)=%#x", x, got)
		}
		if got := FlipVertical(FlipVertical(x)); got != x {
			t.Fatalf("flipVertical^2(%#x)=%#x", x, got)
		}
		if got := FlipDiagA1H8(FlipDiagA1H8(x)); got != x {
			t.Fatalf("flipDiag^2(%#x)=%#x", x, got)
		}
		for sym := 0; sym < NumSymmetries; sym++ {
			if got := InverseTransform(Transform(x, sym), sym); got != x {
				t.Fatalf("sym=%d round trip %#x -> %#x", sym, x, got)
			}
			if PopCount(Transform(x, sym)) != PopCount(x) {
				t.Fatalf("sym=%d changed popcount", sym)
			}
		}
	}
}

func TestRotate90Clockwise(t *testing.T) {
	// (0,0) -> (7,0) and (1,1) -> (6,1)
	if got := Rotate90(1); got != 1<<7 {
		t.Fatalf("rotate90(a1)=%#x", got)
	}
	if got := Rotate90(1 << 9); got != 1<<14 {
		t.Fatalf("rotate90(b2)=%#x", got)
	}
}

// squareAt uses (x, y) coordinates with y growing downwards.
func squareAt(x, y int) int { return y*8 + x }

func TestEightSymmetries(t *testing.T) {
	own := uint64(1)<<uint(squareAt(0, 0)) | uint64(1)<<uint(squareAt(1, 1))
	enemy := uint64(1)<<uint(squareAt(7, 6)) | uint64(1)<<uint(squareAt(7, 7))
	var policy [64]float32
	policy[squareAt(7, 0)] = 0.8
	policy[squareAt(0, 7)] = 0.2

	cases := []struct {
		sym       int
		own       [2]int
		enemy     [2]int
		high, low int
	}{
		{0, [2]int{squareAt(0, 0), squareAt(1, 1)}, [2]int{squareAt(7, 6), squareAt(7, 7)}, squareAt(7, 0), squareAt(0, 7)},
		{1, [2]int{squareAt(7, 0), squareAt(6, 1)}, [2]int{squareAt(0, 7), squareAt(1, 7)}, squareAt(7, 7), squareAt(0, 0)},
		{2, [2]int{squareAt(7, 7), squareAt(6, 6)}, [2]int{squareAt(0, 0), squareAt(0, 1)}, squareAt(0, 7), squareAt(7, 0)},
		{5, [2]int{squareAt(0, 0), squareAt(1, 1)}, [2]int{squareAt(6, 7), squareAt(7, 7)}, squareAt(0, 7), squareAt(7, 0)},
	}
	for _, tc := range cases {
		o := Transform(own, tc.sym)
		e := Transform(enemy, tc.sym)
		if PopCount(o) != 2 || PopCount(e) != 2 {
			t.Fatalf("sym=%d counts=(%d,%d)", tc.sym, PopCount(o), PopCount(e))
		}
		for _, sq := range tc.own {
			if o&(1<<uint(sq)) == 0 {
				t.Fatalf("sym=%d own missing square %d\n%s", tc.sym, sq, BoardString(o, e, 0))
			}
		}
		for _, sq := range tc.enemy {
			if e&(1<<uint(sq)) == 0 {
				t.Fatalf("sym=%d enemy missing square %d\n%s", tc.sym, sq, BoardString(o, e, 0))
			}
		}
		p := TransformPolicy(policy[:], tc.sym)
		if p[tc.high] != 0.8 || p[tc.low] != 0.2 {
			t.Fatalf("sym=%d policy high=%v low=%v", tc.sym, p[tc.high], p[tc.low])
		}
		back := InverseTransformPolicy(p[:], tc.sym)
		if back != policy {
			t.Fatalf("sym=%d inverse policy does not restore original", tc.sym)
		}
	}
}

func TestBitToDense(t *testing.T) {
	got := BitToDense(0b0010, 4)
	want := []float32{0, 1, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("BitToDense=%v want=%v", got, want)
		}
	}
}

func TestParseBoardRoundTrip(t *testing.T) {
	board := `
##########
#OO      #
#XOO     #
#OXOOO   #
#  XOX   #
#   XXX  #
#  X     #
# X      #
#       X#
##########`
	black, white := ParseBoard(board)
	if got := BoardString(black, white, 0); strings.TrimSpace(got) != strings.TrimSpace(board) {
		t.Fatalf("round trip mismatch\n%s", got)
	}
}

func TestMoveNotation(t *testing.T) {
	cases := []struct {
		move   string
		action int
	}{
		{"A1", 0},
		{"H8", 63},
		{"F5", 44},
		{"PA", NoMove},
	}
	for _, tc := range cases {
		got, err := MoveToAction(tc.move)
		if err != nil || got != tc.action {
			t.Fatalf("MoveToAction(%q)=%d,%v want=%d", tc.move, got, err, tc.action)
		}
		if s := ActionToMove(tc.action); s != tc.move {
			t.Fatalf("ActionToMove(%d)=%q want=%q", tc.action, s, tc.move)
		}
	}
	if _, err := MoveToAction("Z9"); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("MoveToAction(Z9) err=%v", err)
	}
}

func TestNodeKeyMirror(t *testing.T) {
	k := NodeKey{Black: InitialBlack, White: InitialWhite, Next: Black}
	m := k.Mirror()
	if m.Next != White || m.Black != InitialWhite || m.White != InitialBlack {
		t.Fatalf("mirror=%+v", m)
	}
	ko, ke := k.OwnEnemy()
	mo, me := m.OwnEnemy()
	if ko != mo || ke != me {
		t.Fatalf("mirror changed mover planes")
	}
	if m.Mirror() != k {
		t.Fatalf("mirror is not an involution")
	}
}

func BenchmarkLegalMoves(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = LegalMoves(InitialBlack, InitialWhite)
	}
}
