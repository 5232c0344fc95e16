package game

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrInvalidPosition is raised (via panic) when a square index falls outside 0..63.
var ErrInvalidPosition = errors.New("invalid board position")

const (
	leftRightMask = 0x7e7e7e7e7e7e7e7e // both outer columns cleared
	topBottomMask = 0x00ffffffffffff00 // both outer rows cleared
	innerMask     = leftRightMask & topBottomMask
)

// LegalMoves returns the empty squares where own can play and capture at least one enemy stone.
func LegalMoves(own, enemy uint64) uint64 {
	var mobility uint64
	mobility |= searchLeft(own, enemy, leftRightMask, 1)
	mobility |= searchLeft(own, enemy, innerMask, 9)
	mobility |= searchLeft(own, enemy, topBottomMask, 8)
	mobility |= searchLeft(own, enemy, innerMask, 7)
	mobility |= searchRight(own, enemy, leftRightMask, 1)
	mobility |= searchRight(own, enemy, innerMask, 9)
	mobility |= searchRight(own, enemy, topBottomMask, 8)
	mobility |= searchRight(own, enemy, innerMask, 7)
	return mobility
}

// A run can be at most six enemy stones long, hence the fixed chain.
func searchLeft(own, enemy, mask uint64, offset uint) uint64 {
	e := enemy & mask
	blank := ^(own | enemy)
	t := e & (own >> offset)
	t |= e & (t >> offset)
	t |= e & (t >> offset)
	t |= e & (t >> offset)
	t |= e & (t >> offset)
	t |= e & (t >> offset)
	return blank & (t >> offset)
}

func searchRight(own, enemy, mask uint64, offset uint) uint64 {
	e := enemy & mask
	blank := ^(own | enemy)
	t := e & (own << offset)
	t |= e & (t << offset)
	t |= e & (t << offset)
	t |= e & (t << offset)
	t |= e & (t << offset)
	t |= e & (t << offset)
	return blank & (t << offset)
}

// Flips returns the enemy stones captured when own plays at pos. A zero
// result means the move is illegal.
func Flips(pos int, own, enemy uint64) uint64 {
	if pos < 0 || pos > 63 {
		panic(fmt.Errorf("%w: %d", ErrInvalidPosition, pos))
	}
	f1 := flipsHalf(uint(pos), own, enemy)
	f2 := flipsHalf(uint(63-pos), Rotate180(own), Rotate180(enemy))
	return f1 | Rotate180(f2)
}

// flipsHalf only looks towards higher bit indices; Flips covers the other
// half by rotating the board.
func flipsHalf(pos uint, own, enemy uint64) uint64 {
	edge := enemy & leftRightMask
	lines := [4]struct {
		enemy uint64
		mask  uint64
	}{
		{enemy, 0x0101010101010100 << pos},
		{edge, 0x00000000000000fe << pos},
		{edge, 0x0002040810204080 << pos},
		{edge, 0x8040201008040200 << pos},
	}
	var flipped uint64
	for _, l := range lines {
		outflank := l.mask & ((l.enemy | ^l.mask) + 1) & own
		if outflank != 0 {
			flipped |= (outflank - 1) & l.mask
		}
	}
	return flipped
}

func FlipVertical(x uint64) uint64 {
	const k1 = 0x00FF00FF00FF00FF
	const k2 = 0x0000FFFF0000FFFF
	x = ((x >> 8) & k1) | ((x & k1) << 8)
	x = ((x >> 16) & k2) | ((x & k2) << 16)
	return (x >> 32) | (x << 32)
}

// FlipDiagA1H8 transposes the board: square (x, y) moves to (y, x).
func FlipDiagA1H8(x uint64) uint64 {
	const k1 = 0x5500550055005500
	const k2 = 0x3333000033330000
	const k4 = 0x0f0f0f0f00000000
	t := k4 & (x ^ (x << 28))
	x ^= t ^ (t >> 28)
	t = k2 & (x ^ (x << 14))
	x ^= t ^ (t >> 14)
	t = k1 & (x ^ (x << 7))
	x ^= t ^ (t >> 7)
	return x
}

// Rotate90 rotates the board clockwise: (x, y) moves to (7-y, x).
func Rotate90(x uint64) uint64 {
	return FlipDiagA1H8(FlipVertical(x))
}

func Rotate180(x uint64) uint64 {
	return Rotate90(Rotate90(x))
}

func PopCount(x uint64) int {
	return bits.OnesCount64(x)
}

// BitToDense expands the low size bits of x into a 0/1 slice, least significant bit first.
func BitToDense(x uint64, size int) []float32 {
	out := make([]float32, size)
	for i := 0; i < size && i < 64; i++ {
		if x&(1<<uint(i)) != 0 {
			out[i] = 1
		}
	}
	return out
}

// Squares lists the set bit indices of x in ascending order.
func Squares(x uint64) []int {
	out := make([]int, 0, bits.OnesCount64(x))
	for x != 0 {
		i := bits.TrailingZeros64(x)
		out = append(out, i)
		x &= x - 1
	}
	return out
}
