package game

// NumSymmetries is the size of the board's dihedral group: {identity, vertical flip}
// combined with 0, 90, 180 or 270 degree clockwise rotation.
const NumSymmetries = 8

// squareMap[sym][i] is where square i lands under symmetry sym.
var squareMap [NumSymmetries][64]int

func init() {
	for sym := 0; sym < NumSymmetries; sym++ {
		for i := 0; i < 64; i++ {
			t := Transform(uint64(1)<<uint(i), sym)
			for j := 0; j < 64; j++ {
				if t == uint64(1)<<uint(j) {
					squareMap[sym][i] = j
					break
				}
			}
		}
	}
}

// Transform applies symmetry sym (0..7) to a bitboard. Symmetries 4..7 flip
// vertically before rotating.
func Transform(x uint64, sym int) uint64 {
	if sym >= 4 {
		x = FlipVertical(x)
	}
	for r := 0; r < sym%4; r++ {
		x = Rotate90(x)
	}
	return x
}

// InverseTransform undoes Transform(x, sym).
func InverseTransform(x uint64, sym int) uint64 {
	for r := 0; r < (4-sym%4)%4; r++ {
		x = Rotate90(x)
	}
	if sym >= 4 {
		x = FlipVertical(x)
	}
	return x
}

// TransformSquare maps a single square index through symmetry sym.
func TransformSquare(pos, sym int) int {
	return squareMap[sym][pos]
}

// TransformPolicy moves each probability to the square its cell maps to under sym.
func TransformPolicy(p []float32, sym int) [64]float32 {
	var out [64]float32
	for i := 0; i < 64 && i < len(p); i++ {
		out[squareMap[sym][i]] = p[i]
	}
	return out
}

// InverseTransformPolicy brings a policy produced on a transformed board back
// to the original orientation.
func InverseTransformPolicy(p []float32, sym int) [64]float32 {
	var out [64]float32
	for i := 0; i < 64; i++ {
		j := squareMap[sym][i]
		if j < len(p) {
			out[i] = p[j]
		}
	}
	return out
}
