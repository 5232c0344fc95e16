package mcts

import (
	"math"
	"math/rand"
	randv2 "math/rand/v2"

	"gonum.org/v1/gonum/stat/distmv"
)

// dirichlet draws k weights from a symmetric Dirichlet(alpha) distribution.
// The sampler is seeded from rng so a seeded player stays reproducible.
func dirichlet(rng *rand.Rand, alpha float64, k int) []float64 {
	if k <= 0 {
		return nil
	}
	alphas := make([]float64, k)
	for i := range alphas {
		alphas[i] = alpha
	}
	src := randv2.NewPCG(rng.Uint64(), rng.Uint64())
	out := distmv.NewDirichlet(alphas, src).Rand(nil)
	for _, x := range out {
		// Every gamma draw underflowed.
		if math.IsNaN(x) {
			for i := range out {
				out[i] = 1 / float64(k)
			}
			break
		}
	}
	return out
}
