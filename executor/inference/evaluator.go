package inference

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/brensch/reversi/executor/convert"
	"github.com/brensch/reversi/game"
	"github.com/zeebo/xxh3"
)

var (
	ErrEvaluatorUnavailable = errors.New("evaluator unavailable")
	ErrModelLoad            = errors.New("model load failed")
	ErrServiceClosed        = errors.New("inference service closed")
)

// Evaluator scores a batch of n encoded positions. It returns n*64 policy
// values and n values, both relative to the side to move.
type Evaluator interface {
	Evaluate(input []float32, n int) (policy []float32, value []float32, err error)
	Close() error
}

// Model identifies a loadable evaluator. Digest changes whenever the
// underlying weights change.
type Model interface {
	Digest() (string, error)
	Load() (Evaluator, error)
}

// FileModel is an ONNX model file on disk.
type FileModel struct {
	Path    string
	Options OnnxOptions
}

func (m FileModel) Digest() (string, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		return "", fmt.Errorf("open model %s: %w", m.Path, err)
	}
	defer f.Close()
	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash model %s: %w", m.Path, err)
	}
	sum := h.Sum128()
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo), nil
}

func (m FileModel) Load() (Evaluator, error) {
	return NewOnnxEvaluator(m.Path, m.Options)
}

// UniformEvaluator spreads the policy evenly over the legal moves of each
// position and returns a constant value.
type UniformEvaluator struct {
	Value float32
}

func (u UniformEvaluator) Evaluate(input []float32, n int) ([]float32, []float32, error) {
	if len(input) < n*convert.FloatSize {
		return nil, nil, fmt.Errorf("uniform evaluator: input holds %d floats for %d positions", len(input), n)
	}
	policy := make([]float32, n*convert.PolicySize)
	value := make([]float32, n)
	for i := 0; i < n; i++ {
		own, enemy := convert.DecodePlanes(input[i*convert.FloatSize : (i+1)*convert.FloatSize])
		squares := game.Squares(game.LegalMoves(own, enemy))
		for _, sq := range squares {
			policy[i*convert.PolicySize+sq] = 1 / float32(len(squares))
		}
		value[i] = u.Value
	}
	return policy, value, nil
}

func (UniformEvaluator) Close() error { return nil }

// UniformModel always loads a UniformEvaluator. It is used when no trained
// model exists yet.
type UniformModel struct {
	Value float32
}

func (UniformModel) Digest() (string, error) { return "uniform", nil }

func (m UniformModel) Load() (Evaluator, error) {
	return UniformEvaluator{Value: m.Value}, nil
}
