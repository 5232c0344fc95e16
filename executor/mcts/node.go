package mcts

import (
	"context"
	"sync"
	"time"

	"github.com/brensch/reversi/game"
)

// NodeStats holds the edge statistics of one position, indexed by square.
// W is accumulated from Black's point of view; P is relative to the side to
// move.
type NodeStats struct {
	N [64]float32
	W [64]float32
	P [64]float32

	Expanded bool

	solveTried  bool
	solved      bool
	solvedValue float32 // Black's point of view
}

// Q is the mean value of action a for Black.
func (n *NodeStats) Q(a int) float32 {
	return n.W[a] / (n.N[a] + qEpsilon)
}

func (n *NodeStats) SumN() float32 {
	var s float32
	for _, v := range n.N {
		s += v
	}
	return s
}

const qEpsilon = 1e-8

// Table owns the NodeStats of every searched position. Its lock is held by
// a running simulation and released only while that simulation waits for an
// evaluation or for another simulation's expansion. Players sharing a Table
// therefore never touch statistics concurrently.
type Table struct {
	mu        sync.Mutex
	nodes     map[game.NodeKey]*NodeStats
	expanding map[game.NodeKey]chan struct{}
}

func NewTable() *Table {
	return &Table{
		nodes:     make(map[game.NodeKey]*NodeStats),
		expanding: make(map[game.NodeKey]chan struct{}),
	}
}

// Get returns a copy of the stats for key.
func (t *Table) Get(key game.NodeKey) (NodeStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[key]
	if !ok {
		return NodeStats{}, false
	}
	return *n, true
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// Reset drops all statistics. It must not be called while a search is running.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.nodes)
}

// getOrInsert requires t.mu.
func (t *Table) getOrInsert(key game.NodeKey) *NodeStats {
	n, ok := t.nodes[key]
	if !ok {
		n = &NodeStats{}
		t.nodes[key] = n
	}
	return n
}

// Config holds MCTS configuration
type Config struct {
	SimulationsPerMove          int
	ThinkingLoop                int
	RequiredVisitToDecideAction float32
	StartRethinkingTurn         int

	CPuct          float32
	NoiseEps       float32
	DirichletAlpha float64
	ChangeTauTurn  int
	VirtualLoss    float32

	PredictionQueueSize   int
	ParallelSearchNum     int
	PredictionWorkerSleep time.Duration

	// ResignThreshold is compared with the best mean value at the root.
	// DisableResignCheck turns the check off entirely.
	ResignThreshold    float32
	DisableResignCheck bool
	AllowedResignTurn  int

	PolicyDecayTurn  int
	PolicyDecayPower float64

	// UseSolverTurn enables the endgame solver from this turn on; 0 disables it.
	UseSolverTurn int
	SolverTimeout time.Duration

	SkipFirstMoveSearch bool
	// MirrorStats applies every prior and visit update to the colour-swapped
	// key of the same position as well.
	MirrorStats bool
	// SavePolicyTau1 records visit-proportional policies for training even
	// when the move itself is chosen greedily.
	SavePolicyTau1 bool
}

func DefaultConfig() Config {
	return Config{
		SimulationsPerMove:          100,
		ThinkingLoop:                2,
		RequiredVisitToDecideAction: 40,
		StartRethinkingTurn:         10,
		CPuct:                       5,
		NoiseEps:                    0.25,
		DirichletAlpha:              0.5,
		ChangeTauTurn:               10,
		VirtualLoss:                 3,
		PredictionQueueSize:         16,
		ParallelSearchNum:           8,
		PredictionWorkerSleep:       100 * time.Microsecond,
		ResignThreshold:             -0.8,
		AllowedResignTurn:           20,
		PolicyDecayTurn:             60,
		PolicyDecayPower:            3,
		UseSolverTurn:               50,
		SolverTimeout:               100 * time.Millisecond,
		SkipFirstMoveSearch:         true,
		SavePolicyTau1:              true,
	}
}

// Predictor defines the interface for inference. input holds n encoded
// positions back to back; policy holds n*64 values and value n values, both
// relative to the side to move.
type Predictor interface {
	Predict(ctx context.Context, input []float32, n int) (policy []float32, value []float32, err error)
}
