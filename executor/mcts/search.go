package mcts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/brensch/reversi/executor/convert"
	"github.com/brensch/reversi/executor/solver"
	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/rules"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrNoLegalMoves = errors.New("no legal moves for side to move")

// solvedVisits is the synthetic visit count given to a move proven by the solver.
const solvedVisits = 999

// Decision is the result of one Action call. Q and N describe the chosen
// action from the mover's point of view; Value is the mean leaf value seen
// during the search.
type Decision struct {
	Action   int
	Policy   [64]float32
	Q        float32
	N        float32
	Value    float32
	Resigned bool
}

// MoveRecord is one training sample: the position from the mover's point of
// view, the search policy and, once the game ends, its outcome.
type MoveRecord struct {
	Own    uint64
	Enemy  uint64
	Policy [64]float32
	Z      float32
}

// Player searches positions for one side of one game. Players created for
// the same game may share a Table.
type Player struct {
	cfg       Config
	table     *Table
	predictor Predictor
	solver    *solver.Solver
	rng       *rand.Rand
	log       zerolog.Logger

	enableResign bool
	resigned     bool
	stop         atomic.Bool

	moves   []MoveRecord
	history map[[2]uint64]Decision
}

type PlayerOption func(*Player)

func WithTable(t *Table) PlayerOption {
	return func(p *Player) { p.table = t }
}

func WithLogger(l zerolog.Logger) PlayerOption {
	return func(p *Player) { p.log = l }
}

func WithRand(r *rand.Rand) PlayerOption {
	return func(p *Player) { p.rng = r }
}

func WithResign(enabled bool) PlayerOption {
	return func(p *Player) { p.enableResign = enabled }
}

func NewPlayer(cfg Config, predictor Predictor, opts ...PlayerOption) *Player {
	if cfg.ParallelSearchNum <= 0 {
		cfg.ParallelSearchNum = 1
	}
	if cfg.PredictionQueueSize <= 0 {
		cfg.PredictionQueueSize = cfg.ParallelSearchNum
	}
	if cfg.ThinkingLoop <= 0 {
		cfg.ThinkingLoop = 1
	}
	p := &Player{
		cfg:          cfg,
		predictor:    predictor,
		log:          zerolog.Nop(),
		enableResign: true,
		history:      make(map[[2]uint64]Decision),
	}
	for _, o := range opts {
		o(p)
	}
	if p.table == nil {
		p.table = NewTable()
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.UseSolverTurn > 0 {
		p.solver = solver.New()
	}
	return p
}

func (p *Player) Table() *Table { return p.table }

// Resigned reports whether any decision so far fell below the resignation
// threshold, whether or not resignation was allowed to happen.
func (p *Player) Resigned() bool { return p.resigned }

func (p *Player) Moves() []MoveRecord { return p.moves }

// StopThinking makes simulations that have not started yet return at once.
func (p *Player) StopThinking() { p.stop.Store(true) }

// FinishGame labels every recorded move with z (1 win, -1 loss, 0 draw).
func (p *Player) FinishGame(z float32) {
	for i := range p.moves {
		p.moves[i].Z = z
	}
}

// Thought returns the last decision made for a position.
func (p *Player) Thought(own, enemy uint64) (Decision, bool) {
	d, ok := p.history[[2]uint64{own, enemy}]
	return d, ok
}

// Action searches s and picks a move for s.Next. Action is game.NoMove when
// the player resigns.
func (p *Player) Action(ctx context.Context, s game.State) (Decision, error) {
	legal := s.LegalMoves()
	if s.Done || legal == 0 {
		return Decision{Action: game.NoMove}, ErrNoLegalMoves
	}
	p.stop.Store(false)
	key := s.Key()
	own, enemy := s.OwnEnemy()

	var (
		policy [64]float32
		action int
		value  float32
	)
	for round := 0; round < p.cfg.ThinkingLoop; round++ {
		if s.Turn == 0 && p.cfg.SkipFirstMoveSearch {
			p.bypassFirstMove(key, legal)
		} else {
			v, err := p.searchMoves(ctx, s)
			if err != nil {
				return Decision{Action: game.NoMove}, err
			}
			value = v
		}
		policy = p.calcPolicy(s)
		action = sampleAction(p.rng, policy[:])

		q, n := p.moverStats(key)
		byValue := argmaxVisited(q, n, legal)
		valueDiff := q[action] - q[byValue]
		if s.Turn <= p.cfg.StartRethinkingTurn || p.stop.Load() ||
			(valueDiff > -0.01 && n[action] >= p.cfg.RequiredVisitToDecideAction) {
			break
		}
		p.log.Debug().Int("turn", s.Turn).Int("round", round+1).Str("sampled", game.ActionToMove(action)).
			Str("by_value", game.ActionToMove(byValue)).Float32("value_diff", valueDiff).Msg("rethinking")
	}

	q, n := p.moverStats(key)
	d := Decision{Action: action, Policy: policy, Q: q[action], N: n[action], Value: value}
	p.history[[2]uint64{own, enemy}] = d

	if !p.cfg.DisableResignCheck && sumVisits(n) > 0 && bestResignValue(q, n) <= p.cfg.ResignThreshold {
		p.resigned = true
		if p.enableResign && s.Turn >= p.cfg.AllowedResignTurn {
			d.Action = game.NoMove
			d.Resigned = true
			p.log.Debug().Int("turn", s.Turn).Float32("threshold", p.cfg.ResignThreshold).Msg("resign")
			return d, nil
		}
	}

	saved := policy
	if p.cfg.SavePolicyTau1 {
		saved = p.visitPolicy(s)
	}
	p.moves = append(p.moves, MoveRecord{Own: own, Enemy: enemy, Policy: saved})
	return d, nil
}

// bypassFirstMove plays the lowest legal square with a single synthetic visit.
func (p *Player) bypassFirstMove(key game.NodeKey, legal uint64) {
	squares := game.Squares(legal)
	t := p.table
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.getOrInsert(key)
	node.N[squares[0]] = 1
	for _, sq := range squares {
		node.P[sq] = 1 / float32(len(squares))
	}
	node.Expanded = true
}

// searchMoves runs one thinking round and returns the mean leaf value for
// the side to move.
func (p *Player) searchMoves(ctx context.Context, s game.State) (float32, error) {
	queue := make(chan evalRequest, p.cfg.PredictionQueueSize)
	workerCtx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		p.predictionWorker(workerCtx, queue)
	}()
	defer func() {
		cancelWorker()
		<-workerDone
	}()

	key := s.Key()
	node, _ := p.table.Get(key)
	if !node.Expanded {
		if _, _, err := p.simulate(ctx, s, queue); err != nil {
			return 0, err
		}
		node, _ = p.table.Get(key)
	}
	if node.solved {
		v := node.solvedValue
		if s.Next == game.White {
			v = -v
		}
		return v, nil
	}

	sims := p.cfg.SimulationsPerMove
	leaves := make([]float32, sims)
	counted := make([]bool, sims)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ParallelSearchNum)
	for i := 0; i < sims; i++ {
		g.Go(func() error {
			v, ok, err := p.simulate(gctx, s, queue)
			if err != nil {
				return err
			}
			leaves[i], counted[i] = v, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("search turn %d: %w", s.Turn, err)
	}

	var sum float32
	var k int
	for i := range leaves {
		if counted[i] {
			sum += leaves[i]
			k++
		}
	}
	if k == 0 {
		return 0, nil
	}
	mean := sum / float32(k)
	if s.Next == game.White {
		mean = -mean
	}
	return mean, nil
}

type pathStep struct {
	key    game.NodeKey
	action int
	sign   float32
}

// simulate walks from root to a leaf and backs the leaf value up the path.
// It returns the leaf value for Black and false when it was skipped because
// of a stop request.
func (p *Player) simulate(ctx context.Context, root game.State, queue chan<- evalRequest) (float32, bool, error) {
	if p.stop.Load() {
		return 0, false, nil
	}
	t := p.table
	t.mu.Lock()
	defer t.mu.Unlock()

	var path []pathStep
	s := root
	isRoot := true
	var leaf float32
	for {
		if s.Done {
			leaf = rules.Result(s)
			break
		}
		key := s.Key()

		if v, ok := p.trySolve(s, key); ok {
			leaf = v
			break
		}

		if err := t.awaitExpansion(ctx, key); err != nil {
			p.revert(path)
			return 0, false, err
		}

		node := t.nodes[key]
		if node == nil || !node.Expanded {
			v, err := p.expand(ctx, s, key, queue)
			if err != nil {
				p.revert(path)
				return 0, false, err
			}
			leaf = v
			break
		}

		action := p.selectAction(s, node, isRoot)
		sign := colorSign(s.Next)
		p.addVisit(key, action, p.cfg.VirtualLoss, -p.cfg.VirtualLoss*sign)
		path = append(path, pathStep{key: key, action: action, sign: sign})

		s, _ = rules.ApplyMove(s, action)
		isRoot = false
	}

	for _, st := range path {
		p.addVisit(st.key, st.action, 1-p.cfg.VirtualLoss, p.cfg.VirtualLoss*st.sign+leaf)
	}
	return leaf, true, nil
}

// revert removes the virtual losses of an abandoned simulation.
func (p *Player) revert(path []pathStep) {
	for _, st := range path {
		p.addVisit(st.key, st.action, -p.cfg.VirtualLoss, p.cfg.VirtualLoss*st.sign)
	}
}

// addVisit requires t.mu.
func (p *Player) addVisit(key game.NodeKey, action int, dn, dw float32) {
	node := p.table.getOrInsert(key)
	node.N[action] += dn
	node.W[action] += dw
	if p.cfg.MirrorStats {
		m := p.table.getOrInsert(key.Mirror())
		m.N[action] += dn
		m.W[action] -= dw
	}
}

// awaitExpansion blocks until no other simulation is expanding key. It
// requires t.mu and holds it again on return.
func (t *Table) awaitExpansion(ctx context.Context, key game.NodeKey) error {
	for {
		done, busy := t.expanding[key]
		if !busy {
			return nil
		}
		t.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			t.mu.Lock()
			return ctx.Err()
		}
		t.mu.Lock()
	}
}

// expand evaluates a leaf under a random symmetry and stores its prior.
// It requires t.mu, releases it while the evaluation is pending and holds it
// again on return. The result is the leaf value for Black.
func (p *Player) expand(ctx context.Context, s game.State, key game.NodeKey, queue chan<- evalRequest) (float32, error) {
	t := p.table
	done := make(chan struct{})
	t.expanding[key] = done

	sym := p.rng.Intn(game.NumSymmetries)
	own, enemy := s.OwnEnemy()
	buf := convert.PlanesToFloat32(game.Transform(own, sym), game.Transform(enemy, sym))
	req := evalRequest{buf: buf, resp: make(chan evalResult, 1)}

	t.mu.Unlock()
	res := submit(ctx, queue, req)
	t.mu.Lock()

	delete(t.expanding, key)
	close(done)
	if res.err != nil {
		return 0, res.err
	}

	prior := game.InverseTransformPolicy(res.policy, sym)
	node := t.getOrInsert(key)
	node.P = prior
	node.Expanded = true
	if p.cfg.MirrorStats {
		m := t.getOrInsert(key.Mirror())
		m.P = prior
		m.Expanded = true
	}

	v := res.value
	if s.Next == game.White {
		v = -v
	}
	return v, nil
}

// trySolve runs the endgame solver once per node late in the game. A proven
// result saturates the statistics of the winning move. It requires t.mu.
func (p *Player) trySolve(s game.State, key game.NodeKey) (float32, bool) {
	if p.solver == nil || s.Turn < p.cfg.UseSolverTurn {
		return 0, false
	}
	node := p.table.getOrInsert(key)
	if node.solved {
		return node.solvedValue, true
	}
	if node.solveTried {
		return 0, false
	}
	node.solveTried = true

	sol, err := p.solver.Solve(s.Black, s.White, s.Next, p.cfg.SolverTimeout, false)
	if err != nil || sol.Action == game.NoMove {
		if err != nil && !errors.Is(err, solver.ErrTimeout) {
			p.log.Warn().Err(err).Int("turn", s.Turn).Msg("solver failed")
		}
		return 0, false
	}

	v := float32(signum(sol.Score))
	if s.Next == game.White {
		v = -v
	}
	node.N[sol.Action] = solvedVisits
	node.W[sol.Action] = solvedVisits * v
	node.solved = true
	node.solvedValue = v
	if !node.Expanded {
		node.P[sol.Action] = 1
		node.Expanded = true
	}
	p.log.Debug().Int("turn", s.Turn).Str("move", game.ActionToMove(sol.Action)).Int("score", sol.Score).Msg("solved")
	return v, true
}

// selectAction picks the PUCT-maximising legal move. It requires t.mu.
func (p *Player) selectAction(s game.State, node *NodeStats, isRoot bool) int {
	squares := game.Squares(s.LegalMoves())
	prior := p.searchPrior(s, node, isRoot)

	sqrtN := math.Max(math.Sqrt(float64(node.SumN())), 1)
	mover := colorSign(s.Next)
	best, bestScore := squares[0], math.Inf(-1)
	for _, a := range squares {
		q := float64(mover * node.Q(a))
		u := float64(p.cfg.CPuct) * prior[a] * sqrtN / (1 + float64(node.N[a]))
		score := q + u + 1000
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// searchPrior renormalises the stored prior over the legal moves, sharpens
// it by the policy temperature and, at the root, mixes in Dirichlet noise.
// Illegal squares stay at zero.
func (p *Player) searchPrior(s game.State, node *NodeStats, isRoot bool) [64]float64 {
	squares := game.Squares(s.LegalMoves())

	var prior [64]float64
	var total float64
	for _, a := range squares {
		prior[a] = float64(node.P[a])
		total += prior[a]
	}
	if total > 0 {
		tau := policyTemperature(s.Turn, p.cfg.PolicyDecayTurn, p.cfg.PolicyDecayPower)
		var sharpened float64
		for _, a := range squares {
			prior[a] = math.Pow(prior[a]/total, tau)
			sharpened += prior[a]
		}
		if sharpened > 0 {
			for _, a := range squares {
				prior[a] /= sharpened
			}
		}
	}

	if isRoot && p.cfg.NoiseEps > 0 {
		noise := dirichlet(p.rng, p.cfg.DirichletAlpha, len(squares))
		eps := float64(p.cfg.NoiseEps)
		for i, a := range squares {
			prior[a] = (1-eps)*prior[a] + eps*noise[i]
		}
	}
	return prior
}

// policyTemperature is min(exp(1 - (turn/decayTurn)^power), 1).
func policyTemperature(turn, decayTurn int, power float64) float64 {
	if decayTurn <= 0 {
		return 1
	}
	return math.Min(math.Exp(1-math.Pow(float64(turn)/float64(decayTurn), power)), 1)
}

// calcPolicy is visit-proportional early in the game and greedy afterwards.
func (p *Player) calcPolicy(s game.State) [64]float32 {
	if s.Turn < p.cfg.ChangeTauTurn {
		return p.visitPolicy(s)
	}
	_, n := p.moverStats(s.Key())
	var out [64]float32
	out[argmaxLegal(n, s.LegalMoves())] = 1
	return out
}

func (p *Player) visitPolicy(s game.State) [64]float32 {
	legal := s.LegalMoves()
	_, n := p.moverStats(s.Key())
	var out [64]float32
	var sum float32
	for _, a := range game.Squares(legal) {
		sum += n[a]
	}
	for _, a := range game.Squares(legal) {
		if sum > 0 {
			out[a] = n[a] / sum
		} else {
			out[a] = 1 / float32(game.PopCount(legal))
		}
	}
	return out
}

// moverStats returns Q and N at key with Q relative to the side to move.
func (p *Player) moverStats(key game.NodeKey) (q, n [64]float32) {
	node, ok := p.table.Get(key)
	if !ok {
		return q, n
	}
	sign := colorSign(key.Next)
	for a := 0; a < 64; a++ {
		q[a] = sign * node.Q(a)
	}
	return q, node.N
}

func sumVisits(n [64]float32) float32 {
	var s float32
	for _, v := range n {
		s += v
	}
	return s
}

func bestResignValue(q, n [64]float32) float32 {
	best := float32(math.Inf(-1))
	for a := 0; a < 64; a++ {
		v := q[a]
		if n[a] == 0 {
			v -= 10
		}
		if v > best {
			best = v
		}
	}
	return best
}

// argmaxVisited prefers visited moves, then higher Q.
func argmaxVisited(q, n [64]float32, legal uint64) int {
	best, bestV := game.NoMove, float32(math.Inf(-1))
	for _, a := range game.Squares(legal) {
		v := q[a]
		if n[a] > 0 {
			v += 100
		}
		if v > bestV {
			best, bestV = a, v
		}
	}
	return best
}

func argmaxLegal(n [64]float32, legal uint64) int {
	best, bestN := game.NoMove, float32(-1)
	for _, a := range game.Squares(legal) {
		if n[a] > bestN {
			best, bestN = a, n[a]
		}
	}
	return best
}

func sampleAction(rng *rand.Rand, policy []float32) int {
	r := rng.Float32()
	cumulative := float32(0)
	last := game.NoMove
	for i, pr := range policy {
		if pr <= 0 {
			continue
		}
		last = i
		cumulative += pr
		if r < cumulative {
			return i
		}
	}
	return last
}

func colorSign(c game.Color) float32 {
	if c == game.Black {
		return 1
	}
	return -1
}

func signum(x int) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
