package selfplay

import (
	"context"
	"time"

	"github.com/brensch/reversi/config"
	"github.com/brensch/reversi/executor/mcts"
	"github.com/brensch/reversi/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PoolOptions are optional hooks for a Pool. Callbacks run on the writer
// goroutine and must not block.
type PoolOptions struct {
	// MaxGames stops the pool after this many finished games; 0 runs until
	// the context is cancelled.
	MaxGames int
	Digest   func() string
	OnGame   func(GameResult)
	OnMove   func()
	// TraceWorker logs every board of worker 0 at trace level.
	TraceWorker bool
}

// PredictorFactory returns the predictor used by one worker. It is called
// once per worker when the pool starts.
type PredictorFactory func(worker int) mcts.Predictor

// SharedPredictor hands the same predictor to every worker.
func SharedPredictor(p mcts.Predictor) PredictorFactory {
	return func(int) mcts.Predictor { return p }
}

// Pool runs cfg.Play.Workers self-play workers and writes their games to
// parquet batches under cfg.Resource.PlayDataDir.
type Pool struct {
	cfg          config.Config
	newPredictor PredictorFactory
	log          zerolog.Logger
	opts         PoolOptions
}

func NewPool(cfg config.Config, newPredictor PredictorFactory, logger zerolog.Logger, opts PoolOptions) *Pool {
	return &Pool{cfg: cfg, newPredictor: newPredictor, log: logger, opts: opts}
}

// Run blocks until ctx is cancelled or MaxGames games were played. Games
// buffered for the current batch are flushed before returning.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	counter := OpenGameCounter(p.cfg.Resource.GameIdxFile)
	workers := max(p.cfg.Play.Workers, 1)
	results := make(chan GameResult, workers)

	p.log.Info().Int("workers", workers).Int("game_idx", counter.Value()).Str("out", p.cfg.Resource.PlayDataDir).Msg("starting self-play")

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- p.writerLoop(results, cancel)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		w := NewWorker(i, p.cfg, p.newPredictor(i), counter, p.log, WorkerOptions{
			Digest: p.opts.Digest,
			OnMove: p.opts.OnMove,
			Trace:  p.opts.TraceWorker && i == 0,
		})
		g.Go(func() error {
			return p.supervise(gctx, w, results)
		})
	}
	err := g.Wait()
	close(results)
	if werr := <-writerDone; werr != nil && err == nil {
		err = werr
	}
	return err
}

// supervise restarts a failed worker after WorkerRestartDelay. A zero delay
// makes the first failure fatal to the pool.
func (p *Pool) supervise(ctx context.Context, w *Worker, results chan<- GameResult) error {
	delay := p.cfg.Play.WorkerRestartDelay.D()
	for {
		err := w.Run(ctx, results)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if delay <= 0 {
			return err
		}
		w.log.Error().Err(err).Dur("restart_in", delay).Msg("worker failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// writerLoop buffers kept games into a BatchWriter and finalizes it every
// NbGameInFile games, pruning old batches afterwards.
func (p *Pool) writerLoop(in <-chan GameResult, stop context.CancelFunc) error {
	perFile := max(p.cfg.PlayData.NbGameInFile, 1)
	outDir := p.cfg.Resource.PlayDataDir

	var (
		bw       *store.BatchWriter
		firstErr error
		played   int
	)
	flush := func(final bool) {
		if bw == nil {
			return
		}
		sum, err := bw.Finalize()
		bw = nil
		if err != nil {
			p.log.Error().Err(err).Msg("parquet flush failed")
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if sum.Path == "" {
			return
		}
		p.log.Info().Str("path", sum.Path).Int("games", sum.Games).Int("rows", sum.Rows).
			Strs("digests", sum.Digests).Bool("final", final).Msg("parquet flush ok")
		if p.cfg.PlayData.MaxFileNum > 0 {
			removed, err := store.PruneBatches(outDir, p.cfg.PlayData.MaxFileNum)
			if err != nil {
				p.log.Warn().Err(err).Msg("prune batches failed")
			} else if len(removed) > 0 {
				p.log.Debug().Int("removed", len(removed)).Msg("pruned old batches")
			}
		}
	}

	for res := range in {
		played++
		if p.opts.OnGame != nil {
			p.opts.OnGame(res)
		}
		if p.opts.MaxGames > 0 && played >= p.opts.MaxGames {
			stop()
		}
		if len(res.Rows) == 0 {
			continue
		}
		if bw == nil {
			var err error
			if bw, err = store.NewBatchWriter(outDir); err != nil {
				p.log.Error().Err(err).Msg("open batch writer failed")
				if firstErr == nil {
					firstErr = err
				}
				stop()
				continue
			}
		}
		if err := bw.WriteGame(res.Rows); err != nil {
			p.log.Error().Err(err).Str("game", res.GameID).Msg("write game failed")
			continue
		}
		if bw.Games() >= perFile {
			flush(false)
		}
	}
	flush(true)
	return firstErr
}
