package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brensch/reversi/config"
	"github.com/brensch/reversi/executor/arena"
	"github.com/brensch/reversi/executor/inference"
	"github.com/brensch/reversi/executor/mcts"
	"github.com/brensch/reversi/executor/selfplay"
	"github.com/brensch/reversi/logx"
	"github.com/brensch/reversi/store"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var totalMoves atomic.Int64
var totalInferences atomic.Int64

type instrumentedClient struct {
	mcts.Predictor
}

func (c *instrumentedClient) Predict(ctx context.Context, input []float32, n int) ([]float32, []float32, error) {
	totalInferences.Add(int64(n))
	return c.Predictor.Predict(ctx, input, n)
}

const usage = `usage: executor <command> [flags]

commands:
  self-play   generate training games with the best model
  serve       serve the best model to remote self-play workers
  evaluate    play a candidate model against the best model
  optimize    prune generated batches and report row counts
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "self-play":
		err = runSelfPlay(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "evaluate":
		err = runEvaluate(ctx, args)
	case "optimize":
		err = runOptimize(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// loadConfig registers the shared -config and -preset flags and parses args.
func loadConfig(fs *flag.FlagSet, args []string) (config.Config, zerolog.Logger, error) {
	path := fs.String("config", "", "JSON config file (optional)")
	preset := fs.String("preset", "normal", "Config preset: normal or mini")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}
	cfg, err := config.Load(*path, *preset)
	if err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}
	return cfg, logx.NewLogger(cfg.LogLevel), nil
}

// startService loads model and runs a batching service in g until ctx is done.
func startService(ctx context.Context, g *errgroup.Group, cfg config.Config, model inference.Model, logger zerolog.Logger) (*inference.Service, error) {
	svc, err := inference.NewService(ctx, model, cfg.Service(), logger)
	if err != nil {
		return nil, err
	}
	g.Go(func() error { return svc.Run(ctx) })
	return svc, nil
}

func runSelfPlay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("self-play", flag.ExitOnError)
	useTUI := fs.Bool("tui", false, "Show a live dashboard instead of periodic stats logs")
	maxGames := fs.Int("max-games", 0, "If > 0, stop after this many games (across all workers)")
	trace := fs.Bool("trace", false, "Log every board of worker 0 at trace level")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *useTUI {
		// Keep log lines from tearing the dashboard.
		if err := os.MkdirAll(cfg.Resource.DataDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(cfg.Resource.DataDir, "self-play.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger = logger.Output(zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: time.RFC3339})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var (
		newPredictor selfplay.PredictorFactory
		digest       func() string
		stats        func() inference.RuntimeStats
	)
	if url := cfg.Inference.RemoteURL; url != "" {
		client, err := inference.DialRemote(gctx, url)
		if err != nil {
			return err
		}
		defer client.Close()
		// The remote client multiplexes every worker over one connection.
		newPredictor = selfplay.SharedPredictor(&instrumentedClient{Predictor: client})
		digest = func() string { return "remote" }
		logger.Info().Str("url", url).Msg("using remote evaluator")
	} else {
		svc, err := startService(gctx, g, cfg, cfg.Model(), logger)
		if err != nil {
			return err
		}
		newPredictor = func(int) mcts.Predictor {
			return &instrumentedClient{Predictor: svc.NewEndpoint()}
		}
		digest = svc.Digest
		stats = svc.Stats
	}

	updates := make(chan GameUpdate, 64)
	pool := selfplay.NewPool(cfg, newPredictor, logger, selfplay.PoolOptions{
		MaxGames:    *maxGames,
		Digest:      digest,
		TraceWorker: *trace,
		OnMove:      func() { totalMoves.Add(1) },
		OnGame: func(r selfplay.GameResult) {
			select {
			case updates <- GameUpdate{Result: r}:
			default:
			}
		},
	})
	g.Go(func() error {
		// The service and the stats loop stop with the pool.
		defer cancel()
		err := pool.Run(gctx)
		if inference.IsUnavailable(err) {
			logger.Error().Err(err).Msg("evaluator unavailable")
		}
		return err
	})

	if *useTUI {
		p := tea.NewProgram(initialModel(updates, stats), tea.WithAltScreen(), tea.WithContext(gctx))
		g.Go(func() error {
			_, err := p.Run()
			cancel()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
	} else {
		g.Go(func() error {
			statsLoop(gctx, logger, updates, stats)
			return nil
		})
	}

	err = g.Wait()
	logger.Info().Int64("moves", totalMoves.Load()).Int64("inferences", totalInferences.Load()).Msg("self-play stopped")
	return err
}

func statsLoop(ctx context.Context, logger zerolog.Logger, updates <-chan GameUpdate, stats func() inference.RuntimeStats) {
	start := time.Now()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	games := 0
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			games++
			r := u.Result
			logger.Info().Int("game_idx", r.GameIdx).Str("winner", r.Winner.String()).Int("black", r.Black).Int("white", r.White).
				Int("turns", r.Turns).Bool("resigned", r.Resigned).Int("rows", len(r.Rows)).Dur("took", r.Duration).Msg("game")
		case <-ticker.C:
			secs := time.Since(start).Seconds()
			ev := logger.Info().
				Float64("games_per_sec", float64(games)/secs).
				Float64("moves_per_sec", float64(totalMoves.Load())/secs).
				Float64("inferences_per_sec", float64(totalInferences.Load())/secs)
			if stats != nil {
				st := stats()
				ev = ev.Float64("avg_batch", st.AvgBatchSize).Int("queue", st.QueueLen).Float64("avg_run_ms", st.AvgRunMs)
			}
			ev.Msg("stats")
		}
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (defaults to inference.listen_addr)")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *addr == "" {
		*addr = cfg.Inference.ListenAddr
	}

	g, gctx := errgroup.WithContext(ctx)
	svc, err := startService(gctx, g, cfg, cfg.Model(), logger)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/predict", inference.NewWebsocketHandler(svc, logger))
	srv := &http.Server{Addr: *addr, Handler: mux}

	g.Go(func() error {
		logger.Info().Str("addr", *addr).Str("digest", svc.Digest()).Msg("serving evaluator")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runEvaluate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	candidatePath := fs.String("candidate", "", "Candidate ONNX model")
	games := fs.Int("games", 0, "Number of games (defaults to eval.game_num)")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *candidatePath == "" {
		return errors.New("-candidate is required")
	}
	if *games <= 0 {
		*games = cfg.Eval.GameNum
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	bestSvc, err := startService(gctx, g, cfg, cfg.Model(), logger.With().Str("model", "best").Logger())
	if err != nil {
		return err
	}
	candSvc, err := startService(gctx, g, cfg, cfg.FileModel(*candidatePath), logger.With().Str("model", "candidate").Logger())
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	var res arena.Result
	g.Go(func() error {
		defer cancel()
		var err error
		res, err = arena.Play(gctx, cfg, bestSvc.NewEndpoint(), candSvc.NewEndpoint(), *games, logger)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Int("wins", res.Wins).Int("losses", res.Losses).Int("draws", res.Draws).
		Float64("win_rate", res.WinRate()).Bool("stopped_early", res.Stopped).Msg("evaluation finished")
	if res.Stopped || res.WinRate() < cfg.Eval.ReplaceRate {
		logger.Info().Msg("candidate rejected")
		return nil
	}
	if err := copyFileAtomic(*candidatePath, cfg.Resource.BestModelPath); err != nil {
		return fmt.Errorf("promote candidate: %w", err)
	}
	logger.Info().Str("path", cfg.Resource.BestModelPath).Msg("candidate promoted to best model")
	return nil
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func runOptimize(args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	dir := cfg.Resource.PlayDataDir
	removed, err := store.PruneBatches(dir, cfg.PlayData.MaxFileNum)
	if err != nil {
		return err
	}
	batches, err := store.ListBatches(dir)
	if err != nil {
		return err
	}
	var total int64
	for _, b := range batches {
		n, err := store.CountRows(b)
		if err != nil {
			logger.Warn().Err(err).Str("path", b).Msg("unreadable batch")
			continue
		}
		total += n
	}
	logger.Info().Str("dir", dir).Int("removed", len(removed)).Int("batches", len(batches)).Int64("rows", total).Msg("play data ready")
	return nil
}
