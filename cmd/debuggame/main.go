package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brensch/reversi/config"
	"github.com/brensch/reversi/executor/inference"
	"github.com/brensch/reversi/executor/selfplay"
	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/logx"
	"github.com/brensch/reversi/rules"
	"github.com/brensch/reversi/store"
	"github.com/muesli/termenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "JSON config file (optional)")
	preset := flag.String("preset", "normal", "Config preset: normal or mini")
	modelPath := flag.String("model", "", "ONNX model (defaults to the best model, or a uniform evaluator if none exists)")
	outDir := flag.String("out-dir", "", "Output directory (defaults to resource.debug_dir)")
	sims := flag.Int("sims", 100, "Number of MCTS simulations per move")
	cpuct := flag.Float64("cpuct", 1.5, "MCTS exploration constant")
	show := flag.Bool("show", false, "Print every board as it is played")
	flag.Parse()

	cfg, err := config.Load(*configPath, *preset)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logx.NewLogger(cfg.LogLevel)
	if *outDir == "" {
		*outDir = cfg.Resource.DebugDir
	}

	model := cfg.Model()
	if *modelPath != "" {
		model = cfg.FileModel(*modelPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	svc, err := inference.NewService(gctx, model, cfg.Service(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load model")
	}
	g.Go(func() error { return svc.Run(gctx) })

	mcfg := cfg.EvalMCTS()
	mcfg.SimulationsPerMove = *sims
	mcfg.CPuct = float32(*cpuct)

	logger.Info().Str("digest", svc.Digest()).Int("sims", *sims).Float64("cpuct", *cpuct).Msg("generating debug game")

	profile := termenv.EnvColorProfile()
	onProgress := func(p selfplay.DebugProgress) {
		fmt.Printf("  Turn %2d | %-5s %s | q=%+.3f n=%.0f\n", p.Turn, p.Mover, p.Move, p.Q, p.N)
	}
	result, err := selfplay.PlayDebugGame(gctx, mcfg, svc.NewEndpoint(), onProgress)
	cancel()
	_ = g.Wait()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to generate debug game")
	}

	if *show {
		for _, t := range result.Turns {
			next := game.Black
			if t.Next == game.White.String() {
				next = game.White
			}
			move, _ := game.MoveToAction(t.Move)
			fmt.Printf("%s to play %s\n", t.Next, t.Move)
			fmt.Print(selfplay.RenderBoard(profile, rules.FromBoards(t.Black, t.White, next), move))
		}
	}
	fmt.Print(selfplay.RenderBoard(profile, result.Final, game.NoMove))

	path, err := store.WriteDebugGameParquet(*outDir, result.GameID, result.Turns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to write debug game")
	}
	logger.Info().Str("path", path).Int("turns", result.TurnCount).Str("winner", result.Final.Winner.String()).Msg("debug game written")
}
