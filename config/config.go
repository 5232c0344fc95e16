// Package config loads the JSON configuration shared by every subcommand.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brensch/reversi/executor/inference"
	"github.com/brensch/reversi/executor/mcts"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as a string like "100us" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(b, &ns); err != nil {
		return fmt.Errorf("duration must be a string or nanoseconds: %s", b)
	}
	*d = Duration(ns)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	LogLevel  string          `json:"log_level"`
	Resource  ResourceConfig  `json:"resource"`
	Play      PlayConfig      `json:"play"`
	PlayData  PlayDataConfig  `json:"play_data"`
	Eval      EvalConfig      `json:"eval"`
	Inference InferenceConfig `json:"inference"`
}

type ResourceConfig struct {
	DataDir       string `json:"data_dir"`
	BestModelPath string `json:"best_model_path"`
	PlayDataDir   string `json:"play_data_dir"`
	GGFDataDir    string `json:"ggf_data_dir"`
	DebugDir      string `json:"debug_dir"`
	GameIdxFile   string `json:"game_idx_file"`
	// ForceSimulationNumFile, when it holds an integer, overrides the
	// simulation schedule for every game.
	ForceSimulationNumFile string `json:"force_simulation_num_file"`
}

type SimulationStep struct {
	MinGameIdx int `json:"min_game_idx"`
	Sims       int `json:"sims"`
}

type PlayConfig struct {
	SimulationsPerMove          int     `json:"simulation_num_per_move"`
	ThinkingLoop                int     `json:"thinking_loop"`
	RequiredVisitToDecideAction float32 `json:"required_visit_to_decide_action"`
	StartRethinkingTurn         int     `json:"start_rethinking_turn"`
	CPuct                       float32 `json:"c_puct"`
	NoiseEps                    float32 `json:"noise_eps"`
	DirichletAlpha              float64 `json:"dirichlet_alpha"`
	ChangeTauTurn               int     `json:"change_tau_turn"`
	VirtualLoss                 float32 `json:"virtual_loss"`

	PredictionQueueSize   int      `json:"prediction_queue_size"`
	ParallelSearchNum     int      `json:"parallel_search_num"`
	PredictionWorkerSleep Duration `json:"prediction_worker_sleep"`

	ResignThreshold        float32 `json:"resign_threshold"`
	DisableResignCheck     bool    `json:"disable_resign_check"`
	AllowedResignTurn      int     `json:"allowed_resign_turn"`
	DisableResignationRate float64 `json:"disable_resignation_rate"`
	FalsePositiveThreshold float64 `json:"false_positive_threshold"`
	ResignThresholdDelta   float32 `json:"resign_threshold_delta"`

	PolicyDecayTurn  int     `json:"policy_decay_turn"`
	PolicyDecayPower float64 `json:"policy_decay_power"`

	UseSolverTurn int      `json:"use_solver_turn"`
	SolverTimeout Duration `json:"solver_timeout"`

	SkipFirstMoveSearch bool `json:"skip_first_move_search"`
	MirrorStats         bool `json:"mirror_stats"`

	Workers            int              `json:"workers"`
	ShareStats         bool             `json:"share_mcts_info_in_self_play"`
	ResetStatsPerGame  int              `json:"reset_mcts_info_per_game"`
	SimulationSchedule []SimulationStep `json:"schedule_of_simulation_num_per_move"`
	WorkerRestartDelay Duration         `json:"worker_restart_delay"`
}

type PlayDataConfig struct {
	NbGameInFile      int     `json:"nb_game_in_file"`
	MaxFileNum        int     `json:"max_file_num"`
	SavePolicyTau1    bool    `json:"save_policy_of_tau_1"`
	AugmentSymmetries bool    `json:"augment_symmetries"`
	DropDrawGameRate  float64 `json:"drop_draw_game_rate"`
	EnableGGF         bool    `json:"enable_ggf_data"`
	NbGameInGGFFile   int     `json:"nb_game_in_ggf_file"`
}

type EvalConfig struct {
	GameNum            int     `json:"game_num"`
	ReplaceRate        float64 `json:"replace_rate"`
	SimulationsPerMove int     `json:"simulation_num_per_move"`
	ThinkingLoop       int     `json:"thinking_loop"`
	CPuct              float32 `json:"c_puct"`
	Workers            int     `json:"workers"`
}

type InferenceConfig struct {
	QueueSize          int      `json:"queue_size"`
	ModelCheckInterval Duration `json:"model_check_interval"`
	ReloadAttempts     int      `json:"reload_attempts"`
	ReloadBackoff      Duration `json:"reload_backoff"`
	ApplySoftmax       bool     `json:"apply_softmax"`
	UseCUDA            bool     `json:"use_cuda"`
	// RemoteURL points self-play at a serve process instead of a local model.
	RemoteURL  string `json:"remote_url"`
	ListenAddr string `json:"listen_addr"`
}

func Default() Config {
	dataDir := "data"
	if v := os.Getenv("DATA_DIR"); v != "" {
		dataDir = v
	}
	return Config{
		LogLevel: "info",
		Resource: resourceFor(dataDir),
		Play: PlayConfig{
			SimulationsPerMove:          500,
			ThinkingLoop:                2,
			RequiredVisitToDecideAction: 40,
			StartRethinkingTurn:         10,
			CPuct:                       1.5,
			NoiseEps:                    0.25,
			DirichletAlpha:              0.5,
			ChangeTauTurn:               10,
			VirtualLoss:                 3,
			PredictionQueueSize:         16,
			ParallelSearchNum:           16,
			PredictionWorkerSleep:       Duration(100 * time.Microsecond),
			ResignThreshold:             -0.9,
			AllowedResignTurn:           20,
			DisableResignationRate:      0.1,
			FalsePositiveThreshold:      0.05,
			ResignThresholdDelta:        0.01,
			PolicyDecayTurn:             60,
			PolicyDecayPower:            3,
			UseSolverTurn:               50,
			SolverTimeout:               Duration(100 * time.Millisecond),
			SkipFirstMoveSearch:         true,
			Workers:                     4,
			ShareStats:                  true,
			ResetStatsPerGame:           1,
			WorkerRestartDelay:          Duration(5 * time.Second),
		},
		PlayData: PlayDataConfig{
			NbGameInFile:      20,
			MaxFileNum:        500,
			SavePolicyTau1:    true,
			AugmentSymmetries: true,
			EnableGGF:         true,
			NbGameInGGFFile:   20,
		},
		Eval: EvalConfig{
			GameNum:            200,
			ReplaceRate:        0.55,
			SimulationsPerMove: 100,
			ThinkingLoop:       5,
			CPuct:              1.5,
			Workers:            4,
		},
		Inference: InferenceConfig{
			QueueSize:          1024,
			ModelCheckInterval: Duration(time.Minute),
			ReloadAttempts:     5,
			ReloadBackoff:      Duration(time.Second),
			ApplySoftmax:       false,
			UseCUDA:            true,
			ListenAddr:         ":8765",
		},
	}
}

// Mini is a small preset for smoke runs on a laptop.
func Mini() Config {
	c := Default()
	c.Play.SimulationsPerMove = 10
	c.Play.CPuct = 5
	c.Play.ParallelSearchNum = 4
	c.Play.PredictionWorkerSleep = Duration(10 * time.Microsecond)
	c.Play.ResignThreshold = -0.8
	c.Play.AllowedResignTurn = 10
	c.Play.PolicyDecayTurn = 30
	c.Play.PolicyDecayPower = 2
	c.Play.Workers = 2
	c.Play.ResetStatsPerGame = 10
	c.Play.SimulationSchedule = []SimulationStep{{MinGameIdx: 0, Sims: 8}, {MinGameIdx: 1000, Sims: 20}}
	c.PlayData.NbGameInFile = 2
	c.PlayData.MaxFileNum = 10
	c.PlayData.NbGameInGGFFile = 2
	c.Eval.GameNum = 100
	c.Eval.SimulationsPerMove = 10
	c.Eval.ThinkingLoop = 2
	c.Eval.CPuct = 1
	c.Eval.Workers = 2
	c.Inference.UseCUDA = false
	return c
}

func Preset(name string) (Config, error) {
	switch name {
	case "", "normal":
		return Default(), nil
	case "mini":
		return Mini(), nil
	}
	return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, name)
}

func resourceFor(dataDir string) ResourceConfig {
	return ResourceConfig{
		DataDir:                dataDir,
		BestModelPath:          filepath.Join(dataDir, "model", "best.onnx"),
		PlayDataDir:            filepath.Join(dataDir, "play_data"),
		GGFDataDir:             filepath.Join(dataDir, "ggf"),
		DebugDir:               filepath.Join(dataDir, "debug"),
		GameIdxFile:            filepath.Join(dataDir, "game_idx"),
		ForceSimulationNumFile: filepath.Join(dataDir, "force_simulation_num"),
	}
}

// Load reads path over the named preset. Fields missing from the file keep
// their preset values.
func Load(path, preset string) (Config, error) {
	c, err := Preset(preset)
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return c, c.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	p := c.Play
	check(p.SimulationsPerMove > 0, "simulation_num_per_move must be positive")
	check(p.ThinkingLoop > 0, "thinking_loop must be positive")
	check(p.ParallelSearchNum > 0, "parallel_search_num must be positive")
	check(p.PredictionQueueSize > 0, "prediction_queue_size must be positive")
	check(p.CPuct > 0, "c_puct must be positive")
	check(p.NoiseEps >= 0 && p.NoiseEps <= 1, "noise_eps must be in [0,1]")
	check(p.NoiseEps == 0 || p.DirichletAlpha > 0, "dirichlet_alpha must be positive when noise is on")
	check(p.VirtualLoss >= 0, "virtual_loss must not be negative")
	check(p.DisableResignationRate >= 0 && p.DisableResignationRate <= 1, "disable_resignation_rate must be in [0,1]")
	check(p.Workers > 0, "workers must be positive")
	check(p.UseSolverTurn >= 0, "use_solver_turn must not be negative")
	for i, s := range p.SimulationSchedule {
		check(s.Sims > 0, "schedule entry %d has no simulations", i)
		check(i == 0 || s.MinGameIdx >= p.SimulationSchedule[i-1].MinGameIdx, "schedule must be sorted by min_game_idx")
	}
	check(c.PlayData.NbGameInFile > 0, "nb_game_in_file must be positive")
	check(!c.PlayData.EnableGGF || c.PlayData.NbGameInGGFFile > 0, "nb_game_in_ggf_file must be positive")
	check(c.PlayData.DropDrawGameRate >= 0 && c.PlayData.DropDrawGameRate <= 1, "drop_draw_game_rate must be in [0,1]")
	check(c.Eval.ReplaceRate >= 0 && c.Eval.ReplaceRate <= 1, "replace_rate must be in [0,1]")
	check(c.Inference.QueueSize > 0, "inference queue_size must be positive")
	check(c.Resource.DataDir != "", "data_dir is required")
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// MCTS returns the search settings used by self-play.
func (c Config) MCTS() mcts.Config {
	p := c.Play
	return mcts.Config{
		SimulationsPerMove:          p.SimulationsPerMove,
		ThinkingLoop:                p.ThinkingLoop,
		RequiredVisitToDecideAction: p.RequiredVisitToDecideAction,
		StartRethinkingTurn:         p.StartRethinkingTurn,
		CPuct:                       p.CPuct,
		NoiseEps:                    p.NoiseEps,
		DirichletAlpha:              p.DirichletAlpha,
		ChangeTauTurn:               p.ChangeTauTurn,
		VirtualLoss:                 p.VirtualLoss,
		PredictionQueueSize:         p.PredictionQueueSize,
		ParallelSearchNum:           p.ParallelSearchNum,
		PredictionWorkerSleep:       p.PredictionWorkerSleep.D(),
		ResignThreshold:             p.ResignThreshold,
		DisableResignCheck:          p.DisableResignCheck,
		AllowedResignTurn:           p.AllowedResignTurn,
		PolicyDecayTurn:             p.PolicyDecayTurn,
		PolicyDecayPower:            p.PolicyDecayPower,
		UseSolverTurn:               p.UseSolverTurn,
		SolverTimeout:               p.SolverTimeout.D(),
		SkipFirstMoveSearch:         p.SkipFirstMoveSearch,
		MirrorStats:                 p.MirrorStats,
		SavePolicyTau1:              c.PlayData.SavePolicyTau1,
	}
}

// EvalMCTS returns search settings for evaluation matches: no noise and
// greedy move choice from the first turn.
func (c Config) EvalMCTS() mcts.Config {
	m := c.MCTS()
	m.SimulationsPerMove = c.Eval.SimulationsPerMove
	m.ThinkingLoop = c.Eval.ThinkingLoop
	m.CPuct = c.Eval.CPuct
	m.NoiseEps = 0
	m.ChangeTauTurn = 0
	m.SkipFirstMoveSearch = false
	return m
}

func (c Config) Service() inference.ServiceConfig {
	return inference.ServiceConfig{
		QueueSize:          c.Inference.QueueSize,
		ModelCheckInterval: c.Inference.ModelCheckInterval.D(),
		ReloadAttempts:     c.Inference.ReloadAttempts,
		ReloadBackoff:      c.Inference.ReloadBackoff.D(),
	}
}

// Model returns the best model file, or a uniform model when none exists yet.
func (c Config) Model() inference.Model {
	if _, err := os.Stat(c.Resource.BestModelPath); err != nil {
		return inference.UniformModel{}
	}
	return c.FileModel(c.Resource.BestModelPath)
}

func (c Config) FileModel(path string) inference.FileModel {
	return inference.FileModel{
		Path: path,
		Options: inference.OnnxOptions{
			ApplySoftmax: c.Inference.ApplySoftmax,
			UseCUDA:      c.Inference.UseCUDA,
		},
	}
}
