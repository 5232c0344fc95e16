package inference

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/brensch/reversi/executor/convert"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

const ValueSize = 1

type OnnxOptions struct {
	// ApplySoftmax normalises the policy head when the exported graph emits
	// logits.
	ApplySoftmax bool
	// UseCUDA tries the CUDA provider and falls back to CPU.
	UseCUDA bool
}

// OnnxEvaluator runs a dual-head model with input "input" [N,2,8,8] and
// outputs "policy" [N,64] and "value" [N,1].
type OnnxEvaluator struct {
	session *ort.DynamicAdvancedSession
	opts    OnnxOptions
	mu      sync.Mutex
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxEvaluator(modelPath string, opts OnnxOptions) (*OnnxEvaluator, error) {
	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
				"libonnxruntime.so.1.23.2",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("%w: init onnxruntime: %w", ErrModelLoad, ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %w", ErrModelLoad, err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if opts.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				log.Warn().Err(err).Msg("cuda provider unavailable, using cpu")
			} else {
				log.Info().Msg("cuda provider enabled")
			}
		} else {
			log.Warn().Err(err).Msg("failed to create cuda options")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{"input"}, []string{"policy", "value"}, options)
	if err != nil {
		return nil, fmt.Errorf("%w: create session for %s: %w", ErrModelLoad, modelPath, err)
	}
	return &OnnxEvaluator{session: session, opts: opts}, nil
}

func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	// CUDA libraries installed by pip into the project's .venv.
	candidateDirs := []string{cwd}
	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "onnxruntime", "capi"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p != "" {
			existingSet[p] = true
		}
	}

	toAdd := make([]string, 0, len(candidateDirs))
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}

	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}

func (e *OnnxEvaluator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Destroy()
}

func (e *OnnxEvaluator) Evaluate(input []float32, n int) ([]float32, []float32, error) {
	if n == 0 {
		return nil, nil, nil
	}
	if len(input) != n*convert.FloatSize {
		return nil, nil, fmt.Errorf("onnx evaluate: input holds %d floats for %d positions", len(input), n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	batch := int64(n)
	inputTensor, err := ort.NewTensor(ort.NewShape(batch, convert.Channels, convert.Height, convert.Width), input)
	if err != nil {
		return nil, nil, err
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(batch, convert.PolicySize))
	if err != nil {
		return nil, nil, err
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(batch, ValueSize))
	if err != nil {
		return nil, nil, err
	}
	defer valueTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		return nil, nil, fmt.Errorf("onnx run: %w", err)
	}

	policy := make([]float32, n*convert.PolicySize)
	copy(policy, policyTensor.GetData())
	value := make([]float32, n)
	copy(value, valueTensor.GetData())

	if e.opts.ApplySoftmax {
		for i := 0; i < n; i++ {
			softmax(policy[i*convert.PolicySize : (i+1)*convert.PolicySize])
		}
	}
	return policy, value, nil
}

func softmax(x []float32) {
	maxV := x[0]
	for _, v := range x[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxV))
		x[i] = float32(e)
		sum += e
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / sum)
	}
}
