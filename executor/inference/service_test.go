package inference

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brensch/reversi/executor/convert"
	"github.com/brensch/reversi/game"
	"github.com/rs/zerolog"
)

// countingEvaluator values each position by its own-stone count plus offset.
type countingEvaluator struct {
	offset float32
	err    error
	calls  atomic.Int64
	closed atomic.Bool
}

func (e *countingEvaluator) Evaluate(input []float32, n int) ([]float32, []float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, nil, e.err
	}
	policy := make([]float32, n*convert.PolicySize)
	value := make([]float32, n)
	for i := 0; i < n; i++ {
		own, _ := convert.DecodePlanes(input[i*convert.FloatSize : (i+1)*convert.FloatSize])
		value[i] = float32(game.PopCount(own)) + e.offset
	}
	return policy, value, nil
}

func (e *countingEvaluator) Close() error {
	e.closed.Store(true)
	return nil
}

type testModel struct {
	mu      sync.Mutex
	digest  string
	eval    Evaluator
	loadErr error
	loads   int
}

func (m *testModel) Digest() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digest, nil
}

func (m *testModel) Load() (Evaluator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.eval, nil
}

func (m *testModel) set(digest string, eval Evaluator, loadErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digest, m.eval, m.loadErr = digest, eval, loadErr
}

func (m *testModel) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

func testServiceConfig() ServiceConfig {
	return ServiceConfig{
		QueueSize:          16,
		ModelCheckInterval: time.Hour,
		ReloadAttempts:     2,
		ReloadBackoff:      time.Millisecond,
	}
}

func encode(own, enemy uint64) []float32 {
	buf := make([]float32, convert.FloatSize)
	convert.EncodePlanes(buf, own, enemy)
	return buf
}

func startService(t *testing.T, svc *Service) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestServiceBatchesQueuedRequests(t *testing.T) {
	eval := &countingEvaluator{}
	svc, err := NewService(context.Background(), &testModel{digest: "a", eval: eval}, testServiceConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	const k = 8
	values := make([]float32, k)
	errs := make([]error, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			own := uint64(1)<<uint(i+1) - 1
			_, v, err := svc.NewEndpoint().Predict(context.Background(), encode(own, 0), 1)
			errs[i] = err
			if err == nil {
				values[i] = v[0]
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(svc.requests) < k {
		if time.Now().After(deadline) {
			t.Fatalf("only %d requests queued", len(svc.requests))
		}
		time.Sleep(time.Millisecond)
	}
	stop := startService(t, svc)
	defer stop()
	wg.Wait()

	for i := 0; i < k; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if values[i] != float32(i+1) {
			t.Fatalf("request %d got value %v want %d", i, values[i], i+1)
		}
	}
	if calls := eval.calls.Load(); calls != 1 {
		t.Fatalf("evaluator called %d times want 1", calls)
	}
	if st := svc.Stats(); st.TotalItems != k || st.LastBatchSize != k {
		t.Fatalf("stats=%+v", st)
	}
}

func TestServiceMultiPositionRequest(t *testing.T) {
	svc, err := NewService(context.Background(), &testModel{digest: "a", eval: &countingEvaluator{}}, testServiceConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	stop := startService(t, svc)
	defer stop()

	input := append(encode(0b1, 0), encode(0b111, 0)...)
	policy, value, err := svc.NewEndpoint().Predict(context.Background(), input, 2)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(policy) != 2*convert.PolicySize || len(value) != 2 || value[0] != 1 || value[1] != 3 {
		t.Fatalf("policy=%d value=%v", len(policy), value)
	}
}

func TestServiceErrorReachesEveryWaiter(t *testing.T) {
	errBroken := errors.New("broken weights")
	svc, err := NewService(context.Background(), &testModel{digest: "a", eval: &countingEvaluator{err: errBroken}}, testServiceConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	stop := startService(t, svc)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.NewEndpoint().Predict(context.Background(), encode(1, 2), 1)
			if !errors.Is(err, errBroken) || !errors.Is(err, ErrEvaluatorUnavailable) {
				t.Errorf("err=%v", err)
			}
		}()
	}
	wg.Wait()
}

func TestServiceReloadsChangedModel(t *testing.T) {
	oldEval := &countingEvaluator{}
	model := &testModel{digest: "a", eval: oldEval}
	cfg := testServiceConfig()
	cfg.ModelCheckInterval = 5 * time.Millisecond
	svc, err := NewService(context.Background(), model, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	stop := startService(t, svc)
	defer stop()

	model.set("b", &countingEvaluator{offset: 100}, nil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, v, err := svc.NewEndpoint().Predict(context.Background(), encode(1, 0), 1)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if v[0] == 101 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("model never reloaded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if svc.Digest() != "b" {
		t.Fatalf("digest=%q want b", svc.Digest())
	}
	if !oldEval.closed.Load() {
		t.Fatalf("previous evaluator not closed")
	}
}

func TestServiceKeepsModelWhenReloadFails(t *testing.T) {
	model := &testModel{digest: "a", eval: &countingEvaluator{}}
	cfg := testServiceConfig()
	cfg.ModelCheckInterval = 5 * time.Millisecond
	svc, err := NewService(context.Background(), model, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	stop := startService(t, svc)
	defer stop()

	model.set("b", nil, errors.New("truncated file"))
	time.Sleep(50 * time.Millisecond)

	_, v, err := svc.NewEndpoint().Predict(context.Background(), encode(0b11, 0), 1)
	if err != nil || v[0] != 2 {
		t.Fatalf("predict=%v err=%v", v, err)
	}
	if svc.Digest() != "a" {
		t.Fatalf("digest=%q want a", svc.Digest())
	}
}

func TestServiceServesDuringFailingReload(t *testing.T) {
	model := &testModel{digest: "a", eval: &countingEvaluator{}}
	cfg := testServiceConfig()
	cfg.ModelCheckInterval = 5 * time.Millisecond
	cfg.ReloadAttempts = 3
	cfg.ReloadBackoff = 100 * time.Millisecond
	svc, err := NewService(context.Background(), model, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	stop := startService(t, svc)
	defer stop()

	model.set("b", nil, errors.New("truncated file"))
	deadline := time.Now().Add(2 * time.Second)
	for model.loadCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("reload never started")
		}
		time.Sleep(time.Millisecond)
	}

	// The reload is now sleeping between attempts.
	start := time.Now()
	_, v, err := svc.NewEndpoint().Predict(context.Background(), encode(0b111, 0), 1)
	if err != nil || v[0] != 3 {
		t.Fatalf("predict=%v err=%v", v, err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("predict took %v during reload", elapsed)
	}

	// One initial load plus three attempts, and the failed digest is not
	// retried on later ticks.
	time.Sleep(800 * time.Millisecond)
	if loads := model.loadCount(); loads != 4 {
		t.Fatalf("loads=%d want 4", loads)
	}
	if svc.Digest() != "a" {
		t.Fatalf("digest=%q want a", svc.Digest())
	}

	model.set("c", &countingEvaluator{offset: 100}, nil)
	deadline = time.Now().Add(2 * time.Second)
	for svc.Digest() != "c" {
		if time.Now().After(deadline) {
			t.Fatalf("model never reloaded after the file changed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewServiceFailsWhenModelNeverLoads(t *testing.T) {
	model := &testModel{digest: "a", loadErr: errors.New("missing")}
	_, err := NewService(context.Background(), model, testServiceConfig(), zerolog.Nop())
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("err=%v want ErrModelLoad", err)
	}
	if model.loads != 2 {
		t.Fatalf("loads=%d want 2", model.loads)
	}
}

func TestServiceClosed(t *testing.T) {
	svc, err := NewService(context.Background(), UniformModel{}, testServiceConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	stop := startService(t, svc)
	stop()
	_, _, err = svc.NewEndpoint().Predict(context.Background(), encode(1, 2), 1)
	if !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("err=%v want ErrServiceClosed", err)
	}
}

func TestFileModelDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(path, []byte("weights v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := FileModel{Path: path}
	d1, err := m.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d2, _ := m.Digest(); d2 != d1 || len(d1) != 32 {
		t.Fatalf("unstable digest %q %q", d1, d2)
	}
	if err := os.WriteFile(path, []byte("weights v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if d3, _ := m.Digest(); d3 == d1 {
		t.Fatalf("digest unchanged after rewrite")
	}
	if _, err := (FileModel{Path: filepath.Join(t.TempDir(), "missing")}).Digest(); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestUniformEvaluator(t *testing.T) {
	policy, value, err := UniformEvaluator{Value: 0.5}.Evaluate(encode(game.InitialBlack, game.InitialWhite), 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for sq, p := range policy {
		want := float32(0)
		switch sq {
		case 19, 26, 37, 44:
			want = 0.25
		}
		if p != want {
			t.Fatalf("policy[%d]=%v want %v", sq, p, want)
		}
	}
	if value[0] != 0.5 {
		t.Fatalf("value=%v", value[0])
	}
}

func TestSoftmax(t *testing.T) {
	x := []float32{1, 2, 3, 1000}
	softmax(x)
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 || x[3] < 0.999 {
		t.Fatalf("softmax=%v", x)
	}
}
