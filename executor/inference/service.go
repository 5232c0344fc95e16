package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brensch/reversi/executor/convert"
	"github.com/rs/zerolog"
)

type ServiceConfig struct {
	// QueueSize bounds the inbound request queue shared by all endpoints.
	QueueSize          int
	ModelCheckInterval time.Duration
	ReloadAttempts     int
	ReloadBackoff      time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		QueueSize:          1024,
		ModelCheckInterval: time.Minute,
		ReloadAttempts:     5,
		ReloadBackoff:      time.Second,
	}
}

type request struct {
	input []float32
	n     int
	resp  chan response
}

type response struct {
	policy []float32
	value  []float32
	err    error
}

// Service owns the evaluator and serves batched evaluations to any number of
// endpoints. Every request waiting when a batch starts goes into that batch.
type Service struct {
	model Model
	cfg   ServiceConfig
	log   zerolog.Logger

	eval     Evaluator
	digestMu sync.Mutex
	digest   string

	requests chan request
	done     chan struct{}
	stats    statsCounter

	// Owned by Run.
	reloaded  chan reload
	reloading bool
	failed    string
}

// reload carries the outcome of a background model load back to Run.
type reload struct {
	digest string
	eval   Evaluator
	err    error
}

// NewService loads the model, retrying ReloadAttempts times. The service does
// not evaluate anything until Run is called.
func NewService(ctx context.Context, model Model, cfg ServiceConfig, logger zerolog.Logger) (*Service, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultServiceConfig().QueueSize
	}
	if cfg.ModelCheckInterval <= 0 {
		cfg.ModelCheckInterval = DefaultServiceConfig().ModelCheckInterval
	}
	if cfg.ReloadAttempts <= 0 {
		cfg.ReloadAttempts = 1
	}
	s := &Service{
		model:    model,
		cfg:      cfg,
		log:      logger,
		requests: make(chan request, cfg.QueueSize),
		done:     make(chan struct{}),
		reloaded: make(chan reload),
	}
	digest, err := model.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	eval, err := s.loadWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	s.eval = eval
	s.setDigest(digest)
	s.log.Info().Str("digest", digest).Msg("model loaded")
	return s, nil
}

func (s *Service) loadWithRetry(ctx context.Context) (Evaluator, error) {
	backoff := s.cfg.ReloadBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReloadAttempts; attempt++ {
		eval, err := s.model.Load()
		if err == nil {
			return eval, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("model load failed")
		if attempt == s.cfg.ReloadAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	if errors.Is(lastErr, ErrModelLoad) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %w", ErrModelLoad, lastErr)
}

// Digest identifies the model currently served.
func (s *Service) Digest() string {
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	return s.digest
}

func (s *Service) setDigest(d string) {
	s.digestMu.Lock()
	s.digest = d
	s.digestMu.Unlock()
}

func (s *Service) Stats() RuntimeStats {
	return s.stats.snapshot(len(s.requests))
}

// Run serves requests until ctx is done. Waiters still queued at shutdown
// receive ErrServiceClosed.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ModelCheckInterval)
	defer ticker.Stop()
	defer s.shutdown()

	batch := make([]request, 0, 64)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-s.reloaded:
			s.swapModel(r)
		case <-ticker.C:
			s.checkModel(ctx)
			st := s.Stats()
			s.log.Info().
				Int64("batches", st.TotalBatches).
				Int64("items", st.TotalItems).
				Float64("avg_batch", st.AvgBatchSize).
				Float64("avg_run_ms", st.AvgRunMs).
				Int("queue", st.QueueLen).
				Msg("inference stats")
		case req := <-s.requests:
			batch = append(batch[:0], req)
		drain:
			for {
				select {
				case r := <-s.requests:
					batch = append(batch, r)
				default:
					break drain
				}
			}
			s.runBatch(batch)
		}
	}
}

func (s *Service) runBatch(batch []request) {
	total := 0
	for _, r := range batch {
		total += r.n
	}
	input := make([]float32, 0, total*convert.FloatSize)
	for _, r := range batch {
		input = append(input, r.input...)
	}

	start := time.Now()
	policy, value, err := s.eval.Evaluate(input, total)
	s.stats.record(int64(total), time.Since(start))
	if err == nil && (len(policy) < total*convert.PolicySize || len(value) < total) {
		err = fmt.Errorf("evaluator returned %d values for %d positions", len(value), total)
	}
	if err != nil {
		s.log.Error().Err(err).Int("positions", total).Msg("batch evaluation failed")
		for _, r := range batch {
			r.resp <- response{err: fmt.Errorf("%w: %w", ErrEvaluatorUnavailable, err)}
		}
		return
	}

	offset := 0
	for _, r := range batch {
		r.resp <- response{
			policy: policy[offset*convert.PolicySize : (offset+r.n)*convert.PolicySize],
			value:  value[offset : offset+r.n],
		}
		offset += r.n
	}
}

// checkModel starts a background load when the model digest changes. A
// digest whose load already failed is skipped until the file changes again.
func (s *Service) checkModel(ctx context.Context) {
	if s.reloading {
		return
	}
	digest, err := s.model.Digest()
	if err != nil {
		s.log.Warn().Err(err).Msg("model digest failed")
		return
	}
	if digest == s.Digest() || digest == s.failed {
		return
	}
	s.reloading = true
	go func() {
		eval, err := s.loadWithRetry(ctx)
		select {
		case s.reloaded <- reload{digest: digest, eval: eval, err: err}:
		case <-s.done:
			if eval != nil {
				_ = eval.Close()
			}
		}
	}()
}

// swapModel installs a freshly loaded evaluator. A failed reload keeps the
// current one.
func (s *Service) swapModel(r reload) {
	s.reloading = false
	if r.err != nil {
		s.failed = r.digest
		s.log.Error().Err(r.err).Str("digest", r.digest).Msg("model reload failed, keeping current model")
		return
	}
	if err := s.eval.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing previous evaluator")
	}
	current := s.Digest()
	s.eval = r.eval
	s.failed = ""
	s.setDigest(r.digest)
	s.log.Info().Str("old", current).Str("new", r.digest).Msg("model reloaded")
}

func (s *Service) shutdown() {
	close(s.done)
	for {
		select {
		case r := <-s.requests:
			r.resp <- response{err: ErrServiceClosed}
		default:
			if err := s.eval.Close(); err != nil {
				s.log.Warn().Err(err).Msg("closing evaluator")
			}
			return
		}
	}
}

// Endpoint is one client's handle on the service.
type Endpoint struct {
	svc *Service
}

func (s *Service) NewEndpoint() *Endpoint {
	return &Endpoint{svc: s}
}

// Predict evaluates n positions. It blocks while the service queue is full.
func (e *Endpoint) Predict(ctx context.Context, input []float32, n int) ([]float32, []float32, error) {
	if n == 0 {
		return nil, nil, nil
	}
	if len(input) != n*convert.FloatSize {
		return nil, nil, fmt.Errorf("predict: input holds %d floats for %d positions", len(input), n)
	}
	req := request{
		input: append([]float32(nil), input...),
		n:     n,
		resp:  make(chan response, 1),
	}
	select {
	case <-e.svc.done:
		return nil, nil, ErrServiceClosed
	default:
	}
	select {
	case e.svc.requests <- req:
	case <-e.svc.done:
		return nil, nil, ErrServiceClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case resp := <-req.resp:
		return resp.policy, resp.value, resp.err
	case <-e.svc.done:
		return nil, nil, ErrServiceClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
