package mcts

import (
	"context"
	"fmt"
	"time"

	"github.com/brensch/reversi/executor/convert"
)

type evalRequest struct {
	buf  *[]float32
	resp chan evalResult
}

type evalResult struct {
	policy []float32
	value  float32
	err    error
}

// submit enqueues req and waits for its result. The worker owns req.buf once
// it has been enqueued.
func submit(ctx context.Context, queue chan<- evalRequest, req evalRequest) evalResult {
	select {
	case queue <- req:
	case <-ctx.Done():
		convert.PutFloatBuffer(req.buf)
		return evalResult{err: ctx.Err()}
	}
	select {
	case res := <-req.resp:
		return res
	case <-ctx.Done():
		return evalResult{err: ctx.Err()}
	}
}

// predictionWorker collects queued positions into batches. A batch is sent
// once it reaches ParallelSearchNum positions or the first position has
// waited PredictionWorkerSleep.
func (p *Player) predictionWorker(ctx context.Context, queue <-chan evalRequest) {
	maxBatch := p.cfg.ParallelSearchNum
	batch := make([]evalRequest, 0, maxBatch)
	input := make([]float32, 0, maxBatch*convert.FloatSize)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-queue:
			batch = append(batch[:0], req)
		}

		linger := time.NewTimer(p.cfg.PredictionWorkerSleep)
	collect:
		for len(batch) < maxBatch {
			select {
			case req := <-queue:
				batch = append(batch, req)
			case <-linger.C:
				break collect
			case <-ctx.Done():
				break collect
			}
		}
		linger.Stop()

		input = input[:0]
		for _, req := range batch {
			input = append(input, *req.buf...)
			convert.PutFloatBuffer(req.buf)
		}
		p.flush(ctx, batch, input)
	}
}

func (p *Player) flush(ctx context.Context, batch []evalRequest, input []float32) {
	n := len(batch)
	policy, value, err := p.predictor.Predict(ctx, input, n)
	if err == nil && (len(policy) < n*convert.PolicySize || len(value) < n) {
		err = fmt.Errorf("predictor returned %d policies and %d values for %d positions", len(policy)/convert.PolicySize, len(value), n)
	}
	for i, req := range batch {
		if err != nil {
			req.resp <- evalResult{err: err}
			continue
		}
		req.resp <- evalResult{
			policy: policy[i*convert.PolicySize : (i+1)*convert.PolicySize],
			value:  value[i],
		}
	}
}
