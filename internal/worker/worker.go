// Package worker runs base64 encode/decode codec jobs off the caller's
// goroutine on a small fixed pool, the Go analogue of the original design's
// dedicated Worker thread (spec §4.9, §5).
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"signalengine/internal/errs"
	"signalengine/internal/logging"
)

const defaultJobTimeout = 60 * time.Second

type jobKind int

const (
	kindEncode jobKind = iota
	kindDecode
)

type job struct {
	id     uint64
	kind   jobKind
	input  []byte
	result chan jobResult
}

type jobResult struct {
	output []byte
	err    error
}

// Pool is a fixed set of goroutines that perform base64 codec work,
// addressed only through job-id-correlated channel round trips (spec §5:
// "a Go analogue of the separate JS worker context").
type Pool struct {
	jobs    chan job
	nextID  atomic.Uint64
	sf      singleflight.Group
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New starts a pool of size goroutines. Jobs submitted after Close returns
// errs.WorkerTimeout-shaped behavior is not guaranteed; callers should not
// submit work after Close.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan job, size*4),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			p.runLoop(gctx)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(p.stopped)
	}()

	return p
}

func (p *Pool) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(j)
		}
	}
}

func (p *Pool) execute(j job) {
	var out jobResult
	switch j.kind {
	case kindEncode:
		out.output = []byte(base64.StdEncoding.EncodeToString(j.input))
	case kindDecode:
		decoded, err := base64.StdEncoding.DecodeString(string(j.input))
		if err != nil {
			out.err = fmt.Errorf("worker: base64 decode job %d: %w", j.id, err)
			break
		}
		out.output = decoded
	}
	j.result <- out
}

// Encode base64-encodes input on the pool, deduplicating concurrent calls
// for identical input via singleflight.
func (p *Pool) Encode(ctx context.Context, input []byte) ([]byte, error) {
	return p.run(ctx, kindEncode, input)
}

// Decode base64-decodes input on the pool.
func (p *Pool) Decode(ctx context.Context, input []byte) ([]byte, error) {
	return p.run(ctx, kindDecode, input)
}

func (p *Pool) run(ctx context.Context, kind jobKind, input []byte) ([]byte, error) {
	sfKey := singleflightKey(kind, input)
	v, err, _ := p.sf.Do(sfKey, func() (interface{}, error) {
		return p.submit(ctx, kind, input)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func singleflightKey(kind jobKind, input []byte) string {
	return fmt.Sprintf("%d:%x", kind, input)
}

func (p *Pool) submit(ctx context.Context, kind jobKind, input []byte) ([]byte, error) {
	id := p.nextID.Add(1)
	j := job{id: id, kind: kind, input: input, result: make(chan jobResult, 1)}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultJobTimeout)
	defer cancel()

	select {
	case p.jobs <- j:
	case <-timeoutCtx.Done():
		logging.Warn("worker job rejected: pool saturated", zap.Uint64("job_id", id))
		return nil, errs.WorkerTimeout{JobID: id}
	}

	select {
	case res := <-j.result:
		if res.err != nil {
			logging.Error("worker job failed", zap.Uint64("job_id", id), zap.Error(res.err))
		}
		return res.output, res.err
	case <-timeoutCtx.Done():
		logging.Warn("worker job timed out", zap.Uint64("job_id", id))
		return nil, errs.WorkerTimeout{JobID: id}
	}
}

// Close stops accepting new work and waits for in-flight jobs to drain.
func (p *Pool) Close() {
	p.cancel()
	<-p.stopped
}
