// Package worker provides a bounded pool for blocking download and processing work.
package worker

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// DefaultSize is the slot count used when New is given a non-positive size.
const DefaultSize = 5

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("worker pool closed")

// Pool runs functions with at most Size of them in flight.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New creates a pool with size slots.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return cap(p.sem)
}

// InFlight returns the number of occupied slots.
func (p *Pool) InFlight() int {
	return len(p.sem)
}

// Run waits for a free slot, then runs fn on the calling goroutine.
// It returns ctx.Err() if ctx is done before a slot frees up.
// A panic in fn is recovered and returned as an error.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failed to acquire worker slot")
	}
	defer func() { <-p.sem }()

	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("worker: recovered panic: %v", r)
			err = errors.Newf("worker panic: %v", r)
		}
	}()

	return fn(ctx)
}

// Close rejects new work and waits for running functions to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
