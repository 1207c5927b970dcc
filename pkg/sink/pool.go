package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Overflow decides what Submit does when the queue is full.
type Overflow int

const (
	// OverflowDropNewest rejects the task being submitted.
	OverflowDropNewest Overflow = iota
	// OverflowDropOldest evicts the oldest queued task to make room.
	OverflowDropOldest
	// OverflowBlock waits for room or for the caller's context.
	OverflowBlock
)

func (o Overflow) String() string {
	switch o {
	case OverflowDropNewest:
		return "drop-newest"
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowBlock:
		return "block"
	}
	return fmt.Sprintf("Overflow(%d)", int(o))
}

// ParseOverflow maps a configuration value onto a policy. The empty string
// selects the default.
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "", "drop-newest":
		return OverflowDropNewest, nil
	case "drop-oldest":
		return OverflowDropOldest, nil
	case "block":
		return OverflowBlock, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

var ErrPoolClosed = errors.New("pool closed")

// Task runs on a worker. The context is cancelled when Close gives up
// waiting.
type Task func(ctx context.Context)

// Pool is a fixed set of workers draining a bounded queue.
type Pool struct {
	tasks    chan Task
	overflow Overflow
	onDrop   func()

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines. onDrop, if set, is called for every
// task the overflow policy discards.
func NewPool(workers, queueSize int, overflow Overflow, onDrop func()) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:    make(chan Task, queueSize),
		overflow: overflow,
		onDrop:   onDrop,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.tasks {
		t(p.ctx)
	}
}

// Submit queues t according to the overflow policy. It reports whether t
// was accepted.
func (p *Pool) Submit(ctx context.Context, t Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	switch p.overflow {
	case OverflowBlock:
		select {
		case p.tasks <- t:
			return true
		case <-ctx.Done():
			p.dropped()
			return false
		}
	case OverflowDropOldest:
		for {
			select {
			case p.tasks <- t:
				return true
			default:
			}
			select {
			case <-p.tasks:
				p.dropped()
			default:
			}
		}
	default:
		select {
		case p.tasks <- t:
			return true
		default:
			p.dropped()
			return false
		}
	}
}

func (p *Pool) dropped() {
	if p.onDrop != nil {
		p.onDrop()
	}
}

// Pending is the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Close stops admission and waits for queued and running tasks. If ctx
// ends first the workers' context is cancelled, the remaining tasks run
// against it, and ctx's error is returned once they have.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
