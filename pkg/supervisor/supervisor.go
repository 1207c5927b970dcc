// Package supervisor owns the relational store connection and its
// lifecycle: bounded startup retries, a degraded log-only mode, and
// opportunistic recovery.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/meshmapper/pkg/store"
)

const (
	DefaultRetries       = 5
	DefaultRetryDelay    = 3 * time.Second
	DefaultProbeInterval = 30 * time.Second
)

// ErrConnectionExhausted is returned by Connect when every attempt failed.
var ErrConnectionExhausted = errors.New("store connection retries exhausted")

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// OpenFunc opens the store and prepares its schema.
type OpenFunc func(ctx context.Context) (store.Recorder, error)

type Options struct {
	Open          OpenFunc
	Retries       int
	RetryDelay    time.Duration
	ProbeInterval time.Duration
	Logger        *slog.Logger
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(State)
}

type Supervisor struct {
	open          OpenFunc
	retries       int
	retryDelay    time.Duration
	probeInterval time.Duration
	log           *slog.Logger
	onChange      func(State)
	now           func() time.Time

	mu        sync.Mutex
	state     State
	rec       store.Recorder
	lastProbe time.Time

	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		open:          opts.Open,
		retries:       opts.Retries,
		retryDelay:    opts.RetryDelay,
		probeInterval: opts.ProbeInterval,
		log:           opts.Logger,
		onChange:      opts.OnStateChange,
		now:           time.Now,
	}
	if s.retries <= 0 {
		s.retries = DefaultRetries
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	if s.probeInterval <= 0 {
		s.probeInterval = DefaultProbeInterval
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	s.log.Info("store state changed", "from", prev.String(), "to", next.String())
	if s.onChange != nil {
		s.onChange(next)
	}
}

// Connect tries to open the store up to the configured number of times.
// When every attempt fails the supervisor enters Degraded, starts a
// background reopen loop, and returns an error wrapping
// ErrConnectionExhausted. Callers are expected to log it and carry on.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.setState(Connecting)

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		rec, err := s.open(ctx)
		if err == nil {
			s.mu.Lock()
			s.rec = rec
			s.mu.Unlock()
			s.setState(Connected)
			return nil
		}
		lastErr = err
		s.log.Warn("store connection attempt failed",
			"attempt", attempt, "retries", s.retries, "error", err)

		if attempt == s.retries {
			break
		}
		select {
		case <-ctx.Done():
			s.setState(Disconnected)
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}

	s.setState(Degraded)
	s.startReopen(ctx)
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectionExhausted, s.retries, lastErr)
}

// startReopen keeps trying to open the store while none is held. The
// state stays Degraded until a write through the new handle succeeds.
func (s *Supervisor) startReopen(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.bgCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rec, err := s.open(ctx)
			if err != nil {
				s.log.Debug("store reopen failed", "error", err)
				continue
			}
			s.mu.Lock()
			s.rec = rec
			s.lastProbe = time.Time{}
			s.mu.Unlock()
			s.log.Info("store reopened, waiting for a successful write")
			return
		}
	}()
}

// Acquire returns the store when it may be written to. While Degraded at
// most one caller per probe interval gets the handle, and its outcome
// decides whether the supervisor recovers.
func (s *Supervisor) Acquire() (store.Recorder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Connected:
		return s.rec, s.rec != nil
	case Degraded:
		if s.rec == nil {
			return nil, false
		}
		now := s.now()
		if !s.lastProbe.IsZero() && now.Sub(s.lastProbe) < s.probeInterval {
			return nil, false
		}
		s.lastProbe = now
		return s.rec, true
	}
	return nil, false
}

// Stores returns the read side of the store when Connected, nil otherwise
// or when the recorder is not backed by PostgreSQL.
func (s *Supervisor) Stores() *store.Stores {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil
	}
	st, _ := s.rec.(*store.Stores)
	return st
}

// ReportSuccess moves a degraded supervisor back to Connected.
func (s *Supervisor) ReportSuccess() {
	if s.State() == Degraded {
		s.setState(Connected)
	}
}

// ReportFailure records a failed write. It never changes state.
func (s *Supervisor) ReportFailure(err error) {
	s.log.Debug("store write failed", "state", s.State().String(), "error", err)
}

// Close stops the reopen loop and closes the store.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	cancel := s.bgCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()
	s.setState(Disconnected)
	if rec == nil {
		return nil
	}
	return rec.Close()
}
