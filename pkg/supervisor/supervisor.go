// Package supervisor runs the node's watchdog loops: it owns the inbox
// consumer's lifecycle, reaps overdue delivery workers, and drives the
// periodic cache sweeps.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"warren/pkg/inbox"
	"warren/pkg/metrics"
)

// ChildState is the supervised child's observed state.
type ChildState int32

const (
	StateRunning ChildState = iota
	StateDead
	StateRestarting
)

func (s ChildState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// RunFunc is a supervised child body. It runs until its context is
// cancelled or it fails; either way the supervisor restarts it.
type RunFunc func(ctx context.Context) error

// Supervisor owns one child's lifecycle: it receives the child's exit via
// a done channel and restarts it with backoff. There is no terminal
// state; the supervisor only stops when the process shuts down.
type Supervisor struct {
	name   string
	child  RunFunc
	queue  *inbox.Queue // restart flag source; may be nil
	logger *zap.Logger

	pollInterval time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration

	metrics *metrics.NodeMetrics

	mu       sync.Mutex
	state    ChildState
	restarts int64

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a supervisor for the named child. queue may be nil when the
// child has no external restart flag.
func New(name string, child RunFunc, queue *inbox.Queue, pollInterval time.Duration, m *metrics.NodeMetrics, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Supervisor{
		name:         name,
		child:        child,
		queue:        queue,
		logger:       logger,
		pollInterval: pollInterval,
		baseBackoff:  500 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		metrics:      m,
		state:        StateDead,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the child and the supervising loop.
func (s *Supervisor) Start() {
	go s.supervise()
}

// Stop cancels the child and waits for the supervising loop to exit.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// State returns the child's current state.
func (s *Supervisor) State() ChildState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many times the child has been restarted.
func (s *Supervisor) Restarts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Supervisor) setState(state ChildState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// supervise is the watchdog loop: start the child, poll liveness and the
// restart flag, restart on death with backoff, forever.
func (s *Supervisor) supervise() {
	defer close(s.done)

	backoff := s.baseBackoff
	cancel, childDone := s.startChild()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			cancel()
			<-childDone
			s.setState(StateDead)
			return

		case err := <-childDone:
			// Liveness: the child died on its own.
			s.setState(StateDead)
			cancel()
			s.logger.Warn("Supervised child died, restarting",
				zap.String("child", s.name),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			s.setState(StateRestarting)
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, s.maxBackoff)

			s.recordRestart()
			cancel, childDone = s.startChild()

		case <-ticker.C:
			if s.queue != nil && s.queue.RestartRequested() {
				// Kill, clone and restart the consumer on request.
				s.setState(StateRestarting)
				cancel()
				<-childDone
				s.queue.ClearRestart()
				s.recordRestart()
				s.logger.Info("Restarted child on request",
					zap.String("child", s.name))
				cancel, childDone = s.startChild()
				backoff = s.baseBackoff
				continue
			}
			if s.State() == StateRunning {
				// Healthy tick resets the backoff.
				backoff = s.baseBackoff
			}
		}
	}
}

// startChild launches a fresh clone of the child.
func (s *Supervisor) startChild() (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	childDone := make(chan error, 1)

	s.setState(StateRunning)
	s.logger.Debug("Supervised child started", zap.String("child", s.name))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Supervised child panicked",
					zap.String("child", s.name),
					zap.Any("panic", r))
				childDone <- nil
			}
		}()
		err := s.child(ctx)
		if ctx.Err() != nil {
			// Cancelled by the supervisor; not a death.
			childDone <- nil
			return
		}
		childDone <- err
	}()

	return cancel, childDone
}

func (s *Supervisor) recordRestart() {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConsumerRestarts.Inc()
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
