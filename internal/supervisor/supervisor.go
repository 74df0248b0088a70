// Package supervisor owns process start/stop ordering and signal
// handling (§4.7 "Process supervisor"). Grounded on
// original_source/src/agent/core/nxagentd.cpp's Initialize/Main/
// Shutdown and its UNIX OnSignal handler: the original starts its
// listener and watchdog threads from a fixed sequence inside
// Initialize, blocks the main thread on a shutdown condition variable,
// and on signal runs Shutdown in a fixed order (mark shutdown, sleep
// to let other threads drain, unload subagents, close the log). This
// package generalizes that into an ordered component list any part of
// the daemon registers into, started in registration order and
// stopped in reverse, which is this module's equivalent of "starts in
// this order / stops in reverse init order" without a global
// shutdown-flag-and-condvar — context cancellation plays that role.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Component is one subsystem the supervisor brings up and tears down.
// Start must return once the component is up and running (it owns any
// background goroutines itself); Stop must release everything Start
// acquired. Either may be nil to skip that phase.
type Component struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Supervisor runs a fixed list of Components in registration order on
// Start and reverse order on Stop, mirroring nxagentd.cpp's Initialize
// sequence (logger, registry, subagents, listener, watchdog, ...) and
// its Shutdown sequence run backwards.
type Supervisor struct {
	log *zap.Logger

	mu         sync.Mutex
	components []Component
	started    []Component // components that started successfully, in start order
}

// New builds a Supervisor logging under the "supervisor" tag.
func New(log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{log: log}
}

// Register appends a component to the start sequence. Must be called
// before Start; registering after Start has no effect on the current run.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
}

// Start runs every registered component's Start hook in registration
// order. If one fails, every component started so far is stopped in
// reverse order before Start returns the triggering error.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	components := append([]Component(nil), s.components...)
	s.mu.Unlock()

	for _, c := range components {
		if c.Start == nil {
			s.started = append(s.started, c)
			continue
		}
		s.log.Info("starting component", zap.String("component", c.Name))
		if err := c.Start(ctx); err != nil {
			s.log.Error("component failed to start", zap.String("component", c.Name), zap.Error(err))
			_ = s.stopStarted(context.Background())
			return fmt.Errorf("start %s: %w", c.Name, err)
		}
		s.started = append(s.started, c)
	}
	return nil
}

// Stop tears down every successfully started component in reverse
// order, collecting every error rather than stopping at the first one
// — mirroring Shutdown()'s "unload every subagent" loop, which does not
// abort partway through on one subagent's failure.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.stopStarted(ctx)
}

func (s *Supervisor) stopStarted(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = nil
	s.mu.Unlock()

	var merr *multierror.Error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if c.Stop == nil {
			continue
		}
		s.log.Info("stopping component", zap.String("component", c.Name))
		if err := c.Stop(ctx); err != nil {
			s.log.Error("component failed to stop", zap.String("component", c.Name), zap.Error(err))
			merr = multierror.Append(merr, fmt.Errorf("stop %s: %w", c.Name, err))
		}
	}
	if merr != nil {
		return merr
	}
	return nil
}

// Run starts every component, then blocks until ctx is cancelled
// (normally by WaitForSignal's context), then stops every component
// that started, bounding the stop phase by shutdownGrace — the
// equivalent of Shutdown()'s fixed five-second drain sleep, applied as
// a deadline instead of an unconditional sleep.
func (s *Supervisor) Run(ctx context.Context, shutdownGrace time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	s.log.Info("shutdown signalled, stopping components")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.Stop(stopCtx)
}

// WaitForSignal returns a context cancelled on SIGINT or SIGTERM,
// mirroring OnSignal's handling of those two signals by setting the
// shutdown condition (SIGCHLD reaping and the SIGSEGV abort path have
// no Go equivalent: the runtime already reaps no child processes this
// daemon forks, and a Go panic is not usefully mapped onto a
// C-style abort). Call the returned stop func once Run returns.
func WaitForSignal(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
