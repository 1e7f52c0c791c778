package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crewlink/contract"
	"crewlink/errors"
)

// restartBackoff is how long a crashed worker stays down before the next
// attempt. Short enough that a flapping worker shows up in the logs fast,
// long enough not to spin.
const restartBackoff = 200 * time.Millisecond

// Supervisor runs each added worker in its own goroutine, turns panics
// into restarts, and winds the whole set down when the parent context
// ends. Run blocks until every worker has returned for good.
type Supervisor struct {
	log     *slog.Logger
	workers []contract.Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Add queues workers for the next Run. Chainable.
func (s *Supervisor) Add(worker ...contract.Worker) contract.ISupervisor {
	s.workers = append(s.workers, worker...)
	return s
}

// Run starts every added worker under a context the supervisor owns and
// waits for all of them. Cancelling the parent context or calling Stop
// ends the set; a worker returning nil only ends that worker.
func (s *Supervisor) Run(ctx context.Context) {
	supervised, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	for _, w := range s.workers {
		s.Start(supervised, w)
	}
	s.wg.Wait()
}

// Start supervises one worker. A panic inside its Run counts as a crash;
// only the worker body is restarted, never the supervising goroutine, so
// one broken worker cannot take the others down.
func (s *Supervisor) Start(ctx context.Context, worker contract.Worker) {
	s.wg.Add(1)
	name := contract.GetWorkerName(worker)

	go func() {
		defer s.wg.Done()
		for {
			if ctx.Err() != nil {
				s.log.Info("Worker stopped", "name", name)
				return
			}

			err := s.runOnce(ctx, worker)
			if err == nil {
				// Finished on its own terms, never restarted.
				s.log.Info("Worker finished", "name", name)
				return
			}
			if ctx.Err() != nil {
				s.log.Info("Worker stopped", "name", name)
				return
			}

			s.log.Warn("Worker crashed, restarting", "name", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartBackoff):
			}
		}
	}()
}

// runOnce executes a single attempt, converting a panic into the
// ErrWorkerPanic sentinel so the restart loop treats both alike.
func (s *Supervisor) runOnce(ctx context.Context, worker contract.Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
		}
	}()
	return worker.Run(ctx)
}

// Stop cancels the running set. Run returns once the workers unblock.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
