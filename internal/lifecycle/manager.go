package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sync/errgroup"

	"nexus/cli/internal/logging"
)

type job struct {
	name string
	main bool
	run  func(context.Context) error
}

// Manager runs background jobs until the context ends, a job fails or a main job returns,
// then runs the shutdown jobs in registration order.
type Manager struct {
	mu           sync.Mutex
	logger       *slog.Logger
	runJobs      []job
	shutdownJobs []job
}

func NewManager() *Manager {
	return &Manager{logger: logging.Discard()}
}

func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	m.add(&m.runJobs, job{name: name, run: fn})
}

// AddMain registers a job whose return ends the whole run.
func (m *Manager) AddMain(name string, fn func(context.Context) error) {
	m.add(&m.runJobs, job{name: name, main: true, run: fn})
}

func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	m.add(&m.shutdownJobs, job{name: name, run: fn})
}

func (m *Manager) add(list *[]job, j job) {
	if j.run == nil {
		return
	}
	m.mu.Lock()
	*list = append(*list, j)
	m.mu.Unlock()
}

func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	stopSignal := func() {}
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		stopSignal = stop
	}
	defer stopSignal()

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	runJobs, shutdownJobs, logger := m.snapshot()

	g, gctx := errgroup.WithContext(runCtx)
	for _, j := range runJobs {
		g.Go(func() error {
			err := j.run(gctx)
			if j.main {
				cancelRuns()
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job failed", "job", j.name, "err", err)
				return fmt.Errorf("%s: %w", j.name, err)
			}
			logger.Debug("job stopped", "job", j.name)
			return nil
		})
	}
	runErr := g.Wait()

	var shutdownErr error
	for _, j := range shutdownJobs {
		if err := j.run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return errors.Join(runErr, shutdownErr)
}

func (m *Manager) snapshot() ([]job, []job, *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]job, len(m.runJobs))
	copy(runs, m.runJobs)
	shutdowns := make([]job, len(m.shutdownJobs))
	copy(shutdowns, m.shutdownJobs)
	return runs, shutdowns, m.logger
}
