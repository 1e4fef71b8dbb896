// Package session owns the operator-visible state of the agent: bridge status, missions, the
// log stream, host vitals and memory.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nexus/cli/internal/journal"
	"nexus/cli/internal/logging"
	"nexus/cli/internal/memory"
	"nexus/cli/internal/planner"
	"nexus/cli/internal/protocol"
	"nexus/cli/internal/runner"
	"nexus/cli/internal/transport"
)

var (
	ErrEmptyMission    = errors.New("mission description is empty")
	ErrMissionInFlight = errors.New("a mission is already running")
)

const DefaultSubscriberBuffer = 64

// Recorder receives every task transition. Failures are logged and otherwise ignored.
type Recorder interface {
	RecordTask(ctx context.Context, t Task) error
}

type Options struct {
	Executor    runner.Executor
	Dialect     memory.Dialect
	Planners    map[planner.Core]planner.Planner
	Core        planner.Core
	Recorder    Recorder
	Logger      *slog.Logger
	LogLimit    int
	MaxAttempts int
}

type Session struct {
	logger   *slog.Logger
	planners map[planner.Core]planner.Planner
	recorder Recorder
	store    *memory.Store
	runner   *runner.Runner
	ring     *journal.Ring

	processing atomic.Bool

	mu         sync.RWMutex
	connection transport.State
	core       planner.Core
	thought    string
	tasks      []Task
	stats      HostStats
	mem        memory.Memory

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
}

func New(opts Options) *Session {
	s := &Session{
		logger:     opts.Logger,
		planners:   map[planner.Core]planner.Planner{},
		recorder:   opts.Recorder,
		ring:       journal.NewRing(opts.LogLimit),
		connection: transport.StateDisconnected,
		core:       opts.Core,
		mem:        memory.Default(),
		subs:       map[uint64]chan Event{},
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.core == "" {
		s.core = planner.CoreLocal
	}
	for core, p := range opts.Planners {
		s.planners[core] = p
	}
	s.store = memory.NewStore(opts.Executor, memory.StoreOptions{
		Dialect: opts.Dialect,
		Logger:  s.logger.With("module", "memory"),
		Journal: s,
	})
	s.runner = runner.New(opts.Executor, s.store, runner.Options{
		Journal:     s,
		Logger:      s.logger.With("module", "runner"),
		MaxAttempts: opts.MaxAttempts,
	})
	return s
}

// Append adds a line to the log stream.
func (s *Session) Append(t journal.Type, message string) {
	e := s.ring.Add(t, message)
	s.logger.Debug("journal", "type", string(t), "message", message)
	s.publish(Event{Kind: EventLog, Log: e})
}

func (s *Session) Log(t journal.Type, message string) {
	s.Append(t, message)
}

func (s *Session) Core() planner.Core {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.core
}

func (s *Session) SetCore(core planner.Core) {
	s.mu.Lock()
	s.core = core
	s.mu.Unlock()
	s.logger.Info("core selected", "core", string(core))
}

func (s *Session) Processing() bool {
	return s.processing.Load()
}

func (s *Session) Memory() memory.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.Clone()
}

// StartMission plans and executes description, blocking until the mission is terminal. The
// returned task is the final state; the error, when set, has already been reported in the log.
func (s *Session) StartMission(ctx context.Context, description string) (Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Task{}, ErrEmptyMission
	}
	if !s.processing.CompareAndSwap(false, true) {
		return Task{}, ErrMissionInFlight
	}
	s.publish(Event{Kind: EventProcessing, Processing: true})
	defer func() {
		s.mu.Lock()
		s.thought = ""
		s.mu.Unlock()
		s.processing.Store(false)
		s.publish(Event{Kind: EventProcessing, Processing: false})
	}()

	s.mu.Lock()
	core := s.core
	mem := s.mem.Clone()
	s.thought = "Analyzing mission parameters..."
	s.mu.Unlock()

	s.Append(journal.Command, fmt.Sprintf("MISSION START [%s]: %s", core, description))
	task := s.addTask(ctx, Task{
		ID:          uuid.NewString(),
		Description: description,
		Core:        core,
		Status:      TaskPending,
		CreatedAt:   time.Now(),
	})
	logger := s.logger.With("mission_id", task.ID, "core", string(core))
	logger.Info("mission started")

	res, err := s.runner.Run(ctx, runner.Mission{
		ID:          task.ID,
		Description: description,
		Planner:     s.planners[core],
		Memory:      mem,
		OnPlanned: func(plan planner.Plan) {
			s.mu.Lock()
			s.thought = plan.ThoughtStream
			s.mu.Unlock()
			s.updateTask(ctx, task.ID, func(t *Task) {
				t.Status = TaskExecuting
				t.Plan = plan.Commands()
				t.Explanation = plan.Explanation
				t.ThoughtStream = plan.ThoughtStream
			})
		},
		Learn: s.learn,
	})

	final := s.updateTask(ctx, task.ID, func(t *Task) {
		t.FinishedAt = time.Now()
		if err != nil {
			t.Status = TaskFailed
			t.LastError = err.Error()
			return
		}
		t.Status = TaskCompleted
	})
	if err != nil {
		logger.Warn("mission failed", "err", err)
		return final, err
	}
	logger.Info("mission completed", "commands", len(res.Executed))
	return final, nil
}

// ApplyBridgeEvent folds a transport event into the session.
func (s *Session) ApplyBridgeEvent(ev transport.Event) {
	if ev.State != "" {
		s.mu.Lock()
		prev := s.connection
		s.connection = ev.State
		s.mu.Unlock()
		if prev == ev.State {
			return
		}
		s.publish(Event{Kind: EventConnection, Connection: ev.State})
		if ev.State == transport.StateConnected {
			s.Append(journal.Success, "NEXUS CORE: BRIDGE STABLE.")
		}
		return
	}
	if ev.Message == nil || ev.Message.Type != protocol.KindStatsResult {
		return
	}
	stats := HostStats{
		Memory:    ev.Message.Output,
		Platform:  ev.Message.Platform,
		UpdatedAt: time.Now(),
	}
	if stats.Memory == "" {
		stats.Memory = "Calculating..."
	}
	if stats.Platform == "" {
		stats.Platform = "Host OS"
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	s.publish(Event{Kind: EventStats, Stats: stats})
}

// SyncMemory loads the remote memory and merges it over the current one.
func (s *Session) SyncMemory(ctx context.Context) error {
	p, err := s.store.Load(ctx)
	if p == nil {
		return err
	}
	s.mu.Lock()
	merged, mergeErr := s.mem.Merge(p)
	if mergeErr == nil {
		s.mem = merged
	}
	s.mu.Unlock()
	if mergeErr != nil {
		return mergeErr
	}
	s.publish(Event{Kind: EventMemory})
	return nil
}

// SetConfig updates the local engine settings and persists memory. Blank values keep the
// current setting.
func (s *Session) SetConfig(ctx context.Context, ollamaURL, ollamaModel string) error {
	s.mu.Lock()
	next := s.mem.Clone()
	if v := strings.TrimSpace(ollamaURL); v != "" {
		next.OllamaURL = v
	}
	if v := strings.TrimSpace(ollamaModel); v != "" {
		next.OllamaModel = v
	}
	s.mem = next
	s.mu.Unlock()
	s.publish(Event{Kind: EventMemory})

	if err := s.store.Save(ctx, next); err != nil {
		return err
	}
	s.Append(journal.Info, fmt.Sprintf("ENGINE CONFIG: %s @ %s", next.OllamaModel, next.OllamaURL))
	return nil
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]Task, 0, len(s.tasks))
	for i := len(s.tasks) - 1; i >= 0; i-- {
		tasks = append(tasks, s.tasks[i].clone())
	}
	return Snapshot{
		Connection: s.connection,
		Core:       s.core,
		Processing: s.processing.Load(),
		Thought:    s.thought,
		Tasks:      tasks,
		Logs:       s.ring.Entries(),
		Stats:      s.stats,
		Memory:     s.mem.Clone(),
	}
}

// Subscribe returns a buffered event stream. When the buffer is full the oldest undelivered
// event is dropped, so a slow reader never blocks the session.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.subMu.Unlock()
		})
	}
}

func (s *Session) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// learn records a finding on the current memory, so edits made while a mission runs survive.
func (s *Session) learn(finding string) memory.Memory {
	s.mu.Lock()
	s.mem = s.mem.RecordFinding(finding)
	next := s.mem.Clone()
	s.mu.Unlock()
	s.publish(Event{Kind: EventMemory})
	return next
}

func (s *Session) addTask(ctx context.Context, t Task) Task {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	s.taskChanged(ctx, t)
	return t.clone()
}

func (s *Session) updateTask(ctx context.Context, id string, fn func(*Task)) Task {
	s.mu.Lock()
	var out Task
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			fn(&s.tasks[i])
			out = s.tasks[i].clone()
			break
		}
	}
	s.mu.Unlock()
	s.taskChanged(ctx, out)
	return out
}

func (s *Session) taskChanged(ctx context.Context, t Task) {
	s.publish(Event{Kind: EventTask, Task: t.clone()})
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordTask(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Warn("task history write failed", "task_id", t.ID, "err", err)
	}
}
