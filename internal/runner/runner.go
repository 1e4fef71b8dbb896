// Package runner executes a planned mission step by step on the bridge host, asking the
// planner to repair failing commands.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"nexus/cli/internal/correlator"
	"nexus/cli/internal/journal"
	"nexus/cli/internal/logging"
	"nexus/cli/internal/memory"
	"nexus/cli/internal/planner"
)

const (
	DefaultMaxAttempts = 3
	outputPreview      = 300
)

// RemediationExhaustedError reports a step that kept failing after every allowed attempt.
type RemediationExhaustedError struct {
	Command  string
	Attempts int
	Output   string
}

func (e *RemediationExhaustedError) Error() string {
	return "chain break at: " + e.Command
}

type Executor interface {
	Execute(ctx context.Context, command string) (correlator.Result, error)
}

type MemorySaver interface {
	Save(ctx context.Context, m memory.Memory) error
}

type Options struct {
	Journal     journal.Sink
	Logger      *slog.Logger
	MaxAttempts int
}

type Runner struct {
	exec        Executor
	saver       MemorySaver
	journal     journal.Sink
	logger      *slog.Logger
	maxAttempts int
}

func New(exec Executor, saver MemorySaver, opts Options) *Runner {
	r := &Runner{
		exec:        exec,
		saver:       saver,
		journal:     opts.Journal,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
	}
	if r.journal == nil {
		r.journal = journal.Discard
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	return r
}

type Mission struct {
	ID          string
	Description string
	Planner     planner.Planner
	Memory      memory.Memory
	// OnPlanned runs once a usable plan exists, before the first step.
	OnPlanned func(plan planner.Plan)
	// Learn records the finding on the caller's current memory and returns the memory to save.
	// When nil the finding is recorded on Memory.
	Learn func(finding string) memory.Memory
}

type Result struct {
	Plan planner.Plan
	// Memory is the post-mission memory; valid when MemoryChanged is set.
	Memory        memory.Memory
	MemoryChanged bool
	Executed      []string
}

// Run plans and executes m. Any returned error is terminal for the mission and has already
// been reported as a CRITICAL ERROR line.
func (r *Runner) Run(ctx context.Context, m Mission) (Result, error) {
	res, err := r.run(ctx, m)
	if err != nil {
		r.logger.Warn("mission failed", "mission_id", m.ID, "err", err)
		r.journal.Append(journal.Error, "CRITICAL ERROR: "+err.Error())
		return res, err
	}
	r.journal.Append(journal.Success, "MISSION COMPLETED.")
	return res, nil
}

func (r *Runner) run(ctx context.Context, m Mission) (Result, error) {
	var res Result
	if m.Planner == nil {
		return res, fmt.Errorf("%w: no planner configured", planner.ErrPlanner)
	}
	plan, err := m.Planner.Plan(ctx, m.Description, m.Memory)
	if err != nil {
		if !errors.Is(err, planner.ErrPlanner) {
			err = fmt.Errorf("%w: %w", planner.ErrPlanner, err)
		}
		return res, err
	}
	if len(plan.Commands()) == 0 {
		return res, fmt.Errorf("%w: %w", planner.ErrPlanner, planner.ErrNoSteps)
	}
	res.Plan = plan
	r.journal.Append(journal.Info, "PLAN: "+plan.Explanation)
	if m.OnPlanned != nil {
		m.OnPlanned(plan)
	}

	for _, step := range plan.Steps {
		if !step.Executable() {
			r.logger.Debug("skipping non-command step", "mission_id", m.ID, "raw", string(step.Raw))
			continue
		}
		executed, err := r.runStep(ctx, m, step.Command)
		res.Executed = append(res.Executed, executed...)
		if err != nil {
			return res, err
		}
	}

	var updated memory.Memory
	if m.Learn != nil {
		updated = m.Learn(plan.MemoryUpdate)
	} else {
		updated = m.Memory.RecordFinding(plan.MemoryUpdate)
	}
	res.Memory = updated
	res.MemoryChanged = true
	if r.saver != nil {
		if err := r.saver.Save(ctx, updated); err != nil {
			return res, err
		}
	}
	return res, nil
}

// runStep returns every command it sent, in order.
func (r *Runner) runStep(ctx context.Context, m Mission, command string) ([]string, error) {
	var sent []string
	current := command
	for attempt := 1; ; attempt++ {
		r.journal.Append(journal.System, "EXEC: "+current)
		sent = append(sent, current)
		out, err := r.exec.Execute(ctx, current)
		if err != nil {
			return sent, err
		}
		if out.Success {
			r.journal.Append(journal.Success, "OK: "+preview(out.Output))
			return sent, nil
		}
		r.journal.Append(journal.Warning, "FAILURE: Attempting remediation...")
		if attempt >= r.maxAttempts {
			return sent, &RemediationExhaustedError{Command: current, Attempts: attempt, Output: out.Output}
		}
		next := m.Planner.Remediate(ctx, current, out.Output, m.Memory)
		r.logger.Debug("remediation proposed", "mission_id", m.ID, "failed", current, "next", next, "attempt", attempt)
		current = next
	}
}

// preview keeps the first outputPreview characters of s.
func preview(s string) string {
	if utf8.RuneCountInString(s) <= outputPreview {
		return s
	}
	n := 0
	for i := range s {
		if n == outputPreview {
			return s[:i]
		}
		n++
	}
	return s
}
