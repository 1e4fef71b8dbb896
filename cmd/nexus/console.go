package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"nexus/cli/internal/history"
	"nexus/cli/internal/planner"
	"nexus/cli/internal/session"
)

const printerBuffer = 256

// print writes session log lines to the operator until ctx is done, then flushes what is queued.
func (rt *agentRuntime) print(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-rt.events:
			if !ok {
				return nil
			}
			rt.render(ev)
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-rt.events:
					if !ok {
						return nil
					}
					rt.render(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (rt *agentRuntime) render(ev session.Event) {
	switch ev.Kind {
	case session.EventLog:
		fmt.Fprintf(rt.out, "%s [%s] %s\n", ev.Log.Timestamp.Format(time.TimeOnly), ev.Log.Type, ev.Log.Message)
	case session.EventTask:
		if ev.Task.Status == session.TaskExecuting && ev.Task.ThoughtStream != "" {
			fmt.Fprintf(rt.out, "    thought: %s\n", ev.Task.ThoughtStream)
		}
	}
}

// repl starts one mission per input line. "/core NAME" switches the planning core and
// "/status" prints the session state.
func (rt *agentRuntime) repl(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case line == "/status":
			rt.writeStatus()
			continue
		case strings.HasPrefix(line, "/core"):
			core, err := planner.ParseCore(strings.TrimSpace(strings.TrimPrefix(line, "/core")))
			if err != nil {
				fmt.Fprintf(rt.out, "%v\n", err)
				continue
			}
			rt.session.SetCore(core)
			fmt.Fprintf(rt.out, "core set to %s\n", core)
			continue
		}
		if _, err := rt.session.StartMission(ctx, line); err != nil {
			if errors.Is(err, session.ErrMissionInFlight) || errors.Is(err, session.ErrEmptyMission) {
				fmt.Fprintf(rt.out, "%v\n", err)
			}
			rt.logger.Debug("mission ended with error", "err", err)
		}
	}
}

func (rt *agentRuntime) writeStatus() {
	snap := rt.session.Snapshot()
	tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "bridge\t%s (%s)\n", snap.Connection, rt.transport.URL())
	fmt.Fprintf(tw, "core\t%s\n", snap.Core)
	fmt.Fprintf(tw, "host\t%s, %s\n", orDash(snap.Stats.Platform), orDash(snap.Stats.Memory))
	fmt.Fprintf(tw, "engine\t%s @ %s\n", snap.Memory.OllamaModel, snap.Memory.OllamaURL)
	fmt.Fprintf(tw, "findings\t%d\n", len(snap.Memory.PastFindings))
	fmt.Fprintf(tw, "missions\t%d\n", len(snap.Tasks))
	_ = tw.Flush()
}

func writeHistory(w io.Writer, entries []history.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no missions recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSTATUS\tCORE\tMISSION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Task.CreatedAt.Local().Format(time.DateTime),
			e.Task.Status,
			e.Task.Core,
			e.Task.Description,
			orDash(e.Task.LastError),
		)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
