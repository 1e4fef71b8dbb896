// Package bridge is the host side of the link: it accepts the agent's websocket and runs the
// commands it is sent.
package bridge

import (
	"context"
	"log/slog"

	"nexus/cli/internal/logging"
	"nexus/cli/internal/protocol"
)

type CommandRunner interface {
	// Run executes command and reports its output and whether it exited cleanly.
	Run(ctx context.Context, command string) (output string, ok bool)
}

type StatsProvider interface {
	Stats(ctx context.Context) (memory, platform string)
}

type Handler struct {
	runner CommandRunner
	stats  StatsProvider
	logger *slog.Logger
}

func NewHandler(r CommandRunner, s StatsProvider, logger *slog.Logger) *Handler {
	if r == nil {
		r = NewShellRunner(0)
	}
	if s == nil {
		s = HostStats{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{runner: r, stats: s, logger: logger}
}

// Handle answers one request. The boolean is false for frames that get no reply.
func (h *Handler) Handle(ctx context.Context, msg protocol.Message) (protocol.Message, bool) {
	switch msg.Type {
	case protocol.KindExecute:
		h.logger.Info("executing command", "id", msg.ID, "command", msg.Command)
		output, ok := h.runner.Run(ctx, msg.Command)
		return protocol.Message{ID: msg.ID, Type: protocol.KindResult, Success: ok, Output: output}, true
	case protocol.KindStats:
		memory, platform := h.stats.Stats(ctx)
		return protocol.Message{ID: msg.ID, Type: protocol.KindStatsResult, Output: memory, Platform: platform}, true
	case protocol.KindPing:
		return protocol.Message{ID: msg.ID, Type: protocol.KindPong}, true
	default:
		h.logger.Debug("ignoring bridge frame", "type", string(msg.Type))
		return protocol.Message{}, false
	}
}
