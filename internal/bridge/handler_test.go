package bridge

import (
	"context"
	"runtime"
	"strings"
	"testing"

	"nexus/cli/internal/protocol"
)

type fakeRunner struct {
	outputs map[string]string
}

func (f fakeRunner) Run(_ context.Context, command string) (string, bool) {
	out, ok := f.outputs[command]
	if !ok {
		return "'" + command + "' is not recognized as an internal or external command", false
	}
	return out, true
}

type fakeStats struct{}

func (fakeStats) Stats(context.Context) (string, string) { return "7.6 GiB free", "win32" }

func TestHandler_Dispatch(t *testing.T) {
	h := NewHandler(fakeRunner{outputs: map[string]string{"whoami": "desktop-bumas6c\\op\r\n"}}, fakeStats{}, nil)
	ctx := context.Background()

	res, ok := h.Handle(ctx, protocol.Message{ID: "a", Type: protocol.KindExecute, Command: "whoami"})
	if !ok || res.ID != "a" || res.Type != protocol.KindResult || !res.Success || res.Output != "desktop-bumas6c\\op\r\n" {
		t.Fatalf("unexpected execute reply %+v", res)
	}
	res, _ = h.Handle(ctx, protocol.Message{ID: "b", Type: protocol.KindExecute, Command: "bad-cmd"})
	if res.Success || !strings.Contains(res.Output, "not recognized") {
		t.Fatalf("unexpected failure reply %+v", res)
	}
	res, _ = h.Handle(ctx, protocol.Message{ID: "c", Type: protocol.KindStats})
	if res.Type != protocol.KindStatsResult || res.Output != "7.6 GiB free" || res.Platform != "win32" || res.ID != "c" {
		t.Fatalf("unexpected stats reply %+v", res)
	}
	res, _ = h.Handle(ctx, protocol.Message{ID: "d", Type: protocol.KindPing})
	if res.Type != protocol.KindPong || res.ID != "d" {
		t.Fatalf("unexpected ping reply %+v", res)
	}
	if _, ok := h.Handle(ctx, protocol.Message{Type: protocol.KindResult}); ok {
		t.Fatal("responses must not be answered")
	}
}

func TestShellRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	r := NewShellRunner(0)
	out, ok := r.Run(context.Background(), "echo hello")
	if !ok || strings.TrimSpace(out) != "hello" {
		t.Fatalf("unexpected result %q %v", out, ok)
	}
	out, ok = r.Run(context.Background(), "echo oops 1>&2; exit 3")
	if ok || strings.TrimSpace(out) != "oops" {
		t.Fatalf("expected stderr and failure, got %q %v", out, ok)
	}
	if _, ok := r.Run(context.Background(), "  "); ok {
		t.Fatal("empty command must fail")
	}
}

func TestHostStats(t *testing.T) {
	memory, platform := HostStats{}.Stats(context.Background())
	if memory == "" || platform == "" {
		t.Fatalf("expected values, got %q %q", memory, platform)
	}
}
