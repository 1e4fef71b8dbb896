package memory

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nexus/cli/internal/correlator"
	"nexus/cli/internal/journal"
)

type fakeDialect struct{}

func (fakeDialect) Name() string                    { return "fake" }
func (fakeDialect) WriteCommand(blob string) string { return "WRITE " + blob }
func (fakeDialect) ReadCommand() string             { return "READ" }

// fakeHost keeps the memory file in a string.
type fakeHost struct {
	mu       sync.Mutex
	file     string
	commands []string
	err      error
	reject   bool
}

func (h *fakeHost) Execute(_ context.Context, command string) (correlator.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	if h.err != nil {
		return correlator.Result{}, h.err
	}
	switch {
	case strings.HasPrefix(command, "WRITE "):
		if h.reject {
			return correlator.Result{Success: false, Output: "Access denied"}, nil
		}
		h.file = strings.TrimPrefix(command, "WRITE ")
		return correlator.Result{Success: true}, nil
	case command == "READ":
		return correlator.Result{Success: true, Output: h.file + "\r\n"}, nil
	}
	return correlator.Result{Success: false, Output: "unknown command"}, nil
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	host := &fakeHost{}
	ring := journal.NewRing(10)
	store := NewStore(host, StoreOptions{Dialect: fakeDialect{}, Journal: ring})

	m := Default().RecordFinding("whoami returned host\\op")
	m.InstalledTools = []string{"git", "python"}
	if err := store.Save(context.Background(), m); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	p, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got, err := Default().Merge(p)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	entries := ring.Entries()
	last := entries[len(entries)-1]
	if last.Type != journal.Success || last.Message != "BRAIN-LINK ENGAGED: Memory matrix synchronized." {
		t.Fatalf("unexpected journal entry: %+v", last)
	}
}

func TestStore_LoadAbsentFile(t *testing.T) {
	ring := journal.NewRing(10)
	store := NewStore(&fakeHost{}, StoreOptions{Dialect: fakeDialect{}, Journal: ring})
	p, err := store.Load(context.Background())
	if err != nil || p != nil {
		t.Fatalf("expected nil partial and nil error, got %v, %v", p, err)
	}
	if ring.Entries()[0].Type != journal.Warning {
		t.Fatalf("expected a warning, got %+v", ring.Entries())
	}
}

func TestStore_LoadCorruptBlob(t *testing.T) {
	ring := journal.NewRing(10)
	host := &fakeHost{file: "bm90IGpzb24="}
	store := NewStore(host, StoreOptions{Dialect: fakeDialect{}, Journal: ring})
	p, err := store.Load(context.Background())
	if p != nil || !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected nil partial and ErrMalformed, got %v, %v", p, err)
	}
	if e := ring.Entries()[0]; e.Type != journal.Warning || e.Message != "Memory checksum mismatch." {
		t.Fatalf("unexpected journal entry: %+v", e)
	}
}

func TestStore_SaveFailures(t *testing.T) {
	offline := errors.New("bridge offline")
	ring := journal.NewRing(10)
	store := NewStore(&fakeHost{err: offline}, StoreOptions{Dialect: fakeDialect{}, Journal: ring})
	if err := store.Save(context.Background(), Default()); !errors.Is(err, offline) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}

	store = NewStore(&fakeHost{reject: true}, StoreOptions{Dialect: fakeDialect{}, Journal: ring})
	if err := store.Save(context.Background(), Default()); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
	for _, e := range ring.Entries() {
		if e.Type != journal.Error {
			t.Fatalf("expected error entries, got %+v", e)
		}
	}
}

func TestStore_SaveSendsOneCommand(t *testing.T) {
	host := &fakeHost{}
	store := NewStore(host, StoreOptions{Dialect: fakeDialect{}})
	if err := store.Save(context.Background(), Default()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if len(host.commands) != 1 || !strings.HasPrefix(host.commands[0], "WRITE ") {
		t.Fatalf("unexpected commands: %v", host.commands)
	}
}

func TestDialectFor(t *testing.T) {
	for name, want := range map[string]string{"": DialectPowerShell, "PowerShell": DialectPowerShell, "posix": DialectPosix, "sh": DialectPosix} {
		d, err := DialectFor(name)
		if err != nil {
			t.Fatalf("%q: %v", name, err)
		}
		if d.Name() != want {
			t.Fatalf("%q: expected %s, got %s", name, want, d.Name())
		}
	}
	if _, err := DialectFor("fish"); err == nil {
		t.Fatal("expected unknown dialect error")
	}
}

func TestPowerShellCommands(t *testing.T) {
	w := PowerShell{}.WriteCommand("eyJhIjoxfQ==")
	for _, want := range []string{"$env:USERPROFILE", "'.nexus_alpha'", "'memory.config'", "New-Item", "'eyJhIjoxfQ=='"} {
		if !strings.Contains(w, want) {
			t.Fatalf("write command missing %q: %s", want, w)
		}
	}
	r := PowerShell{}.ReadCommand()
	if !strings.Contains(r, "Test-Path") || !strings.Contains(r, "Get-Content") {
		t.Fatalf("unexpected read command: %s", r)
	}
}

// shHost runs commands with sh against a temporary HOME.
type shHost struct{ home string }

func (h shHost) Execute(ctx context.Context, command string) (correlator.Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), "HOME="+h.home)
	out, err := cmd.CombinedOutput()
	return correlator.Result{Success: err == nil, Output: string(out)}, nil
}

func TestPosixDialect_RoundTripOnRealShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell not available")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	host := shHost{home: t.TempDir()}
	store := NewStore(host, StoreOptions{Dialect: Posix{}})

	p, err := store.Load(context.Background())
	if err != nil || p != nil {
		t.Fatalf("expected empty load before first save, got %v, %v", p, err)
	}

	m := Default().RecordFinding("kernel is linux")
	if err := store.Save(context.Background(), m); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	p, err = store.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got, err := Default().Merge(p)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
