package bridge

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

const DefaultCommandTimeout = 5 * time.Minute

// ShellRunner runs commands through the host shell: cmd /C on Windows, sh -c elsewhere.
type ShellRunner struct {
	Timeout time.Duration
}

func NewShellRunner(timeout time.Duration) ShellRunner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return ShellRunner{Timeout: timeout}
}

func (r ShellRunner) Run(ctx context.Context, command string) (string, bool) {
	if strings.TrimSpace(command) == "" {
		return "empty command", false
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if output == "" {
		output = stderr.String()
	}
	if output == "" && err != nil {
		output = err.Error()
	}
	return output, err == nil
}

// HostStats reports available memory and the platform via gopsutil.
type HostStats struct{}

func (HostStats) Stats(ctx context.Context) (string, string) {
	memory := "unknown"
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memory = humanize.IBytes(vm.Available) + " free"
	}
	platform := runtime.GOOS
	if info, err := host.InfoWithContext(ctx); err == nil {
		if p := strings.TrimSpace(info.Platform + " " + info.PlatformVersion); p != "" {
			platform = p
		}
	}
	return memory, platform
}
