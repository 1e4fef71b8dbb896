package memory

import (
	"fmt"
	"strings"
)

const (
	Dir      = ".nexus_alpha"
	FileName = "memory.config"
)

// Dialect renders the remote shell commands that write and print the memory file.
// Blobs are base64 (standard alphabet) so they are safe inside single quotes.
type Dialect interface {
	Name() string
	WriteCommand(blob string) string
	ReadCommand() string
}

const (
	DialectPowerShell = "powershell"
	DialectPosix      = "posix"
)

func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DialectPowerShell:
		return PowerShell{}, nil
	case DialectPosix, "sh":
		return Posix{}, nil
	default:
		return nil, fmt.Errorf("unknown shell dialect %q", name)
	}
}

// PowerShell targets a Windows host, storing the file under %USERPROFILE%.
type PowerShell struct{}

func (PowerShell) Name() string { return DialectPowerShell }

func (PowerShell) WriteCommand(blob string) string {
	return fmt.Sprintf(
		`powershell -NoProfile -Command "$d = Join-Path $env:USERPROFILE '%s'; if (-not (Test-Path $d)) { New-Item -Path $d -ItemType Directory -Force | Out-Null }; [System.IO.File]::WriteAllText((Join-Path $d '%s'), '%s')"`,
		Dir, FileName, blob)
}

func (PowerShell) ReadCommand() string {
	return fmt.Sprintf(
		`powershell -NoProfile -Command "$p = Join-Path (Join-Path $env:USERPROFILE '%s') '%s'; if (Test-Path $p) { Get-Content $p -Raw }"`,
		Dir, FileName)
}

// Posix targets sh on unix hosts, storing the file under $HOME.
type Posix struct{}

func (Posix) Name() string { return DialectPosix }

func (Posix) WriteCommand(blob string) string {
	return fmt.Sprintf(`mkdir -p "$HOME/%s" && printf '%%s' '%s' > "$HOME/%s/%s"`, Dir, blob, Dir, FileName)
}

func (Posix) ReadCommand() string {
	path := fmt.Sprintf(`"$HOME/%s/%s"`, Dir, FileName)
	return fmt.Sprintf(`if [ -f %s ]; then cat %s; fi`, path, path)
}
