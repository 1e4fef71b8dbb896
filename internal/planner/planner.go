// Package planner turns a mission description into shell steps and repairs failed commands
// using a language model.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nexus/cli/internal/memory"
)

type Core string

const (
	CoreCloud  Core = "CLOUD"
	CoreLocal  Core = "LOCAL"
	CoreOpenAI Core = "OPENAI"
)

func ParseCore(raw string) (Core, error) {
	switch c := Core(strings.ToUpper(strings.TrimSpace(raw))); c {
	case "":
		return CoreLocal, nil
	case CoreCloud, CoreLocal, CoreOpenAI:
		return c, nil
	default:
		return "", fmt.Errorf("unknown core %q (want CLOUD, LOCAL or OPENAI)", raw)
	}
}

var (
	ErrPlanner        = errors.New("planner failed")
	ErrNoSteps        = errors.New("plan has no executable steps")
	ErrQuotaExhausted = errors.New("CLOUD QUOTA EXHAUSTED. Please switch to LOCAL (Ollama) Core")
)

// Step is one planned entry. Entries the model returned as something other than a string keep
// their raw JSON and are skipped by the runner.
type Step struct {
	Command string
	Raw     json.RawMessage
}

func (s Step) Executable() bool {
	return s.Raw == nil && strings.TrimSpace(s.Command) != ""
}

type Plan struct {
	Steps         []Step
	Explanation   string
	ThoughtStream string
	MemoryUpdate  string
}

// Commands lists the executable steps in order.
func (p Plan) Commands() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Executable() {
			out = append(out, s.Command)
		}
	}
	return out
}

type Planner interface {
	Plan(ctx context.Context, task string, mem memory.Memory) (Plan, error)
	// Remediate proposes a replacement for a failed command. It returns failed when no better
	// suggestion can be produced.
	Remediate(ctx context.Context, failed, output string, mem memory.Memory) string
}

const contextFindings = 5

// MemoryContext renders the slice of memory shared with the model. Findings are taken from the
// tail of the list; RecordFinding prepends, so these are the oldest retained findings.
func MemoryContext(mem memory.Memory) string {
	findings := mem.PastFindings
	if len(findings) > contextFindings {
		findings = findings[len(findings)-contextFindings:]
	}
	if findings == nil {
		findings = []string{}
	}
	tools := mem.InstalledTools
	if tools == nil {
		tools = []string{}
	}
	raw, _ := json.Marshal(struct {
		PastFindings   []string `json:"past_findings"`
		InstalledTools []string `json:"installed_tools"`
	}{findings, tools})
	return "HISTORICAL_CONTEXT: " + string(raw)
}

// SystemInstruction is the planning instruction for the given shell dialect.
func SystemInstruction(shell string) string {
	shellName := "PowerShell"
	examples := "'whoami', 'dir', 'Get-ChildItem'"
	if shell == memory.DialectPosix {
		shellName = "POSIX sh"
		examples = "'whoami', 'ls', 'uname -a'"
	}
	return strings.Join([]string{
		"You are Nexus-Alpha, an operator's shell automation agent.",
		fmt.Sprintf("Turn the mission into raw %s commands executed one after another on the operator's host.", shellName),
		"Return ONLY a valid JSON object, no prose outside it.",
		"'steps' MUST be an array of strings, each a complete executable command.",
		fmt.Sprintf("Use real commands such as %s.", examples),
		"'explanation' tells the operator what you will do, 'thoughtStream' holds your reasoning,",
		"'memoryUpdate' holds one durable fact worth remembering (may be empty).",
	}, "\n")
}

const remediationInstruction = "You are a terminal recovery engine. Output ONLY JSON with a 'command' key."

func remediationPrompt(failed, output string) string {
	return fmt.Sprintf("COMMAND_FAILED: %q\nERROR: %q\nProvide ONE corrected shell command. JSON format: {\"command\": \"...\"}", failed, output)
}

func wrapErr(err error) error {
	if err == nil || errors.Is(err, ErrPlanner) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPlanner, err)
}
