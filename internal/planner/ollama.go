package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"nexus/cli/internal/logging"
	"nexus/cli/internal/memory"
)

// ErrModelNotFound is returned when the Ollama server does not have the requested model.
var ErrModelNotFound = errors.New("ollama model not found")

type OllamaOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Shell      string
}

// Ollama plans with a local Ollama server. The server address and model come from memory on
// every call so engine edits apply to the next mission.
type Ollama struct {
	client *http.Client
	logger *slog.Logger
	shell  string
}

func NewOllama(opts OllamaOptions) *Ollama {
	o := &Ollama{client: opts.HTTPClient, logger: opts.Logger, shell: opts.Shell}
	if o.client == nil {
		o.client = http.DefaultClient
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	return o
}

func (o *Ollama) Plan(ctx context.Context, task string, mem memory.Memory) (Plan, error) {
	system := SystemInstruction(o.shell) + "\n" + MemoryContext(mem)
	text, err := o.generate(ctx, mem, system, task+planTemplate)
	if err != nil {
		return Plan{}, wrapErr(err)
	}
	plan, err := ParsePlan(text)
	if err != nil {
		o.logger.Warn("local core produced an unusable plan", "err", err, "reply", compact(text, 240))
		return Plan{}, err
	}
	return plan, nil
}

func (o *Ollama) Remediate(ctx context.Context, failed, output string, mem memory.Memory) string {
	text, err := o.generate(ctx, mem, "You are a terminal recovery expert. Return ONLY JSON.", remediationPrompt(failed, output))
	if err != nil {
		o.logger.Warn("local remediation failed", "err", err)
		return failed
	}
	return ParseRemediation(text, failed)
}

const planTemplate = `

RESPONSE_TEMPLATE (JSON ONLY):
{
  "steps": ["command1", "command2"],
  "explanation": "text",
  "thoughtStream": "text",
  "memoryUpdate": "text"
}`

func (o *Ollama) generate(ctx context.Context, mem memory.Memory, system, prompt string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(mem.OllamaURL), "/")
	if base == "" {
		base = memory.DefaultOllamaURL
	}
	model := strings.TrimSpace(mem.OllamaModel)
	if model == "" {
		model = memory.DefaultOllamaModel
	}
	buf, err := json.Marshal(map[string]any{
		"model":  model,
		"prompt": "[SYSTEM_INSTRUCTION]\n" + system + "\n\n[USER_MISSION]\n" + prompt,
		"stream": false,
		"format": "json",
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/generate", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("connection failed to Ollama at %s, ensure Ollama is running: %w", base, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: Model '%s' not found. Run 'ollama pull %s'", ErrModelNotFound, model, model)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama http %d: %s", resp.StatusCode, compact(string(payload), 240))
	}
	reply := gjson.GetBytes(payload, "response")
	if !reply.Exists() {
		return "", errors.New("ollama returned no response field")
	}
	return reply.String(), nil
}

func compact(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
