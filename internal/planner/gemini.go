package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"nexus/cli/internal/logging"
	"nexus/cli/internal/memory"
)

const DefaultGeminiModel = "gemini-3-flash-preview"

type GeminiOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Shell      string
}

// Gemini plans with the Gemini API using a JSON response schema.
type Gemini struct {
	opts   GeminiOptions
	logger *slog.Logger

	mu     sync.Mutex
	client *genai.Client
}

func NewGemini(opts GeminiOptions) *Gemini {
	opts.APIKey = strings.TrimSpace(opts.APIKey)
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultGeminiModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gemini{opts: opts, logger: logger}
}

var planSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"steps": {
			Type:        genai.TypeArray,
			Items:       &genai.Schema{Type: genai.TypeString},
			Description: "Direct shell commands to execute.",
		},
		"explanation":   {Type: genai.TypeString, Description: "What you will tell the operator."},
		"thoughtStream": {Type: genai.TypeString, Description: "Your internal reasoning for this strategy."},
		"memoryUpdate":  {Type: genai.TypeString, Description: "A single fact worth remembering."},
	},
	Required: []string{"steps", "explanation", "thoughtStream"},
}

func (g *Gemini) Plan(ctx context.Context, task string, mem memory.Memory) (Plan, error) {
	client, err := g.connect(ctx)
	if err != nil {
		return Plan{}, wrapErr(err)
	}
	resp, err := client.Models.GenerateContent(ctx, g.opts.Model,
		genai.Text(fmt.Sprintf("MISSION: %q\n%s", task, MemoryContext(mem))),
		&genai.GenerateContentConfig{
			ResponseMIMEType:  "application/json",
			ResponseSchema:    planSchema,
			SystemInstruction: genai.NewContentFromText(SystemInstruction(g.opts.Shell), genai.RoleUser),
		})
	if err != nil {
		return Plan{}, wrapErr(classifyGeminiError(err))
	}
	return ParsePlan(resp.Text())
}

func (g *Gemini) Remediate(ctx context.Context, failed, output string, _ memory.Memory) string {
	client, err := g.connect(ctx)
	if err != nil {
		return failed
	}
	resp, err := client.Models.GenerateContent(ctx, g.opts.Model,
		genai.Text(remediationPrompt(failed, output)),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(remediationInstruction, genai.RoleUser),
		})
	if err != nil {
		g.logger.Warn("cloud remediation failed", "err", err)
		return failed
	}
	return ParseRemediation(resp.Text(), failed)
}

func (g *Gemini) connect(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	if g.opts.APIKey == "" {
		return nil, errors.New("gemini api key is not configured (set GEMINI_API_KEY)")
	}
	cfg := &genai.ClientConfig{
		APIKey:     g.opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.opts.HTTPClient,
	}
	if base := strings.TrimSpace(g.opts.BaseURL); base != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g.client = client
	return client, nil
}

func classifyGeminiError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted") {
		return fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
	}
	return err
}
