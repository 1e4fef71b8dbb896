package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/tidwall/gjson"

	"nexus/cli/internal/logging"
	"nexus/cli/internal/memory"
)

type OpenAIOptions struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Shell      string
}

// OpenAI plans through the Responses API of any OpenAI-compatible endpoint.
type OpenAI struct {
	model   string
	shell   string
	logger  *slog.Logger
	service responses.ResponseService
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	reqOpts := []option.RequestOption{option.WithHTTPClient(httpClient), option.WithMaxRetries(0)}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(key))
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &OpenAI{
		model:   strings.TrimSpace(opts.Model),
		shell:   opts.Shell,
		logger:  logger,
		service: responses.NewResponseService(reqOpts...),
	}
}

func (o *OpenAI) Plan(ctx context.Context, task string, mem memory.Memory) (Plan, error) {
	text, err := o.create(ctx, SystemInstruction(o.shell)+"\n"+MemoryContext(mem), fmt.Sprintf("MISSION: %q%s", task, planTemplate))
	if err != nil {
		return Plan{}, wrapErr(err)
	}
	return ParsePlan(text)
}

func (o *OpenAI) Remediate(ctx context.Context, failed, output string, _ memory.Memory) string {
	text, err := o.create(ctx, remediationInstruction, remediationPrompt(failed, output))
	if err != nil {
		o.logger.Warn("openai remediation failed", "err", err)
		return failed
	}
	return ParseRemediation(text, failed)
}

func (o *OpenAI) create(ctx context.Context, instructions, input string) (string, error) {
	if o.model == "" {
		return "", errors.New("openai model is not configured (set OPENAI_MODEL)")
	}
	params := responses.ResponseNewParams{
		Model:        o.model,
		Instructions: param.NewOpt(instructions),
		Input:        responses.ResponseNewParamsInputUnion{OfString: param.NewOpt(input)},
	}
	var rawBody []byte
	if _, err := o.service.New(ctx, params, option.WithResponseBodyInto(&rawBody)); err != nil {
		var apiErr *responses.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("responses api status %d: %s", apiErr.StatusCode, compact(apiErr.RawJSON(), 240))
		}
		return "", fmt.Errorf("responses request failed: %w", err)
	}
	text := outputText(rawBody)
	if strings.TrimSpace(text) == "" {
		return "", errors.New("responses api returned no text")
	}
	return text, nil
}

// outputText concatenates the output_text parts of a Responses API payload.
func outputText(raw []byte) string {
	var b strings.Builder
	gjson.GetBytes(raw, "output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "message" {
			return true
		}
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "output_text" {
				b.WriteString(part.Get("text").String())
			}
			return true
		})
		return true
	})
	return b.String()
}
