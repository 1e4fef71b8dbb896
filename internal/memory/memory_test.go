package memory

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	m := Default()
	if m.OllamaURL != "http://127.0.0.1:11434" || m.OllamaModel != "llama3" {
		t.Fatalf("unexpected engine defaults: %q %q", m.OllamaURL, m.OllamaModel)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"user_preferences":{},"known_files":[],"past_findings":[],"environment_details":{},"installed_tools":[],"ollama_url":"http://127.0.0.1:11434","ollama_model":"llama3"}`
	if string(raw) != want {
		t.Fatalf("unexpected json:\n got %s\nwant %s", raw, want)
	}
}

func TestRecordFinding_NewestFirstAndCapped(t *testing.T) {
	m := Default()
	for i := 0; i < 60; i++ {
		m = m.RecordFinding(fmt.Sprintf("finding %d", i))
	}
	if len(m.PastFindings) != MaxFindings {
		t.Fatalf("expected %d findings, got %d", MaxFindings, len(m.PastFindings))
	}
	if m.PastFindings[0] != "finding 59" {
		t.Fatalf("expected newest first, got %q", m.PastFindings[0])
	}
	if m.PastFindings[MaxFindings-1] != "finding 10" {
		t.Fatalf("unexpected oldest kept finding %q", m.PastFindings[MaxFindings-1])
	}
}

func TestRecordFinding_BlankIsIgnored(t *testing.T) {
	m := Default().RecordFinding("a")
	if got := m.RecordFinding("   "); len(got.PastFindings) != 1 {
		t.Fatalf("blank finding should be ignored, got %v", got.PastFindings)
	}
}

func TestRecordFinding_DoesNotAliasReceiver(t *testing.T) {
	base := Default().RecordFinding("a")
	_ = base.RecordFinding("b")
	if len(base.PastFindings) != 1 {
		t.Fatalf("receiver mutated: %v", base.PastFindings)
	}
}

func TestMerge_PresentKeysReplaceWholesale(t *testing.T) {
	m := Default()
	m.InstalledTools = []string{"git", "node"}
	m.UserPreferences = map[string]string{"shell": "pwsh", "editor": "vim"}

	got, err := m.Merge(Partial{
		"user_preferences": json.RawMessage(`{"editor":"nano"}`),
		"ollama_model":     json.RawMessage(`"qwen2"`),
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"editor": "nano"}, got.UserPreferences); diff != "" {
		t.Fatalf("user_preferences mismatch (-want +got):\n%s", diff)
	}
	if got.OllamaModel != "qwen2" {
		t.Fatalf("expected ollama_model qwen2, got %q", got.OllamaModel)
	}
	if diff := cmp.Diff([]string{"git", "node"}, got.InstalledTools); diff != "" {
		t.Fatalf("absent key should keep value (-want +got):\n%s", diff)
	}
	if got.OllamaURL != DefaultOllamaURL {
		t.Fatalf("absent key should keep value, got %q", got.OllamaURL)
	}
}

func TestMerge_WrongTypeIsMalformed(t *testing.T) {
	_, err := Default().Merge(Partial{"past_findings": json.RawMessage(`"not a list"`)})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUnknownKeysSurviveRoundTrip(t *testing.T) {
	blob := base64.StdEncoding.EncodeToString([]byte(`{"ollama_model":"mistral","shell_history":["ls","pwd"]}`))
	p, err := Decode(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	m, err := Default().Merge(p)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	out, err := Encode(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	again, err := Decode(out)
	if err != nil {
		t.Fatalf("decode of re-encoded blob failed: %v", err)
	}
	if string(again["shell_history"]) != `["ls","pwd"]` {
		t.Fatalf("unknown key lost: %s", again["shell_history"])
	}
	if string(again["ollama_model"]) != `"mistral"` {
		t.Fatalf("known key lost: %s", again["ollama_model"])
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Default().RecordFinding("OS is Windows 11")
	m.KnownFiles = []string{`C:\Users\op\notes.txt`}
	m.EnvironmentDetails = map[string]string{"os": "windows"}
	m.InstalledTools = []string{"git"}
	m.OllamaURL = "http://10.0.0.2:11434"

	blob, err := Encode(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	p, err := Decode(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, err := Default().Merge(p)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not base64": "%%%",
		"not json":   base64.StdEncoding.EncodeToString([]byte("hello")),
		"not object": base64.StdEncoding.EncodeToString([]byte(`[1,2]`)),
		"null":       base64.StdEncoding.EncodeToString([]byte(`null`)),
	}
	for name, blob := range cases {
		if _, err := Decode(blob); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}
